package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// migrations are applied forward-only; the highest applied version is tracked
// in schema_version. Never edit an entry after it has shipped; append instead.
var migrations = []string{
	// 1: initial schema
	`
	CREATE TABLE IF NOT EXISTS feeds (
		id UUID PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		custom_title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		last_polled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS episodes (
		id UUID PRIMARY KEY,
		feed_id UUID NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		duration_seconds INT NOT NULL DEFAULT 0,
		published_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'new',
		audio_path TEXT NOT NULL DEFAULT '',
		transcript_path TEXT NOT NULL DEFAULT '',
		transcript_url TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (feed_id, guid)
	);
	CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		episode_id UUID NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
		job_type TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 10,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		scheduled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		next_retry_at TIMESTAMPTZ,
		error_message TEXT NOT NULL DEFAULT '',
		progress_percent INT NOT NULL DEFAULT 0,
		assigned_node_id TEXT,
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs (job_type, status, priority, scheduled_at, id);
	CREATE INDEX IF NOT EXISTS idx_jobs_episode ON jobs (episode_id, job_type);
	CREATE TABLE IF NOT EXISTS worker_nodes (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL UNIQUE,
		model TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'online',
		last_heartbeat TIMESTAMPTZ,
		current_job_id UUID,
		priority INT NOT NULL DEFAULT 10,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`,
	// 2: episodes listed by recency
	`CREATE INDEX IF NOT EXISTS idx_episodes_feed_published ON episodes (feed_id, published_at DESC);`,
}

// Migrate brings the schema to the current version. Safe to run on every
// startup; versions already applied are skipped.
func Migrate(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("op=migrate.init: %w", err)
	}
	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("op=migrate.version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		version := i + 1
		if _, err := pool.Exec(ctx, migrations[i]); err != nil {
			return fmt.Errorf("op=migrate.apply version=%d: %w", version, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version); err != nil {
			return fmt.Errorf("op=migrate.record version=%d: %w", version, err)
		}
		slog.Info("schema migration applied", slog.Int("version", version))
	}
	return nil
}
