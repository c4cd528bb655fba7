package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// BackupService produces a consistent online snapshot of all tables.
// Everything is read inside one repeatable-read transaction, so the file is a
// point-in-time image even while workers keep mutating jobs.
type BackupService struct {
	Pool PgxPool
	Dir  string
}

// NewBackupService constructs a BackupService writing into dir.
func NewBackupService(pool PgxPool, dir string) *BackupService {
	return &BackupService{Pool: pool, Dir: dir}
}

var backupTables = []string{"feeds", "episodes", "jobs", "worker_nodes", "schema_version"}

// Snapshot writes a single JSON-lines file and returns its path. The file is
// written to a temp name and renamed into place so a crash never leaves a
// half-written backup behind.
func (s *BackupService) Snapshot(ctx domain.Context) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("op=backup.snapshot: %w", err)
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return "", fmt.Errorf("op=backup.snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	name := fmt.Sprintf("podscribe-%s.backup.jsonl", time.Now().UTC().Format("20060102-150405"))
	final := filepath.Join(s.Dir, name)
	tmp, err := os.CreateTemp(s.Dir, ".backup-*")
	if err != nil {
		return "", fmt.Errorf("op=backup.snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	enc := json.NewEncoder(tmp)
	for _, table := range backupTables {
		rows, err := tx.Query(ctx, `SELECT row_to_json(t) FROM `+table+` t`)
		if err != nil {
			_ = tmp.Close()
			return "", fmt.Errorf("op=backup.snapshot table=%s: %w", table, err)
		}
		for rows.Next() {
			var raw json.RawMessage
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				_ = tmp.Close()
				return "", fmt.Errorf("op=backup.snapshot table=%s: %w", table, err)
			}
			if err := enc.Encode(map[string]any{"table": table, "row": raw}); err != nil {
				rows.Close()
				_ = tmp.Close()
				return "", fmt.Errorf("op=backup.snapshot table=%s: %w", table, err)
			}
		}
		if err := rows.Err(); err != nil {
			_ = tmp.Close()
			return "", fmt.Errorf("op=backup.snapshot table=%s: %w", table, err)
		}
		rows.Close()
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("op=backup.snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("op=backup.snapshot: %w", err)
	}
	slog.Info("backup written", slog.String("path", final))
	return final, nil
}
