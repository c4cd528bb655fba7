package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// EpisodeRepo persists and loads feed episodes.
type EpisodeRepo struct{ Pool PgxPool }

// NewEpisodeRepo constructs an EpisodeRepo with the given pool.
func NewEpisodeRepo(p PgxPool) *EpisodeRepo { return &EpisodeRepo{Pool: p} }

const episodeColumns = `id, feed_id, guid, title, audio_url, duration_seconds, published_at, status,
	audio_path, transcript_path, transcript_url, COALESCE(error_message,''), created_at, updated_at`

func scanEpisode(row pgx.Row) (domain.Episode, error) {
	var e domain.Episode
	err := row.Scan(&e.ID, &e.FeedID, &e.GUID, &e.Title, &e.AudioURL, &e.DurationSeconds, &e.PublishedAt,
		&e.Status, &e.AudioPath, &e.TranscriptPath, &e.TranscriptURL, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// Create inserts a new episode. (feed_id, guid) is unique; duplicates from
// re-polled feeds come back as ErrConflict.
func (r *EpisodeRepo) Create(ctx domain.Context, e domain.Episode) (domain.Episode, error) {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.Create")
	defer span.End()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.EpisodeNew
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	q := `INSERT INTO episodes (id, feed_id, guid, title, audio_url, duration_seconds, published_at, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`
	if _, err := r.Pool.Exec(ctx, q, e.ID, e.FeedID, e.GUID, e.Title, e.AudioURL, e.DurationSeconds, e.PublishedAt, e.Status, now); err != nil {
		if isUniqueViolation(err) {
			return domain.Episode{}, fmt.Errorf("op=episode.create: %w", domain.ErrConflict)
		}
		return domain.Episode{}, fmt.Errorf("op=episode.create: %w", err)
	}
	return e, nil
}

// Get loads an episode by id.
func (r *EpisodeRepo) Get(ctx domain.Context, id string) (domain.Episode, error) {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.Get")
	defer span.End()
	e, err := scanEpisode(r.Pool.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Episode{}, fmt.Errorf("op=episode.get: %w", domain.ErrNotFound)
		}
		return domain.Episode{}, fmt.Errorf("op=episode.get: %w", err)
	}
	return e, nil
}

// GetByGUID loads an episode by its per-feed guid.
func (r *EpisodeRepo) GetByGUID(ctx domain.Context, feedID, guid string) (domain.Episode, error) {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.GetByGUID")
	defer span.End()
	e, err := scanEpisode(r.Pool.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE feed_id=$1 AND guid=$2`, feedID, guid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Episode{}, fmt.Errorf("op=episode.get_by_guid: %w", domain.ErrNotFound)
		}
		return domain.Episode{}, fmt.Errorf("op=episode.get_by_guid: %w", err)
	}
	return e, nil
}

// ListByFeed returns a feed's episodes, newest first.
func (r *EpisodeRepo) ListByFeed(ctx domain.Context, feedID string, limit, offset int) ([]domain.Episode, error) {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.ListByFeed")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + episodeColumns + ` FROM episodes WHERE feed_id=$1
		ORDER BY published_at DESC NULLS LAST, created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, feedID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=episode.list: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// ListByStatus returns episodes in a given status, oldest first.
func (r *EpisodeRepo) ListByStatus(ctx domain.Context, status domain.EpisodeStatus, limit int) ([]domain.Episode, error) {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.ListByStatus")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE status=$1 ORDER BY created_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=episode.list_status: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

func collectEpisodes(rows pgx.Rows) ([]domain.Episode, error) {
	var out []domain.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("op=episode.scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=episode.scan: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the episode status and error message.
func (r *EpisodeRepo) UpdateStatus(ctx domain.Context, id string, status domain.EpisodeStatus, errMsg string) error {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.UpdateStatus")
	defer span.End()
	q := `UPDATE episodes SET status=$2, error_message=$3, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg); err != nil {
		return fmt.Errorf("op=episode.update_status: %w", err)
	}
	return nil
}

// SetAudio records the stored audio file for the episode.
func (r *EpisodeRepo) SetAudio(ctx domain.Context, id, audioPath string) error {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.SetAudio")
	defer span.End()
	q := `UPDATE episodes SET audio_path=$2, status=$3, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, audioPath, domain.EpisodeAudioReady); err != nil {
		return fmt.Errorf("op=episode.set_audio: %w", err)
	}
	return nil
}

// SetTranscript records the stored transcript and completes the episode.
func (r *EpisodeRepo) SetTranscript(ctx domain.Context, id, transcriptPath, transcriptURL string) error {
	tracer := otel.Tracer("repo.episodes")
	ctx, span := tracer.Start(ctx, "episodes.SetTranscript")
	defer span.End()
	q := `UPDATE episodes SET transcript_path=$2, transcript_url=$3, status=$4, error_message='', updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, transcriptPath, transcriptURL, domain.EpisodeCompleted); err != nil {
		return fmt.Errorf("op=episode.set_transcript: %w", err)
	}
	return nil
}
