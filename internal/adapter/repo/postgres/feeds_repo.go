package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// FeedRepo persists and loads podcast feeds.
type FeedRepo struct{ Pool PgxPool }

// NewFeedRepo constructs a FeedRepo with the given pool.
func NewFeedRepo(p PgxPool) *FeedRepo { return &FeedRepo{Pool: p} }

const feedColumns = `id, url, title, custom_title, description, image, author, last_polled_at, created_at, updated_at`

func scanFeed(row pgx.Row) (domain.Feed, error) {
	var f domain.Feed
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.CustomTitle, &f.Description, &f.Image, &f.Author,
		&f.LastPolledAt, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a feed; the url is unique.
func (r *FeedRepo) Create(ctx domain.Context, f domain.Feed) (domain.Feed, error) {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.Create")
	defer span.End()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	q := `INSERT INTO feeds (id, url, title, custom_title, description, image, author, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	if _, err := r.Pool.Exec(ctx, q, f.ID, f.URL, f.Title, f.CustomTitle, f.Description, f.Image, f.Author, now); err != nil {
		if isUniqueViolation(err) {
			return domain.Feed{}, fmt.Errorf("op=feed.create: %w", domain.ErrConflict)
		}
		return domain.Feed{}, fmt.Errorf("op=feed.create: %w", err)
	}
	return f, nil
}

// Get loads a feed by id.
func (r *FeedRepo) Get(ctx domain.Context, id string) (domain.Feed, error) {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.Get")
	defer span.End()
	f, err := scanFeed(r.Pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Feed{}, fmt.Errorf("op=feed.get: %w", domain.ErrNotFound)
		}
		return domain.Feed{}, fmt.Errorf("op=feed.get: %w", err)
	}
	return f, nil
}

// GetByURL loads a feed by its unique url.
func (r *FeedRepo) GetByURL(ctx domain.Context, url string) (domain.Feed, error) {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.GetByURL")
	defer span.End()
	f, err := scanFeed(r.Pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url=$1`, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Feed{}, fmt.Errorf("op=feed.get_by_url: %w", domain.ErrNotFound)
		}
		return domain.Feed{}, fmt.Errorf("op=feed.get_by_url: %w", err)
	}
	return f, nil
}

// List returns all feeds ordered by title.
func (r *FeedRepo) List(ctx domain.Context) ([]domain.Feed, error) {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY title ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=feed.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("op=feed.list: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=feed.list: %w", err)
	}
	return out, nil
}

// UpdateMeta refreshes feed metadata from the parsed RSS.
func (r *FeedRepo) UpdateMeta(ctx domain.Context, id, title, description, image, author string) error {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.UpdateMeta")
	defer span.End()
	q := `UPDATE feeds SET title=$2, description=$3, image=$4, author=$5, updated_at=now() WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, title, description, image, author); err != nil {
		return fmt.Errorf("op=feed.update_meta: %w", err)
	}
	return nil
}

// UpdateLastPolled records a completed poll.
func (r *FeedRepo) UpdateLastPolled(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.UpdateLastPolled")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE feeds SET last_polled_at=$2, updated_at=now() WHERE id=$1`, id, at.UTC()); err != nil {
		return fmt.Errorf("op=feed.update_last_polled: %w", err)
	}
	return nil
}

// Delete removes a feed; episodes and their jobs cascade.
func (r *FeedRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.feeds")
	ctx, span := tracer.Start(ctx, "feeds.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM feeds WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=feed.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=feed.delete: %w", domain.ErrNotFound)
	}
	return nil
}
