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

// JobRepo is the sole writer of job rows. It owns the retry/backoff policy:
// attempts increment exactly once per claim, requeues never reset them, and
// the only counter reset is the explicit admin retry of a terminal job.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, episode_id, job_type, priority, status, attempts, max_attempts,
	scheduled_at, started_at, completed_at, next_retry_at, COALESCE(error_message,''),
	progress_percent, assigned_node_id, claimed_at, created_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.EpisodeID, &j.Type, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.NextRetryAt, &j.ErrorMessage,
		&j.Progress, &j.AssignedNodeID, &j.ClaimedAt, &j.CreatedAt)
	return j, err
}

// Create inserts a new queued job and returns it.
func (r *JobRepo) Create(ctx domain.Context, episodeID string, t domain.JobType, priority, maxAttempts int) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, episode_id, job_type, priority, status, attempts, max_attempts, scheduled_at, progress_percent, created_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,0,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, episodeID, t, priority, domain.JobQueued, maxAttempts, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return domain.Job{
		ID: id, EpisodeID: episodeID, Type: t, Priority: priority,
		Status: domain.JobQueued, MaxAttempts: maxAttempts,
		ScheduledAt: now, CreatedAt: now,
	}, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// HasPendingJob reports whether a queued or running job exists for the
// (episode, type) pair.
func (r *JobRepo) HasPendingJob(ctx domain.Context, episodeID string, t domain.JobType) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.HasPendingJob")
	defer span.End()
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM jobs WHERE episode_id=$1 AND job_type=$2 AND status IN ('queued','running'))`
	if err := r.Pool.QueryRow(ctx, q, episodeID, t).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=job.has_pending: %w", err)
	}
	return exists, nil
}

// NextJob returns the next dispatchable queued job of the given type without
// claiming it. Ordering is priority ASC, scheduled_at ASC, id ASC. With
// localOnly set, transcription work is withheld while any remote node has
// heartbeated within the last minute (remote nodes get first refusal).
func (r *JobRepo) NextJob(ctx domain.Context, t domain.JobType, localOnly bool) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.NextJob")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE job_type=$1 AND status='queued' AND (next_retry_at IS NULL OR next_retry_at <= now())`
	if localOnly && t == domain.JobTranscribe {
		q += ` AND NOT EXISTS (SELECT 1 FROM worker_nodes WHERE last_heartbeat > now() - interval '1 minute')`
	}
	q += ` ORDER BY priority ASC, scheduled_at ASC, id ASC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, t))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.next: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.next: %w", err)
	}
	return j, nil
}

// ClaimJob atomically transitions a queued job to running for nodeID. The
// status precondition lives in the WHERE clause; losing the race updates zero
// rows and returns ErrConflict with attempts untouched.
func (r *JobRepo) ClaimJob(ctx domain.Context, id, nodeID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimJob")
	defer span.End()
	q := `UPDATE jobs
		SET status='running', assigned_node_id=$2, attempts=attempts+1, started_at=now(), claimed_at=now()
		WHERE id=$1 AND status='queued'
		RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

// MarkRunning claims the job for the local worker.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string) error {
	_, err := r.ClaimJob(ctx, id, domain.LocalNodeID)
	return err
}

// UpdateProgress stores a clamped progress percentage. Best-effort: callers
// throttle it and never fail the job when it errors.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, percent int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if _, err := r.Pool.Exec(ctx, `UPDATE jobs SET progress_percent=$2 WHERE id=$1`, id, percent); err != nil {
		return fmt.Errorf("op=job.progress: %w", err)
	}
	return nil
}

// MarkCompleted finishes a job.
func (r *JobRepo) MarkCompleted(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCompleted")
	defer span.End()
	q := `UPDATE jobs SET status='completed', completed_at=now(), progress_percent=100 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	return nil
}

// MarkFailed requeues the job with exponential backoff while attempts remain
// and retry is requested; otherwise it goes terminal. Attempts are never
// reset here.
func (r *JobRepo) MarkFailed(ctx domain.Context, id, errMsg string, retry bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	if err := tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id=$1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if retry && attempts < maxAttempts {
		next := time.Now().UTC().Add(domain.Backoff(attempts))
		_, err = tx.Exec(ctx, `UPDATE jobs SET status='queued', error_message=$2, next_retry_at=$3,
			assigned_node_id=NULL, claimed_at=NULL, started_at=NULL WHERE id=$1`, id, errMsg, next)
	} else {
		_, err = tx.Exec(ctx, `UPDATE jobs SET status='failed', error_message=$2, completed_at=now() WHERE id=$1`, id, errMsg)
	}
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	return nil
}

// CompleteDownload commits the download result atomically: the job completes,
// the episode becomes audio_ready, and a follow-on transcription job is
// enqueued at high priority unless one already pends. Observers never see a
// completed download with nothing queued behind it.
func (r *JobRepo) CompleteDownload(ctx domain.Context, jobID, episodeID, audioPath string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteDownload")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.complete_download: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE jobs SET status='completed', completed_at=now(), progress_percent=100
		WHERE id=$1 AND status='running'`, jobID)
	if err != nil {
		return fmt.Errorf("op=job.complete_download: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete_download: %w", domain.ErrConflict)
	}
	if _, err := tx.Exec(ctx, `UPDATE episodes SET status=$2, audio_path=$3, updated_at=now() WHERE id=$1`,
		episodeID, domain.EpisodeAudioReady, audioPath); err != nil {
		return fmt.Errorf("op=job.complete_download: %w", err)
	}
	q := `INSERT INTO jobs (id, episode_id, job_type, priority, status, attempts, max_attempts, scheduled_at, progress_percent, created_at)
		SELECT $1, $2, 'transcribe', $3, 'queued', 0, $4, now(), 0, now()
		WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE episode_id=$2 AND job_type='transcribe' AND status IN ('queued','running'))`
	if _, err := tx.Exec(ctx, q, uuid.New().String(), episodeID, domain.FollowOnPriority, domain.DefaultMaxAttempts); err != nil {
		return fmt.Errorf("op=job.complete_download: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.complete_download: %w", err)
	}
	return nil
}

// ReclaimStaleJobs recovers running jobs whose started_at predates the cutoff.
// Jobs with attempts remaining are requeued with attempts intact and become
// immediately eligible; exhausted ones go terminal. The window is measured
// from started_at, never claimed_at, so re-claiming does not refresh a
// deadline.
func (r *JobRepo) ReclaimStaleJobs(ctx domain.Context, olderThan time.Duration) (int, int, error) {
	return r.resetRunning(ctx, time.Now().UTC().Add(-olderThan))
}

// ResetRunningJobs recovers every running job regardless of age. Called once
// at startup: anything running then is by definition orphaned.
func (r *JobRepo) ResetRunningJobs(ctx domain.Context) (int, int, error) {
	return r.resetRunning(ctx, time.Time{})
}

func (r *JobRepo) resetRunning(ctx domain.Context, cutoff time.Time) (int, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.resetRunning")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("op=job.reclaim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	window := ``
	args := []any{}
	if !cutoff.IsZero() {
		window = ` AND started_at < $1`
		args = append(args, cutoff)
	}
	requeueTag, err := tx.Exec(ctx, `UPDATE jobs SET status='queued', assigned_node_id=NULL, claimed_at=NULL, started_at=NULL
		WHERE status='running' AND attempts < max_attempts`+window, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("op=job.reclaim: %w", err)
	}
	failTag, err := tx.Exec(ctx, `UPDATE jobs SET status='failed', error_message='Max attempts exceeded', completed_at=now()
		WHERE status='running' AND attempts >= max_attempts`+window, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("op=job.reclaim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=job.reclaim: %w", err)
	}
	return int(requeueTag.RowsAffected()), int(failTag.RowsAffected()), nil
}

// RetryFailedJob requeues a terminally failed job. This is the only
// transition that resets attempts; it also clears the error and any pending
// backoff. Returns false when the job is not in failed.
func (r *JobRepo) RetryFailedJob(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RetryFailedJob")
	defer span.End()
	q := `UPDATE jobs SET status='queued', attempts=0, error_message='', next_retry_at=NULL,
		completed_at=NULL, progress_percent=0, scheduled_at=now() WHERE id=$1 AND status='failed'`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("op=job.retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnclaimJob releases a running job back to queued without touching attempts.
// Assignment and claim timestamps are cleared, matching the reclaim path.
func (r *JobRepo) UnclaimJob(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UnclaimJob")
	defer span.End()
	q := `UPDATE jobs SET status='queued', assigned_node_id=NULL, claimed_at=NULL, started_at=NULL
		WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=job.unclaim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.unclaim: %w", domain.ErrConflict)
	}
	return nil
}

// CancelQueued removes a queued job entirely.
func (r *JobRepo) CancelQueued(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CancelQueued")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1 AND status='queued'`, id)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrConflict)
	}
	return nil
}

// CleanupCompleted deletes completed jobs older than the retention window.
func (r *JobRepo) CleanupCompleted(ctx domain.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CleanupCompleted")
	defer span.End()
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE status='completed' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns jobs, newest first, optionally filtered by status.
func (r *JobRepo) List(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// CountByStatus returns job counts keyed by status, for metrics and the
// dashboard.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count: %w", err)
	}
	defer rows.Close()
	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.count: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count: %w", err)
	}
	return out, nil
}
