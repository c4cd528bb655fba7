package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Jobs implements the admin-facing queue operations.
type Jobs struct {
	JobRepo domain.JobRepository
}

// NewJobs constructs the Jobs service.
func NewJobs(jobs domain.JobRepository) *Jobs { return &Jobs{JobRepo: jobs} }

// Retry resets a terminally failed job so it runs again from attempt zero.
func (s *Jobs) Retry(ctx domain.Context, id string) error {
	ok, err := s.JobRepo.RetryFailedJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("op=jobs.retry: job %s is not failed: %w", id, domain.ErrConflict)
	}
	slog.Info("job retried", slog.String("job_id", id))
	return nil
}

// Cancel removes a queued job. Running jobs cannot be cancelled; they finish
// or get reclaimed.
func (s *Jobs) Cancel(ctx domain.Context, id string) error {
	return s.JobRepo.CancelQueued(ctx, id)
}

// ResetStuck force-reclaims running jobs older than the given age. With
// retries left they requeue immediately; exhausted ones go terminal.
func (s *Jobs) ResetStuck(ctx domain.Context, olderThan time.Duration) (requeued, failed int, err error) {
	if olderThan < 0 {
		return 0, 0, fmt.Errorf("op=jobs.reset_stuck: negative age: %w", domain.ErrInvalidArgument)
	}
	requeued, failed, err = s.JobRepo.ReclaimStaleJobs(ctx, olderThan)
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || failed > 0 {
		slog.Info("stuck jobs reset", slog.Int("requeued", requeued), slog.Int("failed", failed))
	}
	return requeued, failed, nil
}

// List returns jobs, optionally filtered by status.
func (s *Jobs) List(ctx domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	switch status {
	case "", domain.JobQueued, domain.JobRunning, domain.JobCompleted, domain.JobFailed:
	default:
		return nil, fmt.Errorf("op=jobs.list: status %q: %w", status, domain.ErrInvalidArgument)
	}
	return s.JobRepo.List(ctx, status, limit, offset)
}

// Stats returns queue depth per status.
func (s *Jobs) Stats(ctx domain.Context) (map[domain.JobStatus]int, error) {
	return s.JobRepo.CountByStatus(ctx)
}

// Cleanup deletes completed jobs older than the retention window and returns
// how many went away.
func (s *Jobs) Cleanup(ctx domain.Context, retention time.Duration) (int64, error) {
	n, err := s.JobRepo.CleanupCompleted(ctx, retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("completed jobs cleaned up", slog.Int64("deleted", n))
	}
	return n, nil
}
