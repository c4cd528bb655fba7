// Package worker runs the in-process job workers: a small pool for downloads
// and a single serial lane for transcription, which saturates the machine on
// its own.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/internal/usecase"
)

// Pool polls the queue and executes claimed jobs locally.
type Pool struct {
	Jobs      domain.JobRepository
	Processor *usecase.Processor

	Downloads    int
	PollInterval time.Duration
	StopTimeout  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool constructs a Pool.
func NewPool(jobs domain.JobRepository, proc *usecase.Processor, downloads int, pollInterval, stopTimeout time.Duration) *Pool {
	if downloads <= 0 {
		downloads = 2
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &Pool{Jobs: jobs, Processor: proc, Downloads: downloads, PollInterval: pollInterval, StopTimeout: stopTimeout}
}

// Start recovers orphaned running jobs from a previous crash, then launches
// the worker goroutines.
func (p *Pool) Start(ctx context.Context) error {
	requeued, failed, err := p.Jobs.ResetRunningJobs(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 || failed > 0 {
		slog.Info("startup recovery", slog.Int("requeued", requeued), slog.Int("failed", failed))
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.Downloads; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id, domain.JobDownload)
		}(i)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx, 0, domain.JobTranscribe)
	}()
	slog.Info("worker pool started",
		slog.Int("download_workers", p.Downloads),
		slog.Duration("poll_interval", p.PollInterval))
	return nil
}

// Stop cancels the workers and waits up to StopTimeout for in-flight jobs.
// Jobs still running after that stay claimed and are recovered by the next
// startup or the coordinator.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool stopped")
	case <-time.After(p.StopTimeout):
		slog.Warn("worker pool stop timed out", slog.Duration("timeout", p.StopTimeout))
	}
}

func (p *Pool) loop(ctx context.Context, id int, t domain.JobType) {
	lg := slog.Default().With(slog.String("worker", string(t)), slog.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		worked, err := p.runOne(ctx, t)
		if err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("worker pass failed", slog.Any("error", err))
		}
		if worked {
			// Drain the queue before sleeping again.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.PollInterval):
		}
	}
}

// runOne claims and processes at most one job. The transcribe lane defers to
// live remote nodes via the localOnly dispatch gate.
func (p *Pool) runOne(ctx context.Context, t domain.JobType) (bool, error) {
	next, err := p.Jobs.NextJob(ctx, t, true)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job, err := p.Jobs.ClaimJob(ctx, next.ID, domain.LocalNodeID)
	if errors.Is(err, domain.ErrConflict) {
		// Someone else got there first; try again immediately.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	observability.StartJob(string(t))
	switch t {
	case domain.JobDownload:
		return true, p.Processor.ProcessDownload(ctx, job)
	default:
		return true, p.Processor.ProcessTranscribe(ctx, job)
	}
}
