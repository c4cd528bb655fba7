package usecase

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/adapter/storage"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Processor executes claimed jobs in-process, for the local worker pool.
type Processor struct {
	JobRepo     domain.JobRepository
	EpisodeRepo domain.EpisodeRepository
	FeedRepo    domain.FeedRepository
	Fetcher     domain.AudioFetcher
	Transcriber domain.Transcriber
	Store       domain.TranscriptStore
	TempDir     string
}

// NewProcessor constructs a Processor.
func NewProcessor(jobs domain.JobRepository, episodes domain.EpisodeRepository, feeds domain.FeedRepository, fetcher domain.AudioFetcher, transcriber domain.Transcriber, store domain.TranscriptStore, tempDir string) *Processor {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Processor{JobRepo: jobs, EpisodeRepo: episodes, FeedRepo: feeds, Fetcher: fetcher, Transcriber: transcriber, Store: store, TempDir: tempDir}
}

// ProcessDownload runs a claimed download job to completion. The terminal
// write goes through CompleteDownload so the episode flip and the follow-on
// transcription job commit atomically with the job itself.
func (p *Processor) ProcessDownload(ctx domain.Context, job domain.Job) error {
	ep, err := p.EpisodeRepo.Get(ctx, job.EpisodeID)
	if err != nil {
		return p.failJob(ctx, job, fmt.Sprintf("load episode: %v", err), false)
	}
	feed, err := p.FeedRepo.Get(ctx, ep.FeedID)
	if err != nil {
		return p.failJob(ctx, job, fmt.Sprintf("load feed: %v", err), false)
	}
	_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeDownloading, "")

	tempPath, ext, err := p.Fetcher.Fetch(ctx, ep.AudioURL, p.TempDir)
	if err != nil {
		_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeNew, err.Error())
		return p.failJob(ctx, job, err.Error(), true)
	}
	audioPath, err := p.Store.SaveAudioFile(feed.DisplayTitle(), ep.Title, ep.PublishedAt, ext, tempPath)
	if err != nil {
		_ = os.Remove(tempPath)
		_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeNew, err.Error())
		return p.failJob(ctx, job, err.Error(), true)
	}
	if err := p.JobRepo.CompleteDownload(ctx, job.ID, ep.ID, audioPath); err != nil {
		return err
	}
	var dur time.Duration
	if job.StartedAt != nil {
		dur = time.Since(*job.StartedAt)
	}
	observability.CompleteJob(string(domain.JobDownload), dur)
	slog.Info("download completed",
		slog.String("job_id", job.ID),
		slog.String("episode_id", ep.ID),
		slog.String("audio", audioPath))
	return nil
}

// ProcessTranscribe runs a claimed transcription job on the local engine.
func (p *Processor) ProcessTranscribe(ctx domain.Context, job domain.Job) error {
	ep, err := p.EpisodeRepo.Get(ctx, job.EpisodeID)
	if err != nil {
		return p.failJob(ctx, job, fmt.Sprintf("load episode: %v", err), false)
	}
	if ep.AudioPath == "" {
		_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeNeedsAudio, "audio missing")
		return p.failJob(ctx, job, "episode has no stored audio", false)
	}
	feed, err := p.FeedRepo.Get(ctx, ep.FeedID)
	if err != nil {
		return p.failJob(ctx, job, fmt.Sprintf("load feed: %v", err), false)
	}
	_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeTranscribing, "")

	report := throttleProgress(func(pct int) {
		_ = p.JobRepo.UpdateProgress(ctx, job.ID, pct)
	})
	t, err := p.Transcriber.Transcribe(ctx, ep.AudioPath, report)
	if err != nil {
		_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeAudioReady, err.Error())
		return p.failJob(ctx, job, err.Error(), true)
	}
	md := storage.RenderMarkdown(ep.Title, t)
	path, err := p.Store.SaveTranscript(feed.DisplayTitle(), ep.Title, ep.PublishedAt, md)
	if err != nil {
		_ = p.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeAudioReady, err.Error())
		return p.failJob(ctx, job, err.Error(), true)
	}
	if err := p.EpisodeRepo.SetTranscript(ctx, ep.ID, path, ""); err != nil {
		return err
	}
	if err := p.JobRepo.MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	var dur time.Duration
	if job.StartedAt != nil {
		dur = time.Since(*job.StartedAt)
	}
	observability.CompleteJob(string(domain.JobTranscribe), dur)
	slog.Info("transcription completed",
		slog.String("job_id", job.ID),
		slog.String("episode_id", ep.ID),
		slog.String("transcript", path))
	return nil
}

// failJob records the failure on the job and mirrors the terminal state onto
// the episode when retries are exhausted.
func (p *Processor) failJob(ctx domain.Context, job domain.Job, errMsg string, retry bool) error {
	if err := p.JobRepo.MarkFailed(ctx, job.ID, errMsg, retry); err != nil {
		return err
	}
	after, err := p.JobRepo.Get(ctx, job.ID)
	if err == nil && after.Status == domain.JobFailed {
		_ = p.EpisodeRepo.UpdateStatus(ctx, job.EpisodeID, domain.EpisodeFailed, errMsg)
		observability.FailJob(string(job.Type))
	} else {
		observability.JobsRunning.WithLabelValues(string(job.Type)).Dec()
	}
	slog.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.Bool("retry", retry),
		slog.String("error", errMsg))
	return nil
}

// throttleProgress limits progress writes to one per five seconds or a five
// point jump, whichever comes first. 100 always goes through.
func throttleProgress(report func(int)) func(int) {
	var last int
	var lastAt time.Time
	return func(pct int) {
		now := time.Now()
		if pct != 100 && pct-last < 5 && now.Sub(lastAt) < 5*time.Second {
			return
		}
		last, lastAt = pct, now
		report(pct)
	}
}
