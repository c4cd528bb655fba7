// Package usecase contains application services coordinating repositories and
// adapters. Handlers stay thin; policy lives here.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Feeds implements feed subscription and polling.
type Feeds struct {
	FeedRepo    domain.FeedRepository
	EpisodeRepo domain.EpisodeRepository
	JobRepo     domain.JobRepository
	Source      domain.FeedSource
	MaxAttempts int
}

// NewFeeds constructs the Feeds service.
func NewFeeds(feeds domain.FeedRepository, episodes domain.EpisodeRepository, jobs domain.JobRepository, source domain.FeedSource, maxAttempts int) *Feeds {
	return &Feeds{FeedRepo: feeds, EpisodeRepo: episodes, JobRepo: jobs, Source: source, MaxAttempts: maxAttempts}
}

// Add subscribes to a feed and polls it immediately. On this first poll only
// the newest episode is enqueued for download; the backlog is persisted but
// left alone until requested explicitly.
func (s *Feeds) Add(ctx domain.Context, feedURL, customTitle string) (domain.Feed, error) {
	u, err := url.Parse(feedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Feed{}, fmt.Errorf("op=feeds.add: url %q: %w", feedURL, domain.ErrInvalidArgument)
	}
	info, err := s.Source.Fetch(ctx, feedURL)
	if err != nil {
		return domain.Feed{}, fmt.Errorf("op=feeds.add: %w", err)
	}
	feed, err := s.FeedRepo.Create(ctx, domain.Feed{
		URL:         feedURL,
		Title:       info.Title,
		CustomTitle: customTitle,
		Description: info.Description,
		Image:       info.Image,
		Author:      info.Author,
	})
	if err != nil {
		return domain.Feed{}, err
	}
	if err := s.ingest(ctx, feed, info); err != nil {
		// Subscription succeeded; the next scheduled poll retries ingestion.
		slog.Warn("initial feed ingest failed", slog.String("feed_id", feed.ID), slog.Any("error", err))
	}
	return s.FeedRepo.Get(ctx, feed.ID)
}

// Poll re-fetches one feed and enqueues downloads for every episode not seen
// before.
func (s *Feeds) Poll(ctx domain.Context, feedID string) error {
	feed, err := s.FeedRepo.Get(ctx, feedID)
	if err != nil {
		return err
	}
	info, err := s.Source.Fetch(ctx, feed.URL)
	if err != nil {
		return fmt.Errorf("op=feeds.poll feed=%s: %w", feedID, err)
	}
	return s.ingest(ctx, feed, info)
}

// PollAll polls every subscribed feed, continuing past per-feed failures.
func (s *Feeds) PollAll(ctx domain.Context) error {
	feeds, err := s.FeedRepo.List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, f := range feeds {
		if err := s.Poll(ctx, f.ID); err != nil {
			slog.Warn("feed poll failed", slog.String("feed_id", f.ID), slog.String("url", f.URL), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ingest persists newly discovered episodes and enqueues downloads. On a
// feed's very first poll only the newest item gets a job.
func (s *Feeds) ingest(ctx domain.Context, feed domain.Feed, info domain.FeedInfo) error {
	if info.Title != "" {
		if err := s.FeedRepo.UpdateMeta(ctx, feed.ID, info.Title, info.Description, info.Image, info.Author); err != nil {
			return err
		}
	}
	firstPoll := feed.LastPolledAt == nil
	var created []domain.Episode
	for _, seed := range info.Episodes {
		if _, err := s.EpisodeRepo.GetByGUID(ctx, feed.ID, seed.GUID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		ep, err := s.EpisodeRepo.Create(ctx, domain.Episode{
			FeedID:          feed.ID,
			GUID:            seed.GUID,
			Title:           seed.Title,
			AudioURL:        seed.AudioURL,
			DurationSeconds: seed.DurationSeconds,
			PublishedAt:     seed.PublishedAt,
		})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		created = append(created, ep)
	}
	toEnqueue := created
	if firstPoll && len(created) > 1 {
		// Episodes arrive newest first.
		toEnqueue = created[:1]
	}
	for _, ep := range toEnqueue {
		if err := s.EnqueueDownload(ctx, ep.ID); err != nil {
			return err
		}
	}
	if len(created) > 0 {
		slog.Info("feed ingested",
			slog.String("feed_id", feed.ID),
			slog.Int("new_episodes", len(created)),
			slog.Int("enqueued", len(toEnqueue)))
	}
	return s.FeedRepo.UpdateLastPolled(ctx, feed.ID, time.Now().UTC())
}

// EnqueueDownload creates a download job for an episode unless one already
// pends. Also the entry point for re-downloading backlog episodes on demand.
func (s *Feeds) EnqueueDownload(ctx domain.Context, episodeID string) error {
	if _, err := s.EpisodeRepo.Get(ctx, episodeID); err != nil {
		return err
	}
	pending, err := s.JobRepo.HasPendingJob(ctx, episodeID, domain.JobDownload)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	if _, err := s.JobRepo.Create(ctx, episodeID, domain.JobDownload, domain.DefaultPriority, s.MaxAttempts); err != nil {
		return err
	}
	observability.EnqueueJob(string(domain.JobDownload))
	return nil
}

// EnqueueTranscribe creates a transcription job for an audio-ready episode
// unless one already pends.
func (s *Feeds) EnqueueTranscribe(ctx domain.Context, episodeID string) error {
	ep, err := s.EpisodeRepo.Get(ctx, episodeID)
	if err != nil {
		return err
	}
	if ep.AudioPath == "" {
		return fmt.Errorf("op=feeds.enqueue_transcribe: episode %s has no audio: %w", episodeID, domain.ErrConflict)
	}
	pending, err := s.JobRepo.HasPendingJob(ctx, episodeID, domain.JobTranscribe)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	if _, err := s.JobRepo.Create(ctx, episodeID, domain.JobTranscribe, domain.DefaultPriority, s.MaxAttempts); err != nil {
		return err
	}
	observability.EnqueueJob(string(domain.JobTranscribe))
	return nil
}

// Delete unsubscribes a feed; episodes and jobs cascade in the store. Stored
// audio and transcript files are kept.
func (s *Feeds) Delete(ctx domain.Context, feedID string) error {
	return s.FeedRepo.Delete(ctx, feedID)
}
