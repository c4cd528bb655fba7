package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/podscribe/internal/usecase"
)

// FeedPoller refreshes all subscribed feeds on a schedule.
type FeedPoller struct {
	feeds    *usecase.Feeds
	interval time.Duration
}

// NewFeedPoller constructs a FeedPoller.
func NewFeedPoller(feeds *usecase.Feeds, interval time.Duration) *FeedPoller {
	if interval <= 0 {
		interval = time.Hour
	}
	return &FeedPoller{feeds: feeds, interval: interval}
}

// Run polls immediately, then on every tick until the context ends.
func (p *FeedPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("feed poller stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *FeedPoller) pollOnce(ctx context.Context) {
	tracer := otel.Tracer("app.poller")
	ctx, span := tracer.Start(ctx, "FeedPoller.pollOnce")
	defer span.End()
	if err := p.feeds.PollAll(ctx); err != nil {
		span.RecordError(err)
		slog.Warn("feed poll pass finished with errors", slog.Any("error", err))
	}
}
