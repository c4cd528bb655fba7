// Command server starts the podscribe HTTP server, local worker pool and
// background schedulers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/podscribe/internal/adapter/download"
	httpserver "github.com/fairyhunter13/podscribe/internal/adapter/httpserver"
	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/podscribe/internal/adapter/rss"
	"github.com/fairyhunter13/podscribe/internal/adapter/storage"
	"github.com/fairyhunter13/podscribe/internal/adapter/stt"
	"github.com/fairyhunter13/podscribe/internal/app"
	"github.com/fairyhunter13/podscribe/internal/config"
	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/internal/usecase"
	"github.com/fairyhunter13/podscribe/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	feedRepo := postgres.NewFeedRepo(pool)
	episodeRepo := postgres.NewEpisodeRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	nodeRepo := postgres.NewNodeRepo(pool)
	backup := postgres.NewBackupService(pool, cfg.BackupDir)

	// Adapters
	store := storage.NewFS(cfg.StorageDir)
	feedSource := rss.NewSource(cfg.HTTPReadTimeout)
	fetcher := download.NewFetcher(0)
	var transcriber domain.Transcriber = stt.NewWhisper(cfg.WhisperBin, cfg.WhisperModel)
	if cfg.WhisperBin == "" {
		transcriber = stt.NewStub()
		slog.Warn("no whisper binary configured; using stub transcriber")
	}

	// Services
	feeds := usecase.NewFeeds(feedRepo, episodeRepo, jobRepo, feedSource, cfg.JobMaxAttempts)
	jobs := usecase.NewJobs(jobRepo)
	search := usecase.NewSearch(store.TranscriptRoot())
	nodes := usecase.NewNodes(nodeRepo, jobRepo, episodeRepo, feedRepo, store, cfg.DistributedEnabled)
	processor := usecase.NewProcessor(jobRepo, episodeRepo, feedRepo, fetcher, transcriber, store, "")

	// Background work
	bgCtx, stopBG := context.WithCancel(ctx)
	defer stopBG()

	pool2 := worker.NewPool(jobRepo, processor, cfg.MaxConcurrentDownloads, cfg.WorkerPollInterval, cfg.WorkerStopTimeout)
	if err := pool2.Start(bgCtx); err != nil {
		slog.Error("worker pool start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool2.Stop()

	go app.NewFeedPoller(feeds, cfg.FeedPollInterval).Run(bgCtx)
	// The coordinator also reclaims jobs hung on the local worker, so it runs
	// even when no remote nodes can register.
	go app.NewCoordinator(nodeRepo, jobRepo, episodeRepo, cfg.HeartbeatTimeout, cfg.JobTimeout, cfg.CoordinatorInterval).Run(bgCtx)
	if cfg.CompletedRetentionDays > 0 {
		go runCleanup(bgCtx, jobs, time.Duration(cfg.CompletedRetentionDays)*24*time.Hour, cfg.CleanupInterval)
	}

	// HTTP
	nodeH := httpserver.NewNodeHandlers(nodes, nodeRepo)
	adminH := httpserver.NewAdminHandlers(feeds, jobs, search, episodeRepo, nodeRepo, backup)
	ready := app.NewReadiness(pool, cfg.StorageDir)
	handler := app.BuildRouter(cfg, nodeH, adminH, nodeRepo, ready)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.Bool("distributed", cfg.DistributedEnabled))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
	stopBG()
	pool2.Stop()
	slog.Info("server stopped")
}

func runCleanup(ctx context.Context, jobs *usecase.Jobs, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := jobs.Cleanup(ctx, retention); err != nil {
				slog.Error("cleanup pass failed", slog.Any("error", err))
			}
		}
	}
}
