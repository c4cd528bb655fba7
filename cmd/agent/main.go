// Command agent runs the remote transcription worker. It registers with a
// podscribe server, pulls transcription jobs, runs them through whisper and
// uploads the results.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/podscribe/internal/adapter/stt"
	"github.com/fairyhunter13/podscribe/internal/agent"
)

func main() {
	cfg, err := agent.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		slog.String("service", "podscribe-agent"),
		slog.String("node", cfg.NodeName),
	)
	slog.SetDefault(logger)

	if cfg.NodeName == "" {
		host, _ := os.Hostname()
		cfg.NodeName = host
	}

	engine := stt.NewWhisper(cfg.WhisperBin, cfg.WhisperModel)
	a := agent.New(cfg, engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("agent starting",
		slog.String("server", cfg.ServerURL),
		slog.String("whisper", cfg.WhisperBin),
		slog.String("model", cfg.WhisperModel))
	if err := a.Run(ctx); err != nil {
		slog.Error("agent failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("agent stopped")
}
