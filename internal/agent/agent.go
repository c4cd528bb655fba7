package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Engine is the transcription backend the agent drives, plus the identity it
// reports in heartbeats.
type Engine interface {
	domain.Transcriber
	Backend() string
	ModelName() string
}

// Agent is the remote worker loop: register once, heartbeat forever, and
// pull-transcribe-upload until stopped.
type Agent struct {
	Cfg    Config
	Client *Client
	Engine Engine

	state State

	// claimed is the job currently being worked plus its local audio file.
	claimed *work
	// next holds a prefetched job whose audio is already on disk.
	next chan *work
}

type work struct {
	Job   RemoteJob
	Audio string
}

// New constructs an Agent.
func New(cfg Config, engine Engine) *Agent {
	return &Agent{
		Cfg:    cfg,
		Client: NewClient(cfg.ServerURL, "", cfg.HTTPTimeout, cfg.UploadTimeout),
		Engine: engine,
		next:   make(chan *work, 1),
	}
}

// Run drives the agent until the context ends. On shutdown any claimed job
// is released so another worker can pick it up without burning an attempt.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.ensureRegistered(ctx); err != nil {
		return err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go a.heartbeatLoop(hbCtx)

	for {
		select {
		case <-ctx.Done():
			a.releaseAll()
			return nil
		default:
		}
		w, err := a.obtainWork(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			select {
			case <-ctx.Done():
				a.releaseAll()
				return nil
			case <-time.After(a.Cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if IsStatus(err, http.StatusUnauthorized) {
				// Server lost our registration; start over with a fresh key.
				a.state = State{ServerURL: a.Cfg.ServerURL}
				if rerr := a.ensureRegistered(ctx); rerr != nil {
					return rerr
				}
				continue
			}
			slog.Error("claim failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.Cfg.PollInterval):
			}
			continue
		}
		a.process(ctx, w)
	}
}

// ensureRegistered loads persisted identity or registers anew.
func (a *Agent) ensureRegistered(ctx context.Context) error {
	st, err := LoadState(a.Cfg.StateFile)
	if err != nil {
		return err
	}
	if st.NodeID != "" && st.APIKey != "" && st.ServerURL == a.Cfg.ServerURL {
		a.state = st
		a.Client.APIKey = st.APIKey
		slog.Info("reusing node registration", slog.String("node_id", st.NodeID))
		return nil
	}
	nodeID, err := a.Client.Register(ctx, a.Cfg.NodeName, a.Cfg.NodeURL, a.Engine.ModelName(), a.Engine.Backend())
	if err != nil {
		return err
	}
	a.state = State{ServerURL: a.Cfg.ServerURL, NodeID: nodeID, APIKey: a.Client.APIKey}
	if err := a.state.Save(a.Cfg.StateFile); err != nil {
		return err
	}
	slog.Info("node registered", slog.String("node_id", nodeID), slog.String("name", a.Cfg.NodeName))
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.Cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Client.Heartbeat(ctx, a.Engine.ModelName(), a.Engine.Backend()); err != nil {
				slog.Warn("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// obtainWork returns a prefetched job if one is staged, otherwise claims and
// downloads a fresh one.
func (a *Agent) obtainWork(ctx context.Context) (*work, error) {
	select {
	case w := <-a.next:
		return w, nil
	default:
	}
	return a.claimAndFetch(ctx)
}

func (a *Agent) claimAndFetch(ctx context.Context) (*work, error) {
	job, err := a.Client.Claim(ctx)
	if err != nil {
		return nil, err
	}
	audio, err := a.Client.DownloadAudio(ctx, job, a.Cfg.TempDir)
	if err != nil {
		// A failed transfer is the node's problem, not the job's; hand the
		// claim back without charging an attempt.
		_ = a.Client.Release(context.WithoutCancel(ctx), job.ID)
		return nil, err
	}
	return &work{Job: job, Audio: audio}, nil
}

// process runs one job to completion. With prefetch enabled the next job's
// audio downloads while the engine is busy.
func (a *Agent) process(ctx context.Context, w *work) {
	a.claimed = w
	defer func() {
		a.claimed = nil
		_ = os.Remove(w.Audio)
	}()

	if a.Cfg.PrefetchEnabled {
		go a.prefetch(ctx)
	}

	lg := slog.Default().With(slog.String("job_id", w.Job.ID), slog.String("episode", w.Job.EpisodeTitle))
	lg.Info("transcription started")
	report := throttle(func(pct int) {
		if err := a.Client.Progress(ctx, w.Job.ID, pct); err != nil {
			lg.Debug("progress report failed", slog.Any("error", err))
		}
	})
	t, err := a.Engine.Transcribe(ctx, w.Audio, report)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-job: release rather than fail so the attempt is
			// not charged.
			a.releaseAll()
			return
		}
		lg.Error("transcription failed", slog.Any("error", err))
		if ferr := a.Client.Fail(context.WithoutCancel(ctx), w.Job.ID, err.Error(), true); ferr != nil {
			lg.Error("failure report failed", slog.Any("error", ferr))
		}
		return
	}
	if err := a.Client.Complete(ctx, w.Job.ID, t); err != nil {
		lg.Error("transcript upload failed", slog.Any("error", err))
		if ferr := a.Client.Fail(context.WithoutCancel(ctx), w.Job.ID, "transcript upload failed: "+err.Error(), true); ferr != nil {
			lg.Error("failure report failed", slog.Any("error", ferr))
		}
		return
	}
	lg.Info("transcription uploaded", slog.Int("segments", len(t.Segments)))
}

// prefetch stages at most one extra job so the engine never idles between
// episodes.
func (a *Agent) prefetch(ctx context.Context) {
	if len(a.next) > 0 {
		return
	}
	w, err := a.claimAndFetch(ctx)
	if err != nil {
		return
	}
	select {
	case a.next <- w:
	default:
		// Slot filled by a concurrent prefetch; hand the claim back.
		_ = a.Client.Release(ctx, w.Job.ID)
		_ = os.Remove(w.Audio)
	}
}

// releaseAll returns every claimed job to the server on shutdown.
func (a *Agent) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.claimed != nil {
		if err := a.Client.Release(ctx, a.claimed.Job.ID); err != nil {
			slog.Warn("job release failed", slog.String("job_id", a.claimed.Job.ID), slog.Any("error", err))
		} else {
			slog.Info("job released", slog.String("job_id", a.claimed.Job.ID))
		}
		a.claimed = nil
	}
	for {
		select {
		case w := <-a.next:
			_ = a.Client.Release(ctx, w.Job.ID)
			_ = os.Remove(w.Audio)
		default:
			return
		}
	}
}

// throttle limits progress posts to one per five seconds or a five point
// jump. 100 always goes through.
func throttle(report func(int)) func(int) {
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
