package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Coordinator is the liveness sweeper. Each tick it marks silent nodes
// offline, releases their claimed jobs back to the queue, and reclaims any
// running job older than the job timeout regardless of which worker held it.
// It runs in every deployment: without remote nodes the node sweep is a
// no-op and the job reclaim still covers the local worker.
type Coordinator struct {
	nodes            domain.NodeRepository
	jobs             domain.JobRepository
	episodes         domain.EpisodeRepository
	heartbeatTimeout time.Duration
	jobTimeout       time.Duration
	interval         time.Duration
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(nodes domain.NodeRepository, jobs domain.JobRepository, episodes domain.EpisodeRepository, heartbeatTimeout, jobTimeout, interval time.Duration) *Coordinator {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = time.Minute
	}
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Coordinator{
		nodes: nodes, jobs: jobs, episodes: episodes,
		heartbeatTimeout: heartbeatTimeout, jobTimeout: jobTimeout, interval: interval,
	}
}

// Run ticks until the context ends. The first sweep happens immediately so a
// restart recovers orphaned claims without waiting an interval.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("coordinator stopping")
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.coordinator")
	ctx, span := tracer.Start(ctx, "Coordinator.sweepOnce")
	defer span.End()

	online := c.sweepNodes(ctx)
	observability.NodesOnline.Set(float64(online))

	requeued, failed, err := c.jobs.ReclaimStaleJobs(ctx, c.jobTimeout)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job reclaim failed", slog.Any("error", err))
		return
	}
	if requeued > 0 || failed > 0 {
		observability.JobsReclaimedTotal.Add(float64(requeued))
		slog.Warn("stale jobs reclaimed", slog.Int("requeued", requeued), slog.Int("failed", failed))
	}
	span.SetAttributes(
		attribute.Int("nodes.online", online),
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.failed", failed),
	)
}

// sweepNodes offlines silent nodes and releases their claims, returning the
// count of nodes still online.
func (c *Coordinator) sweepNodes(ctx context.Context) int {
	nodes, err := c.nodes.List(ctx)
	if err != nil {
		slog.Error("coordinator node list failed", slog.Any("error", err))
		return 0
	}
	cutoff := time.Now().Add(-c.heartbeatTimeout)
	online := 0
	for _, n := range nodes {
		alive := n.LastHeartbeat != nil && n.LastHeartbeat.After(cutoff)
		if alive {
			if n.Status != domain.NodeOffline {
				online++
			}
			continue
		}
		if n.Status == domain.NodeOffline {
			continue
		}
		if n.CurrentJobID != nil {
			c.releaseJob(ctx, n, *n.CurrentJobID)
		}
		if err := c.nodes.UpdateStatus(ctx, n.ID, domain.NodeOffline, nil); err != nil {
			slog.Error("node offline transition failed", slog.String("node_id", n.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("node marked offline",
			slog.String("node_id", n.ID),
			slog.String("name", n.Name),
			slog.Duration("heartbeat_timeout", c.heartbeatTimeout))
	}
	return online
}

// releaseJob returns a dead node's claim to the queue with attempts intact.
// A conflict here means the job already moved on; that is fine.
func (c *Coordinator) releaseJob(ctx context.Context, n domain.WorkerNode, jobID string) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}
	if job.AssignedNodeID == nil || *job.AssignedNodeID != n.ID || job.Status != domain.JobRunning {
		return
	}
	if err := c.jobs.UnclaimJob(ctx, jobID); err != nil {
		return
	}
	_ = c.episodes.UpdateStatus(ctx, job.EpisodeID, domain.EpisodeAudioReady, "")
	observability.JobsReclaimedTotal.Inc()
	observability.JobsRunning.WithLabelValues(string(job.Type)).Dec()
	slog.Warn("job released from dead node",
		slog.String("job_id", jobID),
		slog.String("node_id", n.ID))
}
