package usecase

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fairyhunter13/podscribe/internal/adapter/observability"
	"github.com/fairyhunter13/podscribe/internal/adapter/storage"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Nodes implements the pull protocol spoken by remote transcription agents.
// Remote nodes only ever see transcription jobs; downloads stay local because
// the audio must land on the server's disk.
type Nodes struct {
	NodeRepo    domain.NodeRepository
	JobRepo     domain.JobRepository
	EpisodeRepo domain.EpisodeRepository
	FeedRepo    domain.FeedRepository
	Store       domain.TranscriptStore
	Enabled     bool
}

// NewNodes constructs the Nodes service.
func NewNodes(nodes domain.NodeRepository, jobs domain.JobRepository, episodes domain.EpisodeRepository, feeds domain.FeedRepository, store domain.TranscriptStore, enabled bool) *Nodes {
	return &Nodes{NodeRepo: nodes, JobRepo: jobs, EpisodeRepo: episodes, FeedRepo: feeds, Store: store, Enabled: enabled}
}

// Register creates a node and hands back its one-time-visible api key.
func (s *Nodes) Register(ctx domain.Context, name, url, model, backend string) (domain.WorkerNode, error) {
	if !s.Enabled {
		return domain.WorkerNode{}, fmt.Errorf("op=nodes.register: distributed mode disabled: %w", domain.ErrNotReady)
	}
	if name == "" {
		return domain.WorkerNode{}, fmt.Errorf("op=nodes.register: name required: %w", domain.ErrInvalidArgument)
	}
	n, err := s.NodeRepo.Register(ctx, name, url, model, backend)
	if err != nil {
		return domain.WorkerNode{}, err
	}
	slog.Info("node registered", slog.String("node_id", n.ID), slog.String("name", n.Name))
	return n, nil
}

// ClaimedJob is what a node receives from a successful claim.
type ClaimedJob struct {
	Job     domain.Job
	Episode domain.Episode
}

// Claim hands the node the next transcription job, atomically. A race with
// another claimer retries once on the following queue entry before giving up
// with ErrConflict.
func (s *Nodes) Claim(ctx domain.Context, node domain.WorkerNode) (ClaimedJob, error) {
	for attempt := 0; attempt < 2; attempt++ {
		next, err := s.JobRepo.NextJob(ctx, domain.JobTranscribe, false)
		if err != nil {
			return ClaimedJob{}, err
		}
		job, err := s.JobRepo.ClaimJob(ctx, next.ID, node.ID)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return ClaimedJob{}, err
		}
		ep, err := s.EpisodeRepo.Get(ctx, job.EpisodeID)
		if err != nil {
			// The episode vanished under the job; fail it terminally.
			_ = s.JobRepo.MarkFailed(ctx, job.ID, "episode no longer exists", false)
			return ClaimedJob{}, err
		}
		if ep.AudioPath == "" {
			_ = s.JobRepo.MarkFailed(ctx, job.ID, "episode has no stored audio", false)
			_ = s.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeNeedsAudio, "audio missing at claim")
			continue
		}
		_ = s.EpisodeRepo.UpdateStatus(ctx, ep.ID, domain.EpisodeTranscribing, "")
		_ = s.NodeRepo.UpdateStatus(ctx, node.ID, domain.NodeBusy, &job.ID)
		observability.StartJob(string(domain.JobTranscribe))
		slog.Info("job claimed", slog.String("job_id", job.ID), slog.String("node_id", node.ID))
		return ClaimedJob{Job: job, Episode: ep}, nil
	}
	return ClaimedJob{}, fmt.Errorf("op=nodes.claim: lost claim race twice: %w", domain.ErrConflict)
}

// assignedJob loads a job and verifies it is running under this node.
func (s *Nodes) assignedJob(ctx domain.Context, node domain.WorkerNode, jobID string) (domain.Job, error) {
	job, err := s.JobRepo.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.AssignedNodeID == nil || *job.AssignedNodeID != node.ID {
		return domain.Job{}, fmt.Errorf("op=nodes.assigned: job %s belongs to another node: %w", jobID, domain.ErrForbidden)
	}
	if job.Status != domain.JobRunning {
		return domain.Job{}, fmt.Errorf("op=nodes.assigned: job %s is %s: %w", jobID, job.Status, domain.ErrConflict)
	}
	return job, nil
}

// OpenAudio streams the stored audio of the node's claimed job.
func (s *Nodes) OpenAudio(ctx domain.Context, node domain.WorkerNode, jobID string) (io.ReadSeekCloser, int64, error) {
	job, err := s.assignedJob(ctx, node, jobID)
	if err != nil {
		return nil, 0, err
	}
	ep, err := s.EpisodeRepo.Get(ctx, job.EpisodeID)
	if err != nil {
		return nil, 0, err
	}
	if ep.AudioPath == "" {
		return nil, 0, fmt.Errorf("op=nodes.open_audio: no audio for episode %s: %w", ep.ID, domain.ErrNotFound)
	}
	return s.Store.OpenAudio(ep.AudioPath)
}

// Progress records a node's progress report on its claimed job.
func (s *Nodes) Progress(ctx domain.Context, node domain.WorkerNode, jobID string, percent int) error {
	if _, err := s.assignedJob(ctx, node, jobID); err != nil {
		return err
	}
	return s.JobRepo.UpdateProgress(ctx, jobID, percent)
}

// Complete accepts the finished transcript, renders and stores it, and
// finishes the job plus episode in sequence. A replay from the same node
// after the job already completed succeeds without rewriting anything, so
// an agent retrying a lost response does not see a spurious conflict.
func (s *Nodes) Complete(ctx domain.Context, node domain.WorkerNode, jobID string, t domain.Transcript) error {
	job, err := s.JobRepo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedNodeID == nil || *job.AssignedNodeID != node.ID {
		return fmt.Errorf("op=nodes.complete: job %s belongs to another node: %w", jobID, domain.ErrForbidden)
	}
	if job.Status == domain.JobCompleted {
		_ = s.NodeRepo.UpdateStatus(ctx, node.ID, domain.NodeOnline, nil)
		slog.Info("duplicate completion ignored", slog.String("job_id", jobID), slog.String("node_id", node.ID))
		return nil
	}
	if job.Status != domain.JobRunning {
		return fmt.Errorf("op=nodes.complete: job %s is %s: %w", jobID, job.Status, domain.ErrConflict)
	}
	if len(t.Segments) == 0 {
		return fmt.Errorf("op=nodes.complete: empty transcript: %w", domain.ErrInvalidArgument)
	}
	ep, err := s.EpisodeRepo.Get(ctx, job.EpisodeID)
	if err != nil {
		return err
	}
	feed, err := s.FeedRepo.Get(ctx, ep.FeedID)
	if err != nil {
		return err
	}
	md := storage.RenderMarkdown(ep.Title, t)
	path, err := s.Store.SaveTranscript(feed.DisplayTitle(), ep.Title, ep.PublishedAt, md)
	if err != nil {
		return err
	}
	if err := s.EpisodeRepo.SetTranscript(ctx, ep.ID, path, ""); err != nil {
		return err
	}
	if err := s.JobRepo.MarkCompleted(ctx, jobID); err != nil {
		return err
	}
	_ = s.NodeRepo.UpdateStatus(ctx, node.ID, domain.NodeOnline, nil)
	var dur time.Duration
	if job.StartedAt != nil {
		dur = time.Since(*job.StartedAt)
	}
	observability.CompleteJob(string(domain.JobTranscribe), dur)
	slog.Info("job completed by node",
		slog.String("job_id", jobID),
		slog.String("node_id", node.ID),
		slog.String("transcript", path))
	return nil
}

// Fail records a node-side failure. With retry set the job requeues under
// backoff while attempts remain.
func (s *Nodes) Fail(ctx domain.Context, node domain.WorkerNode, jobID, errMsg string, retry bool) error {
	job, err := s.assignedJob(ctx, node, jobID)
	if err != nil {
		return err
	}
	if err := s.JobRepo.MarkFailed(ctx, jobID, errMsg, retry); err != nil {
		return err
	}
	after, err := s.JobRepo.Get(ctx, jobID)
	if err == nil && after.Status == domain.JobFailed {
		_ = s.EpisodeRepo.UpdateStatus(ctx, job.EpisodeID, domain.EpisodeFailed, errMsg)
		observability.FailJob(string(domain.JobTranscribe))
	} else {
		_ = s.EpisodeRepo.UpdateStatus(ctx, job.EpisodeID, domain.EpisodeAudioReady, "")
		observability.JobsRunning.WithLabelValues(string(domain.JobTranscribe)).Dec()
	}
	_ = s.NodeRepo.UpdateStatus(ctx, node.ID, domain.NodeOnline, nil)
	slog.Warn("job failed on node",
		slog.String("job_id", jobID),
		slog.String("node_id", node.ID),
		slog.Bool("retry", retry),
		slog.String("error", errMsg))
	return nil
}

// Release returns the node's claimed job to the queue with attempts intact,
// used on graceful agent shutdown.
func (s *Nodes) Release(ctx domain.Context, node domain.WorkerNode, jobID string) error {
	job, err := s.assignedJob(ctx, node, jobID)
	if err != nil {
		return err
	}
	if err := s.JobRepo.UnclaimJob(ctx, jobID); err != nil {
		return err
	}
	_ = s.EpisodeRepo.UpdateStatus(ctx, job.EpisodeID, domain.EpisodeAudioReady, "")
	_ = s.NodeRepo.UpdateStatus(ctx, node.ID, domain.NodeOnline, nil)
	observability.JobsRunning.WithLabelValues(string(domain.JobTranscribe)).Dec()
	slog.Info("job released", slog.String("job_id", jobID), slog.String("node_id", node.ID))
	return nil
}
