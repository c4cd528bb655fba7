// Package memory provides in-memory repository implementations with the same
// transition semantics as the postgres adapters. They back dev mode without a
// database and the concurrency tests, where claim races and reclaim behavior
// must be exercised deterministically.
package memory

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// Store holds all entities behind one mutex; every exported method is a
// single atomic transition, mirroring the row-level atomicity of the SQL
// adapters.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	feeds    map[string]*domain.Feed
	episodes map[string]*domain.Episode
	jobs     map[string]*domain.Job
	nodes    map[string]*domain.WorkerNode
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		feeds:    map[string]*domain.Feed{},
		episodes: map[string]*domain.Episode{},
		jobs:     map[string]*domain.Job{},
		nodes:    map[string]*domain.WorkerNode{},
	}
}

// SetClock overrides the store's notion of now. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Jobs returns the job repository view of the store.
func (s *Store) Jobs() *JobRepo { return &JobRepo{s: s} }

// Feeds returns the feed repository view of the store.
func (s *Store) Feeds() *FeedRepo { return &FeedRepo{s: s} }

// Episodes returns the episode repository view of the store.
func (s *Store) Episodes() *EpisodeRepo { return &EpisodeRepo{s: s} }

// Nodes returns the node repository view of the store.
func (s *Store) Nodes() *NodeRepo { return &NodeRepo{s: s} }

// JobRepo implements domain.JobRepository.
type JobRepo struct{ s *Store }

func (r *JobRepo) Create(_ domain.Context, episodeID string, t domain.JobType, priority, maxAttempts int) (domain.Job, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	now := s.now()
	j := domain.Job{
		ID: uuid.New().String(), EpisodeID: episodeID, Type: t, Priority: priority,
		Status: domain.JobQueued, MaxAttempts: maxAttempts,
		ScheduledAt: now, CreatedAt: now,
	}
	s.jobs[j.ID] = &j
	out := j
	return out, nil
}

func (r *JobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

func (r *JobRepo) HasPendingJob(_ domain.Context, episodeID string, t domain.JobType) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPendingLocked(episodeID, t), nil
}

func (s *Store) hasPendingLocked(episodeID string, t domain.JobType) bool {
	for _, j := range s.jobs {
		if j.EpisodeID == episodeID && j.Type == t && j.Pending() {
			return true
		}
	}
	return false
}

func (r *JobRepo) NextJob(_ domain.Context, t domain.JobType, localOnly bool) (domain.Job, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if localOnly && t == domain.JobTranscribe {
		for _, n := range s.nodes {
			if n.LastHeartbeat != nil && now.Sub(*n.LastHeartbeat) < time.Minute {
				return domain.Job{}, fmt.Errorf("op=job.next: %w", domain.ErrNotFound)
			}
		}
	}
	var candidates []*domain.Job
	for _, j := range s.jobs {
		if j.Type != t || j.Status != domain.JobQueued {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return domain.Job{}, fmt.Errorf("op=job.next: %w", domain.ErrNotFound)
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority < candidates[b].Priority
		}
		if !candidates[a].ScheduledAt.Equal(candidates[b].ScheduledAt) {
			return candidates[a].ScheduledAt.Before(candidates[b].ScheduledAt)
		}
		return candidates[a].ID < candidates[b].ID
	})
	return *candidates[0], nil
}

func (r *JobRepo) ClaimJob(_ domain.Context, id, nodeID string) (domain.Job, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", domain.ErrConflict)
	}
	now := s.now()
	j.Status = domain.JobRunning
	j.AssignedNodeID = &nodeID
	j.Attempts++
	j.StartedAt = &now
	j.ClaimedAt = &now
	return *j, nil
}

func (r *JobRepo) MarkRunning(ctx domain.Context, id string) error {
	_, err := r.ClaimJob(ctx, id, domain.LocalNodeID)
	return err
}

func (r *JobRepo) UpdateProgress(_ domain.Context, id string, percent int) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.progress: %w", domain.ErrNotFound)
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.Progress = percent
	return nil
}

func (r *JobRepo) MarkCompleted(_ domain.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
	}
	now := s.now()
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.Progress = 100
	return nil
}

func (r *JobRepo) MarkFailed(_ domain.Context, id, errMsg string, retry bool) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
	}
	now := s.now()
	if retry && j.Attempts < j.MaxAttempts {
		next := now.Add(domain.Backoff(j.Attempts))
		j.Status = domain.JobQueued
		j.ErrorMessage = errMsg
		j.NextRetryAt = &next
		j.AssignedNodeID = nil
		j.ClaimedAt = nil
		j.StartedAt = nil
	} else {
		j.Status = domain.JobFailed
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
	}
	return nil
}

func (r *JobRepo) CompleteDownload(_ domain.Context, jobID, episodeID, audioPath string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != domain.JobRunning {
		return fmt.Errorf("op=job.complete_download: %w", domain.ErrConflict)
	}
	now := s.now()
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.Progress = 100
	if e, ok := s.episodes[episodeID]; ok {
		e.Status = domain.EpisodeAudioReady
		e.AudioPath = audioPath
		e.UpdatedAt = now
	}
	if !s.hasPendingLocked(episodeID, domain.JobTranscribe) {
		t := domain.Job{
			ID: uuid.New().String(), EpisodeID: episodeID, Type: domain.JobTranscribe,
			Priority: domain.FollowOnPriority, Status: domain.JobQueued,
			MaxAttempts: domain.DefaultMaxAttempts, ScheduledAt: now, CreatedAt: now,
		}
		s.jobs[t.ID] = &t
	}
	return nil
}

func (r *JobRepo) ReclaimStaleJobs(_ domain.Context, olderThan time.Duration) (int, int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	return s.resetRunningLocked(&cutoff)
}

func (r *JobRepo) ResetRunningJobs(domain.Context) (int, int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetRunningLocked(nil)
}

func (s *Store) resetRunningLocked(cutoff *time.Time) (int, int, error) {
	requeued, failed := 0, 0
	now := s.now()
	for _, j := range s.jobs {
		if j.Status != domain.JobRunning {
			continue
		}
		if cutoff != nil && (j.StartedAt == nil || !j.StartedAt.Before(*cutoff)) {
			continue
		}
		if j.Attempts < j.MaxAttempts {
			j.Status = domain.JobQueued
			j.AssignedNodeID = nil
			j.ClaimedAt = nil
			j.StartedAt = nil
			requeued++
		} else {
			j.Status = domain.JobFailed
			j.ErrorMessage = "Max attempts exceeded"
			j.CompletedAt = &now
			failed++
		}
	}
	return requeued, failed, nil
}

func (r *JobRepo) RetryFailedJob(_ domain.Context, id string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobFailed {
		return false, nil
	}
	j.Status = domain.JobQueued
	j.Attempts = 0
	j.ErrorMessage = ""
	j.NextRetryAt = nil
	j.CompletedAt = nil
	j.Progress = 0
	j.ScheduledAt = s.now()
	return true, nil
}

func (r *JobRepo) UnclaimJob(_ domain.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobRunning {
		return fmt.Errorf("op=job.unclaim: %w", domain.ErrConflict)
	}
	j.Status = domain.JobQueued
	j.AssignedNodeID = nil
	j.ClaimedAt = nil
	j.StartedAt = nil
	return nil
}

func (r *JobRepo) CancelQueued(_ domain.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.JobQueued {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrConflict)
	}
	delete(s.jobs, id)
	return nil
}

func (r *JobRepo) CleanupCompleted(_ domain.Context, olderThan time.Duration) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var n int64
	for id, j := range s.jobs {
		if j.Status == domain.JobCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *JobRepo) List(_ domain.Context, status domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.Job
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) CountByStatus(domain.Context) (map[domain.JobStatus]int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.JobStatus]int{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

// FeedRepo implements domain.FeedRepository.
type FeedRepo struct{ s *Store }

func (r *FeedRepo) Create(_ domain.Context, f domain.Feed) (domain.Feed, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.feeds {
		if existing.URL == f.URL {
			return domain.Feed{}, fmt.Errorf("op=feed.create: %w", domain.ErrConflict)
		}
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := s.now()
	f.CreatedAt, f.UpdatedAt = now, now
	cp := f
	s.feeds[f.ID] = &cp
	return f, nil
}

func (r *FeedRepo) Get(_ domain.Context, id string) (domain.Feed, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return domain.Feed{}, fmt.Errorf("op=feed.get: %w", domain.ErrNotFound)
	}
	return *f, nil
}

func (r *FeedRepo) GetByURL(_ domain.Context, url string) (domain.Feed, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.feeds {
		if f.URL == url {
			return *f, nil
		}
	}
	return domain.Feed{}, fmt.Errorf("op=feed.get_by_url: %w", domain.ErrNotFound)
}

func (r *FeedRepo) List(domain.Context) ([]domain.Feed, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Feed
	for _, f := range s.feeds {
		out = append(out, *f)
	}
	sort.Slice(out, func(a, b int) bool { return strings.ToLower(out[a].Title) < strings.ToLower(out[b].Title) })
	return out, nil
}

func (r *FeedRepo) UpdateMeta(_ domain.Context, id, title, description, image, author string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return fmt.Errorf("op=feed.update_meta: %w", domain.ErrNotFound)
	}
	f.Title, f.Description, f.Image, f.Author = title, description, image, author
	f.UpdatedAt = s.now()
	return nil
}

func (r *FeedRepo) UpdateLastPolled(_ domain.Context, id string, at time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return fmt.Errorf("op=feed.update_last_polled: %w", domain.ErrNotFound)
	}
	at = at.UTC()
	f.LastPolledAt = &at
	f.UpdatedAt = s.now()
	return nil
}

func (r *FeedRepo) Delete(_ domain.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[id]; !ok {
		return fmt.Errorf("op=feed.delete: %w", domain.ErrNotFound)
	}
	delete(s.feeds, id)
	for eid, e := range s.episodes {
		if e.FeedID != id {
			continue
		}
		delete(s.episodes, eid)
		for jid, j := range s.jobs {
			if j.EpisodeID == eid {
				delete(s.jobs, jid)
			}
		}
	}
	return nil
}

// EpisodeRepo implements domain.EpisodeRepository.
type EpisodeRepo struct{ s *Store }

func (r *EpisodeRepo) Create(_ domain.Context, e domain.Episode) (domain.Episode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.episodes {
		if existing.FeedID == e.FeedID && existing.GUID == e.GUID {
			return domain.Episode{}, fmt.Errorf("op=episode.create: %w", domain.ErrConflict)
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.EpisodeNew
	}
	now := s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := e
	s.episodes[e.ID] = &cp
	return e, nil
}

func (r *EpisodeRepo) Get(_ domain.Context, id string) (domain.Episode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return domain.Episode{}, fmt.Errorf("op=episode.get: %w", domain.ErrNotFound)
	}
	return *e, nil
}

func (r *EpisodeRepo) GetByGUID(_ domain.Context, feedID, guid string) (domain.Episode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.episodes {
		if e.FeedID == feedID && e.GUID == guid {
			return *e, nil
		}
	}
	return domain.Episode{}, fmt.Errorf("op=episode.get_by_guid: %w", domain.ErrNotFound)
}

func (r *EpisodeRepo) ListByFeed(_ domain.Context, feedID string, limit, offset int) ([]domain.Episode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.Episode
	for _, e := range s.episodes {
		if e.FeedID == feedID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		pa, pb := out[a].PublishedAt, out[b].PublishedAt
		switch {
		case pa != nil && pb != nil && !pa.Equal(*pb):
			return pa.After(*pb)
		case pa != nil && pb == nil:
			return true
		case pa == nil && pb != nil:
			return false
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EpisodeRepo) ListByStatus(_ domain.Context, status domain.EpisodeStatus, limit int) ([]domain.Episode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.Episode
	for _, e := range s.episodes {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *EpisodeRepo) UpdateStatus(_ domain.Context, id string, status domain.EpisodeStatus, errMsg string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return fmt.Errorf("op=episode.update_status: %w", domain.ErrNotFound)
	}
	e.Status = status
	e.ErrorMessage = errMsg
	e.UpdatedAt = s.now()
	return nil
}

func (r *EpisodeRepo) SetAudio(_ domain.Context, id, audioPath string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return fmt.Errorf("op=episode.set_audio: %w", domain.ErrNotFound)
	}
	e.AudioPath = audioPath
	e.Status = domain.EpisodeAudioReady
	e.UpdatedAt = s.now()
	return nil
}

func (r *EpisodeRepo) SetTranscript(_ domain.Context, id, transcriptPath, transcriptURL string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.episodes[id]
	if !ok {
		return fmt.Errorf("op=episode.set_transcript: %w", domain.ErrNotFound)
	}
	e.TranscriptPath = transcriptPath
	e.TranscriptURL = transcriptURL
	e.Status = domain.EpisodeCompleted
	e.ErrorMessage = ""
	e.UpdatedAt = s.now()
	return nil
}

// NodeRepo implements domain.NodeRepository.
type NodeRepo struct{ s *Store }

func (r *NodeRepo) Register(_ domain.Context, name, url, model, backend string) (domain.WorkerNode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.WorkerNode{}, fmt.Errorf("op=node.register: %w", err)
	}
	now := s.now()
	n := domain.WorkerNode{
		ID: uuid.New().String(), Name: name, URL: url, APIKey: hex.EncodeToString(buf),
		Model: model, Backend: backend, Status: domain.NodeOnline,
		LastHeartbeat: &now, Priority: domain.DefaultPriority,
		CreatedAt: now, UpdatedAt: now,
	}
	cp := n
	s.nodes[n.ID] = &cp
	return n, nil
}

func (r *NodeRepo) Authenticate(_ domain.Context, apiKey string) (domain.WorkerNode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if subtle.ConstantTimeCompare([]byte(n.APIKey), []byte(apiKey)) == 1 {
			return *n, nil
		}
	}
	return domain.WorkerNode{}, fmt.Errorf("op=node.authenticate: %w", domain.ErrUnauthorized)
}

func (r *NodeRepo) Get(_ domain.Context, id string) (domain.WorkerNode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return domain.WorkerNode{}, fmt.Errorf("op=node.get: %w", domain.ErrNotFound)
	}
	return *n, nil
}

func (r *NodeRepo) List(domain.Context) ([]domain.WorkerNode, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkerNode
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].Name < out[b].Name
	})
	return out, nil
}

func (r *NodeRepo) UpdateHeartbeat(_ domain.Context, id, model, backend string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("op=node.heartbeat: %w", domain.ErrNotFound)
	}
	now := s.now()
	n.LastHeartbeat = &now
	if n.Status == domain.NodeOffline {
		n.Status = domain.NodeOnline
	}
	if model != "" {
		n.Model = model
	}
	if backend != "" {
		n.Backend = backend
	}
	n.UpdatedAt = now
	return nil
}

func (r *NodeRepo) UpdateStatus(_ domain.Context, id string, status domain.NodeStatus, currentJobID *string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("op=node.update_status: %w", domain.ErrNotFound)
	}
	n.Status = status
	n.CurrentJobID = currentJobID
	n.UpdatedAt = s.now()
	return nil
}

func (r *NodeRepo) Delete(_ domain.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("op=node.delete: %w", domain.ErrNotFound)
	}
	delete(s.nodes, id)
	return nil
}

func (r *NodeRepo) DeleteByName(_ domain.Context, name string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.nodes {
		if n.Name == name {
			delete(s.nodes, id)
		}
	}
	return nil
}
