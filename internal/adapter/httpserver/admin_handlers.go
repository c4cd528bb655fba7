package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/internal/usecase"
)

// Snapshotter produces an on-demand backup file and returns its path.
type Snapshotter interface {
	Snapshot(ctx domain.Context) (string, error)
}

// AdminHandlers serves the operator API: feed subscriptions, queue
// management, node inventory, transcript search and backups.
type AdminHandlers struct {
	Feeds       *usecase.Feeds
	Jobs        *usecase.Jobs
	Search      *usecase.Search
	EpisodeRepo domain.EpisodeRepository
	NodeRepo    domain.NodeRepository
	Backup      Snapshotter
	Validate    *validator.Validate
}

// NewAdminHandlers constructs AdminHandlers.
func NewAdminHandlers(feeds *usecase.Feeds, jobs *usecase.Jobs, search *usecase.Search, episodes domain.EpisodeRepository, nodes domain.NodeRepository, backup Snapshotter) *AdminHandlers {
	return &AdminHandlers{
		Feeds: feeds, Jobs: jobs, Search: search,
		EpisodeRepo: episodes, NodeRepo: nodes, Backup: backup,
		Validate: validator.New(),
	}
}

func (h *AdminHandlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), err.Error())
		return false
	}
	if err := h.Validate.Struct(v); err != nil {
		writeError(w, r, fmt.Errorf("validate body: %w", domain.ErrInvalidArgument), err.Error())
		return false
	}
	return true
}

type addFeedReq struct {
	URL         string `json:"url" validate:"required,url"`
	CustomTitle string `json:"custom_title" validate:"max=200"`
}

type feedResp struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	CustomTitle  string     `json:"custom_title,omitempty"`
	Description  string     `json:"description,omitempty"`
	Image        string     `json:"image,omitempty"`
	Author       string     `json:"author,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toFeedResp(f domain.Feed) feedResp {
	return feedResp{
		ID: f.ID, URL: f.URL, Title: f.Title, CustomTitle: f.CustomTitle,
		Description: f.Description, Image: f.Image, Author: f.Author,
		LastPolledAt: f.LastPolledAt, CreatedAt: f.CreatedAt,
	}
}

// AddFeed handles POST /admin/v1/feeds.
func (h *AdminHandlers) AddFeed(w http.ResponseWriter, r *http.Request) {
	var req addFeedReq
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.Feeds.Add(r.Context(), req.URL, req.CustomTitle)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toFeedResp(f))
}

// ListFeeds handles GET /admin/v1/feeds.
func (h *AdminHandlers) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.Feeds.FeedRepo.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]feedResp, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, toFeedResp(f))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetFeed handles GET /admin/v1/feeds/{id}.
func (h *AdminHandlers) GetFeed(w http.ResponseWriter, r *http.Request) {
	f, err := h.Feeds.FeedRepo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toFeedResp(f))
}

// DeleteFeed handles DELETE /admin/v1/feeds/{id}.
func (h *AdminHandlers) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	if err := h.Feeds.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PollFeed handles POST /admin/v1/feeds/{id}/poll, forcing a refresh outside
// the schedule.
func (h *AdminHandlers) PollFeed(w http.ResponseWriter, r *http.Request) {
	if err := h.Feeds.Poll(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type episodeResp struct {
	ID              string     `json:"id"`
	FeedID          string     `json:"feed_id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	AudioPath       string     `json:"audio_path,omitempty"`
	TranscriptPath  string     `json:"transcript_path,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// ListEpisodes handles GET /admin/v1/feeds/{id}/episodes.
func (h *AdminHandlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	eps, err := h.EpisodeRepo.ListByFeed(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]episodeResp, 0, len(eps))
	for _, e := range eps {
		out = append(out, episodeResp{
			ID: e.ID, FeedID: e.FeedID, Title: e.Title, Status: string(e.Status),
			DurationSeconds: e.DurationSeconds, PublishedAt: e.PublishedAt,
			AudioPath: e.AudioPath, TranscriptPath: e.TranscriptPath,
			ErrorMessage: e.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DownloadEpisode handles POST /admin/v1/episodes/{id}/download, enqueueing a
// backlog episode on demand.
func (h *AdminHandlers) DownloadEpisode(w http.ResponseWriter, r *http.Request) {
	if err := h.Feeds.EnqueueDownload(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// TranscribeEpisode handles POST /admin/v1/episodes/{id}/transcribe.
func (h *AdminHandlers) TranscribeEpisode(w http.ResponseWriter, r *http.Request) {
	if err := h.Feeds.EnqueueTranscribe(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type jobAdminResp struct {
	ID             string     `json:"id"`
	EpisodeID      string     `json:"episode_id"`
	Type           string     `json:"type"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	Progress       int        `json:"progress"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	AssignedNodeID *string    `json:"assigned_node_id,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

func toJobResp(j domain.Job) jobAdminResp {
	return jobAdminResp{
		ID: j.ID, EpisodeID: j.EpisodeID, Type: string(j.Type), Priority: j.Priority,
		Status: string(j.Status), Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		Progress: j.Progress, ErrorMessage: j.ErrorMessage, AssignedNodeID: j.AssignedNodeID,
		ScheduledAt: j.ScheduledAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
		NextRetryAt: j.NextRetryAt,
	}
}

// ListJobs handles GET /admin/v1/jobs.
func (h *AdminHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	jobs, err := h.Jobs.List(r.Context(), domain.JobStatus(r.URL.Query().Get("status")), limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]jobAdminResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetJob handles GET /admin/v1/jobs/{id}.
func (h *AdminHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.Jobs.JobRepo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// JobStats handles GET /admin/v1/jobs/stats.
func (h *AdminHandlers) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Jobs.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// RetryJob handles POST /admin/v1/jobs/{id}/retry.
func (h *AdminHandlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles DELETE /admin/v1/jobs/{id}.
func (h *AdminHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.Jobs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetStuckReq struct {
	OlderThanMinutes int `json:"older_than_minutes" validate:"min=0"`
}

// ResetStuckJobs handles POST /admin/v1/jobs/reset-stuck, force-reclaiming
// running jobs older than the given age (default one hour).
func (h *AdminHandlers) ResetStuckJobs(w http.ResponseWriter, r *http.Request) {
	req := resetStuckReq{OlderThanMinutes: 60}
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	requeued, failed, err := h.Jobs.ResetStuck(r.Context(), time.Duration(req.OlderThanMinutes)*time.Minute)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": requeued, "failed": failed})
}

type nodeResp struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url,omitempty"`
	Model         string     `json:"model,omitempty"`
	Backend       string     `json:"backend,omitempty"`
	Status        string     `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CurrentJobID  *string    `json:"current_job_id,omitempty"`
}

// ListNodes handles GET /admin/v1/nodes. API keys never leave the store.
func (h *AdminHandlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.NodeRepo.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]nodeResp, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeResp{
			ID: n.ID, Name: n.Name, URL: n.URL, Model: n.Model, Backend: n.Backend,
			Status: string(n.Status), LastHeartbeat: n.LastHeartbeat, CurrentJobID: n.CurrentJobID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteNode handles DELETE /admin/v1/nodes/{id}.
func (h *AdminHandlers) DeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := h.NodeRepo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchTranscripts handles GET /admin/v1/search?q=.
func (h *AdminHandlers) SearchTranscripts(w http.ResponseWriter, r *http.Request) {
	hits, err := h.Search.Query(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if hits == nil {
		hits = []usecase.SearchHit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

// CreateBackup handles POST /admin/v1/backup.
func (h *AdminHandlers) CreateBackup(w http.ResponseWriter, r *http.Request) {
	path, err := h.Backup.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}
