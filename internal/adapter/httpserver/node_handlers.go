package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/internal/usecase"
)

// NodeHandlers serves the pull protocol used by remote transcription agents.
type NodeHandlers struct {
	Nodes    *usecase.Nodes
	NodeRepo domain.NodeRepository
	Validate *validator.Validate
}

// NewNodeHandlers constructs NodeHandlers.
func NewNodeHandlers(svc *usecase.Nodes, nodeRepo domain.NodeRepository) *NodeHandlers {
	return &NodeHandlers{Nodes: svc, NodeRepo: nodeRepo, Validate: validator.New()}
}

func (h *NodeHandlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 10<<20)).Decode(v); err != nil {
		writeError(w, r, fmt.Errorf("decode body: %w", domain.ErrInvalidArgument), err.Error())
		return false
	}
	if err := h.Validate.Struct(v); err != nil {
		writeError(w, r, fmt.Errorf("validate body: %w", domain.ErrInvalidArgument), err.Error())
		return false
	}
	return true
}

type registerReq struct {
	Name    string `json:"name" validate:"required,min=1,max=100"`
	URL     string `json:"url" validate:"omitempty,url"`
	Model   string `json:"model" validate:"max=200"`
	Backend string `json:"backend" validate:"max=100"`
}

type registerResp struct {
	NodeID string `json:"node_id"`
	APIKey string `json:"api_key"`
}

// Register handles POST /api/v1/nodes/register. Unauthenticated but
// rate-limited at the router; the response is the only time the api key is
// ever sent.
func (h *NodeHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.Nodes.Register(r.Context(), req.Name, req.URL, req.Model, req.Backend)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, registerResp{NodeID: n.ID, APIKey: n.APIKey})
}

type heartbeatReq struct {
	Model   string `json:"model" validate:"max=200"`
	Backend string `json:"backend" validate:"max=100"`
}

// Heartbeat handles POST /api/v1/nodes/heartbeat.
func (h *NodeHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	var req heartbeatReq
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.NodeRepo.UpdateHeartbeat(r.Context(), node.ID, req.Model, req.Backend); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type claimResp struct {
	HasJob       bool   `json:"has_job"`
	JobID        string `json:"job_id,omitempty"`
	EpisodeID    string `json:"episode_id,omitempty"`
	EpisodeTitle string `json:"episode_title,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	AudioURL     string `json:"audio_url,omitempty"`
}

// Claim handles POST /api/v1/nodes/claim. An empty queue is a normal answer,
// not an error: the agent gets `has_job:false` and polls again later.
func (h *NodeHandlers) Claim(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	claimed, err := h.Nodes.Claim(r.Context(), node)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusOK, claimResp{HasJob: false})
		return
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, claimResp{
		HasJob:       true,
		JobID:        claimed.Job.ID,
		EpisodeID:    claimed.Job.EpisodeID,
		EpisodeTitle: claimed.Episode.Title,
		Attempts:     claimed.Job.Attempts,
		MaxAttempts:  claimed.Job.MaxAttempts,
		AudioURL:     fmt.Sprintf("/api/v1/nodes/jobs/%s/audio", claimed.Job.ID),
	})
}

// Audio handles GET /api/v1/nodes/jobs/{id}/audio, streaming the stored file
// with range support so interrupted agent downloads can resume.
func (h *NodeHandlers) Audio(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	jobID := chi.URLParam(r, "id")
	f, _, err := h.Nodes.OpenAudio(r.Context(), node, jobID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "audio", time.Time{}, f)
}

type progressReq struct {
	Percent int `json:"progress_percent" validate:"min=0,max=100"`
}

// Progress handles POST /api/v1/nodes/jobs/{id}/progress.
func (h *NodeHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	var req progressReq
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Nodes.Progress(r.Context(), node, chi.URLParam(r, "id"), req.Percent); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type segmentReq struct {
	StartMS int64  `json:"start_ms" validate:"min=0"`
	EndMS   int64  `json:"end_ms" validate:"min=0"`
	Text    string `json:"text"`
}

type completeReq struct {
	Language     string       `json:"language" validate:"max=16"`
	LanguageProb float64      `json:"language_prob" validate:"min=0,max=1"`
	Model        string       `json:"model" validate:"max=200"`
	Segments     []segmentReq `json:"segments" validate:"required,min=1,dive"`
}

// Complete handles POST /api/v1/nodes/jobs/{id}/complete with the finished
// transcript payload.
func (h *NodeHandlers) Complete(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	var req completeReq
	if !h.decode(w, r, &req) {
		return
	}
	t := domain.Transcript{Language: req.Language, LanguageProb: req.LanguageProb, Model: req.Model}
	for _, s := range req.Segments {
		t.Segments = append(t.Segments, domain.Segment{
			Start: time.Duration(s.StartMS) * time.Millisecond,
			End:   time.Duration(s.EndMS) * time.Millisecond,
			Text:  s.Text,
		})
	}
	if err := h.Nodes.Complete(r.Context(), node, chi.URLParam(r, "id"), t); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failReq struct {
	Error string `json:"error" validate:"required,max=2000"`
	Retry bool   `json:"retry"`
}

// Fail handles POST /api/v1/nodes/jobs/{id}/fail.
func (h *NodeHandlers) Fail(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	var req failReq
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Nodes.Fail(r.Context(), node, chi.URLParam(r, "id"), req.Error, req.Retry); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Release handles POST /api/v1/nodes/jobs/{id}/release, used on graceful
// agent shutdown to return the claim with attempts intact.
func (h *NodeHandlers) Release(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	if err := h.Nodes.Release(r.Context(), node, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unregister handles DELETE /api/v1/nodes/self, removing the calling node.
func (h *NodeHandlers) Unregister(w http.ResponseWriter, r *http.Request) {
	node, ok := NodeFrom(r)
	if !ok {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return
	}
	if err := h.NodeRepo.Delete(r.Context(), node.ID); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
