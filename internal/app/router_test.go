package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	httpserver "github.com/fairyhunter13/podscribe/internal/adapter/httpserver"
	"github.com/fairyhunter13/podscribe/internal/adapter/repo/memory"
	"github.com/fairyhunter13/podscribe/internal/adapter/storage"
	"github.com/fairyhunter13/podscribe/internal/config"
	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/internal/usecase"
)

type noopSource struct{}

func (noopSource) Fetch(domain.Context, string) (domain.FeedInfo, error) {
	return domain.FeedInfo{}, nil
}

type noopBackup struct{}

func (noopBackup) Snapshot(domain.Context) (string, error) { return "/tmp/backup.jsonl", nil }

type env struct {
	store  *memory.Store
	fs     *storage.FS
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	fs := storage.NewFS(t.TempDir())

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.Config{
		DistributedEnabled: true,
		RegisterRatePerMin: 1000,
		CORSAllowOrigins:   "*",
		AdminUsername:      "admin",
		AdminPasswordHash:  string(hash),
	}

	feeds := usecase.NewFeeds(store.Feeds(), store.Episodes(), store.Jobs(), noopSource{}, 3)
	jobs := usecase.NewJobs(store.Jobs())
	search := usecase.NewSearch(fs.TranscriptRoot())
	nodes := usecase.NewNodes(store.Nodes(), store.Jobs(), store.Episodes(), store.Feeds(), fs, true)

	nodeH := httpserver.NewNodeHandlers(nodes, store.Nodes())
	adminH := httpserver.NewAdminHandlers(feeds, jobs, search, store.Episodes(), store.Nodes(), noopBackup{})
	ready := NewReadiness(nil, t.TempDir())

	srv := httptest.NewServer(BuildRouter(cfg, nodeH, adminH, store.Nodes(), ready))
	t.Cleanup(srv.Close)
	return &env{store: store, fs: fs, server: srv}
}

func (e *env) request(t *testing.T, method, path, apiKey string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Transcriber-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *env) registerNode(t *testing.T, name string) (nodeID, apiKey string) {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/v1/nodes/register", "", map[string]string{"name": name})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		NodeID string `json:"node_id"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.APIKey)
	return out.NodeID, out.APIKey
}

// seedTranscribeJob stores an audio file and queues a transcription job for
// a fresh episode.
func (e *env) seedTranscribeJob(t *testing.T) (domain.Episode, domain.Job) {
	t.Helper()
	ctx := context.Background()
	f, err := e.store.Feeds().Create(ctx, domain.Feed{URL: fmt.Sprintf("https://example.com/%d", len(t.Name())), Title: "Show"})
	if err != nil {
		f, err = e.store.Feeds().GetByURL(ctx, fmt.Sprintf("https://example.com/%d", len(t.Name())))
		require.NoError(t, err)
	}
	ep, err := e.store.Episodes().Create(ctx, domain.Episode{FeedID: f.ID, GUID: t.Name(), Title: "Ep", AudioURL: "u"})
	require.NoError(t, err)
	audioPath, err := e.fs.SaveAudio("Show", "Ep "+t.Name(), nil, ".mp3", strings.NewReader("fake-audio"))
	require.NoError(t, err)
	require.NoError(t, e.store.Episodes().SetAudio(ctx, ep.ID, audioPath))
	job, err := e.store.Jobs().Create(ctx, ep.ID, domain.JobTranscribe, 1, 3)
	require.NoError(t, err)
	ep, err = e.store.Episodes().Get(ctx, ep.ID)
	require.NoError(t, err)
	return ep, job
}

func TestNodeProtocolFullFlow(t *testing.T) {
	e := newEnv(t)
	_, key := e.registerNode(t, "gpu-box")

	// Empty queue answers has_job:false, not an error.
	resp := e.request(t, http.MethodPost, "/api/v1/nodes/claim", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty struct {
		HasJob bool `json:"has_job"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	assert.False(t, empty.HasJob)

	ep, _ := e.seedTranscribeJob(t)

	// Claim.
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/claim", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed struct {
		HasJob   bool   `json:"has_job"`
		ID       string `json:"job_id"`
		AudioURL string `json:"audio_url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimed))
	resp.Body.Close()
	require.True(t, claimed.HasJob)

	// Audio streams with the node's key.
	resp = e.request(t, http.MethodGet, claimed.AudioURL, key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Progress.
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/progress", key, map[string]int{"progress_percent": 40})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A second node cannot touch the claim.
	_, key2 := e.registerNode(t, "other-box")
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/progress", key2, map[string]int{"progress_percent": 10})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Complete with a transcript.
	payload := map[string]interface{}{
		"language":      "en",
		"language_prob": 0.97,
		"model":         "base.en",
		"segments": []map[string]interface{}{
			{"start_ms": 0, "end_ms": 1500, "text": "Hello."},
			{"start_ms": 1500, "end_ms": 4000, "text": "World."},
		},
	}
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/complete", key, payload)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	epAfter, err := e.store.Episodes().Get(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EpisodeCompleted, epAfter.Status)
	require.NotEmpty(t, epAfter.TranscriptPath)
	raw, err := os.ReadFile(epAfter.TranscriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "**[00:00]** Hello.")

	job, err := e.store.Jobs().Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, job.Status)

	// A replayed complete from the same node (lost response, client retry)
	// succeeds without rewriting the transcript.
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/complete", key, payload)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	replayed, err := e.store.Episodes().Get(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, epAfter.TranscriptPath, replayed.TranscriptPath)

	// Another node replaying the same job is still rejected.
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/complete", key2, payload)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNodeProtocolFailAndRelease(t *testing.T) {
	e := newEnv(t)
	_, key := e.registerNode(t, "gpu-box")
	_, seeded := e.seedTranscribeJob(t)

	// Claim then fail with retry.
	resp := e.request(t, http.MethodPost, "/api/v1/nodes/claim", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed struct {
		ID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claimed))
	resp.Body.Close()
	require.Equal(t, seeded.ID, claimed.ID)

	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/fail", key, map[string]interface{}{"error": "oom", "retry": true})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	job, err := e.store.Jobs().Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.NextRetryAt)

	// Releasing an unclaimed job conflicts.
	resp = e.request(t, http.MethodPost, "/api/v1/nodes/jobs/"+claimed.ID+"/release", key, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNodeEndpointsRequireAuth(t *testing.T) {
	e := newEnv(t)
	resp := e.request(t, http.MethodPost, "/api/v1/nodes/claim", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	e := newEnv(t)
	_, job := e.seedTranscribeJob(t)

	// No credentials.
	resp := e.request(t, http.MethodGet, "/admin/v1/jobs", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin := func(method, path string, body interface{}) *http.Response {
		var rd *bytes.Reader
		if body != nil {
			raw, _ := json.Marshal(body)
			rd = bytes.NewReader(raw)
		} else {
			rd = bytes.NewReader(nil)
		}
		req, err := http.NewRequest(method, e.server.URL+path, rd)
		require.NoError(t, err)
		req.SetBasicAuth("admin", "s3cret")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp = admin(http.MethodGet, "/admin/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0]["id"])

	resp = admin(http.MethodGet, "/admin/v1/jobs/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Cancel the queued job.
	resp = admin(http.MethodDelete, "/admin/v1/jobs/"+job.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Invalid status filter.
	resp = admin(http.MethodGet, "/admin/v1/jobs?status=bogus", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Reset-stuck with empty body uses the default window.
	resp = admin(http.MethodPost, "/admin/v1/jobs/reset-stuck", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reset map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reset))
	resp.Body.Close()
	assert.Zero(t, reset["requeued"])

	// Search with a too-short query.
	resp = admin(http.MethodGet, "/admin/v1/search?q=a", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = admin(http.MethodPost, "/admin/v1/backup", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example, https://b.example "))
}
