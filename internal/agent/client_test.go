package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

func TestClientRegisterAdoptsIssuedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/nodes/register":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpu-box", body["name"])
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(registerResp{NodeID: "n-1", APIKey: "issued-key"})
		case "/api/v1/nodes/heartbeat":
			assert.Equal(t, "issued-key", r.Header.Get(HeaderAPIKey))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 5*time.Second, 5*time.Second)
	id, err := c.Register(context.Background(), "gpu-box", "", "large-v3", "whisper.cpp")
	require.NoError(t, err)
	assert.Equal(t, "n-1", id)
	assert.Equal(t, "issued-key", c.APIKey)

	require.NoError(t, c.Heartbeat(context.Background(), "large-v3", "whisper.cpp"))
}

func TestClientClaimEmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(claimResp{HasJob: false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 5*time.Second, 5*time.Second)
	_, err := c.Claim(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "restarting", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(claimResp{HasJob: true, RemoteJob: RemoteJob{ID: "j-1", EpisodeTitle: "Ep", AudioURL: "/api/v1/nodes/jobs/j-1/audio"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 5*time.Second, 5*time.Second)
	job, err := c.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "j-1", job.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"code":"CONFLICT"}}`, http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 5*time.Second, 5*time.Second)
	err := c.Progress(context.Background(), "j-1", 50)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientDownloadAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/nodes/jobs/j-1/audio", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get(HeaderAPIKey))
		_, _ = w.Write([]byte("audio bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 5*time.Second, 5*time.Second)
	path, err := c.DownloadAudio(context.Background(), RemoteJob{ID: "j-1", AudioURL: "/api/v1/nodes/jobs/j-1/audio"}, t.TempDir())
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "audio bytes", string(data))
}

func TestAudioDownloadFailureReleasesClaim(t *testing.T) {
	var released, failed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/nodes/claim":
			_ = json.NewEncoder(w).Encode(claimResp{HasJob: true, RemoteJob: RemoteJob{ID: "j-1", AudioURL: "/api/v1/nodes/jobs/j-1/audio"}})
		case "/api/v1/nodes/jobs/j-1/audio":
			http.Error(w, "disk error", http.StatusInternalServerError)
		case "/api/v1/nodes/jobs/j-1/release":
			released.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case "/api/v1/nodes/jobs/j-1/fail":
			failed.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := New(Config{ServerURL: srv.URL, TempDir: t.TempDir(), HTTPTimeout: 5 * time.Second, UploadTimeout: 5 * time.Second}, nil)
	a.Client.APIKey = "k"

	_, err := a.claimAndFetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), released.Load(), "claim handed back without burning an attempt")
	assert.Zero(t, failed.Load())
}

func TestClientCompleteSendsMilliseconds(t *testing.T) {
	var got completePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 5*time.Second, 5*time.Second)
	err := c.Complete(context.Background(), "j-1", domain.Transcript{
		Language:     "en",
		LanguageProb: 0.98,
		Model:        "large-v3",
		Segments: []domain.Segment{
			{Start: 1500 * time.Millisecond, End: 3 * time.Second, Text: "Hello."},
		},
	})
	require.NoError(t, err)
	require.Len(t, got.Segments, 1)
	assert.Equal(t, int64(1500), got.Segments[0].StartMS)
	assert.Equal(t, int64(3000), got.Segments[0].EndMS)
	assert.Equal(t, "en", got.Language)
}
