package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mp3Payload starts with an ID3 tag so content sniffing identifies it.
var mp3Payload = append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 256)...)

func TestFetchDownloadsAndDetectsType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(mp3Payload)
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	path, ext, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL, tempDir)
	require.NoError(t, err)
	defer os.Remove(path)

	assert.Equal(t, ".mp3", ext)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, mp3Payload, raw)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(mp3Payload)
	}))
	defer srv.Close()

	path, _, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL, t.TempDir())
	require.NoError(t, err)
	defer os.Remove(path)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestFetchGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	_, _, err := NewFetcher(5*time.Second).Fetch(context.Background(), srv.URL, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDetectExtFallsBackToURL(t *testing.T) {
	// Plain text bytes defeat sniffing; the url extension decides.
	tmp, err := os.CreateTemp(t.TempDir(), "audio-*")
	require.NoError(t, err)
	_, _ = tmp.WriteString("not really audio")
	require.NoError(t, tmp.Close())

	ext, err := detectExt(tmp.Name(), "https://cdn.example.com/show/ep.m4a?token=x")
	require.NoError(t, err)
	assert.Equal(t, ".m4a", ext)

	ext, err = detectExt(tmp.Name(), "https://cdn.example.com/stream")
	require.NoError(t, err)
	assert.Equal(t, ".mp3", ext, "default when nothing else matches")
}
