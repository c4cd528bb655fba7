package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/podscribe/internal/adapter/repo/memory"
	"github.com/fairyhunter13/podscribe/internal/adapter/storage"
	"github.com/fairyhunter13/podscribe/internal/adapter/stt"
	"github.com/fairyhunter13/podscribe/internal/domain"
	"github.com/fairyhunter13/podscribe/internal/usecase"
)

type fakeFetcher struct{ err error }

func (f *fakeFetcher) Fetch(_ domain.Context, _ string, tempDir string) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	tmp, err := os.CreateTemp(tempDir, "dl-*")
	if err != nil {
		return "", "", err
	}
	if _, err := tmp.WriteString("audio bytes"); err != nil {
		tmp.Close()
		return "", "", err
	}
	tmp.Close()
	return tmp.Name(), ".mp3", nil
}

type env struct {
	store *memory.Store
	pool  *Pool
	root  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	root := t.TempDir()
	fs := storage.NewFS(root)
	proc := usecase.NewProcessor(store.Jobs(), store.Episodes(), store.Feeds(), &fakeFetcher{}, stt.NewStub(), fs, t.TempDir())
	pool := NewPool(store.Jobs(), proc, 1, 10*time.Millisecond, time.Second)
	return &env{store: store, pool: pool, root: root}
}

func (e *env) seedEpisode(t *testing.T) domain.Episode {
	t.Helper()
	ctx := context.Background()
	f, err := e.store.Feeds().Create(ctx, domain.Feed{URL: "https://example.com/rss", Title: "Show"})
	require.NoError(t, err)
	ep, err := e.store.Episodes().Create(ctx, domain.Episode{FeedID: f.ID, GUID: "g", Title: "Ep", AudioURL: "https://cdn.example.com/ep.mp3"})
	require.NoError(t, err)
	return ep
}

func TestPoolRunsDownloadThenTranscribe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode(t)
	_, err := e.store.Jobs().Create(ctx, ep.ID, domain.JobDownload, domain.DefaultPriority, 3)
	require.NoError(t, err)

	require.NoError(t, e.pool.Start(ctx))
	defer e.pool.Stop()

	require.Eventually(t, func() bool {
		after, err := e.store.Episodes().Get(ctx, ep.ID)
		return err == nil && after.Status == domain.EpisodeCompleted
	}, 5*time.Second, 10*time.Millisecond, "download should chain into transcription")

	after, err := e.store.Episodes().Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, after.AudioPath)
	assert.NotEmpty(t, after.TranscriptPath)
	assert.DirExists(t, filepath.Join(e.root, "transcripts"))

	data, err := os.ReadFile(after.TranscriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Ep")

	require.Eventually(t, func() bool {
		counts, err := e.store.Jobs().CountByStatus(ctx)
		return err == nil && counts[domain.JobCompleted] == 2
	}, 5*time.Second, 10*time.Millisecond, "both jobs reach completed")
}

func TestPoolDefersTranscriptionToLiveNodes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode(t)
	require.NoError(t, e.store.Episodes().SetAudio(ctx, ep.ID, "/audio/ep.mp3"))
	job, err := e.store.Jobs().Create(ctx, ep.ID, domain.JobTranscribe, domain.DefaultPriority, 3)
	require.NoError(t, err)

	_, err = e.store.Nodes().Register(ctx, "gpu-box", "", "large-v3", "whisper.cpp")
	require.NoError(t, err)

	require.NoError(t, e.pool.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	e.pool.Stop()

	after, err := e.store.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, after.Status, "a live remote node owns transcription")
	assert.Equal(t, 0, after.Attempts)
}

func TestPoolStartRecoversOrphanedJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode(t)
	job, err := e.store.Jobs().Create(ctx, ep.ID, domain.JobDownload, domain.DefaultPriority, 3)
	require.NoError(t, err)
	_, err = e.store.Jobs().ClaimJob(ctx, job.ID, domain.LocalNodeID)
	require.NoError(t, err)

	require.NoError(t, e.pool.Start(ctx))
	defer e.pool.Stop()

	require.Eventually(t, func() bool {
		after, err := e.store.Jobs().Get(ctx, job.ID)
		return err == nil && after.Status == domain.JobCompleted
	}, 5*time.Second, 10*time.Millisecond, "orphaned running job is requeued and finished")
}

func TestPoolFailureRequeuesWithBackoff(t *testing.T) {
	store := memory.NewStore()
	fs := storage.NewFS(t.TempDir())
	proc := usecase.NewProcessor(store.Jobs(), store.Episodes(), store.Feeds(), &fakeFetcher{err: errors.New("cdn returned 503")}, stt.NewStub(), fs, t.TempDir())
	pool := NewPool(store.Jobs(), proc, 1, 10*time.Millisecond, time.Second)

	ctx := context.Background()
	f, err := store.Feeds().Create(ctx, domain.Feed{URL: "https://example.com/rss", Title: "Show"})
	require.NoError(t, err)
	ep, err := store.Episodes().Create(ctx, domain.Episode{FeedID: f.ID, GUID: "g", Title: "Ep", AudioURL: "u"})
	require.NoError(t, err)
	job, err := store.Jobs().Create(ctx, ep.ID, domain.JobDownload, domain.DefaultPriority, 3)
	require.NoError(t, err)

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		after, err := store.Jobs().Get(ctx, job.ID)
		return err == nil && after.Status == domain.JobQueued && after.Attempts == 1
	}, 5*time.Second, 10*time.Millisecond)

	after, err := store.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, after.NextRetryAt, "retry waits out the backoff window")
	assert.True(t, after.NextRetryAt.After(time.Now()))
	assert.Contains(t, after.ErrorMessage, "503")
}
