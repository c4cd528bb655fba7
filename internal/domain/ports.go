package domain

import (
	"io"
	"time"
)

// Repositories (ports)
//
// The job repository is the concurrency boundary of the system: every state
// transition is a single conditional update so that races surface as
// ErrConflict ("zero rows updated"), never as corrupted state.

type JobRepository interface {
	// Create inserts a queued job. Callers enforce the no-duplicate-pending
	// invariant via HasPendingJob first; a race here is benign.
	Create(ctx Context, episodeID string, t JobType, priority, maxAttempts int) (Job, error)
	Get(ctx Context, id string) (Job, error)
	HasPendingJob(ctx Context, episodeID string, t JobType) (bool, error)
	// NextJob returns the highest-priority dispatchable queued job of the
	// given type without claiming it. ErrNotFound when the queue is empty.
	// With localOnly set, transcription jobs are withheld while any remote
	// node has heartbeated within the last minute.
	NextJob(ctx Context, t JobType, localOnly bool) (Job, error)
	// ClaimJob atomically moves a queued job to running for nodeID,
	// incrementing attempts. ErrConflict if the job is not queued.
	ClaimJob(ctx Context, id, nodeID string) (Job, error)
	// MarkRunning is ClaimJob for the local worker.
	MarkRunning(ctx Context, id string) error
	// UpdateProgress is best-effort; callers throttle it.
	UpdateProgress(ctx Context, id string, percent int) error
	MarkCompleted(ctx Context, id string) error
	// MarkFailed requeues with backoff while attempts < max_attempts and
	// retry is requested; otherwise the job goes terminal.
	MarkFailed(ctx Context, id, errMsg string, retry bool) error
	// CompleteDownload finishes a download job, flips the episode to
	// audio_ready and enqueues the follow-on transcription at FollowOnPriority
	// in the same transaction, unless one already pends.
	CompleteDownload(ctx Context, jobID, episodeID, audioPath string) error
	// ReclaimStaleJobs requeues running jobs started before the cutoff when
	// attempts remain, and terminally fails exhausted ones.
	ReclaimStaleJobs(ctx Context, olderThan time.Duration) (requeued, failed int, err error)
	// ResetRunningJobs is ReclaimStaleJobs without the time window, run once
	// at startup to recover orphans from an ungraceful exit.
	ResetRunningJobs(ctx Context) (requeued, failed int, err error)
	// RetryFailedJob is the only transition that resets attempts. Returns
	// false if the job is not in failed.
	RetryFailedJob(ctx Context, id string) (bool, error)
	// UnclaimJob returns a running job to queued with attempts preserved and
	// assignment cleared.
	UnclaimJob(ctx Context, id string) error
	CancelQueued(ctx Context, id string) error
	CleanupCompleted(ctx Context, olderThan time.Duration) (int64, error)
	List(ctx Context, status JobStatus, limit, offset int) ([]Job, error)
	CountByStatus(ctx Context) (map[JobStatus]int, error)
}

type FeedRepository interface {
	Create(ctx Context, f Feed) (Feed, error)
	Get(ctx Context, id string) (Feed, error)
	GetByURL(ctx Context, url string) (Feed, error)
	List(ctx Context) ([]Feed, error)
	UpdateMeta(ctx Context, id, title, description, image, author string) error
	UpdateLastPolled(ctx Context, id string, at time.Time) error
	// Delete cascades to episodes and their jobs.
	Delete(ctx Context, id string) error
}

type EpisodeRepository interface {
	// Create inserts an episode; ErrConflict when (feed_id, guid) exists.
	Create(ctx Context, e Episode) (Episode, error)
	Get(ctx Context, id string) (Episode, error)
	GetByGUID(ctx Context, feedID, guid string) (Episode, error)
	ListByFeed(ctx Context, feedID string, limit, offset int) ([]Episode, error)
	ListByStatus(ctx Context, status EpisodeStatus, limit int) ([]Episode, error)
	UpdateStatus(ctx Context, id string, status EpisodeStatus, errMsg string) error
	SetAudio(ctx Context, id, audioPath string) error
	SetTranscript(ctx Context, id, transcriptPath, transcriptURL string) error
}

type NodeRepository interface {
	// Register creates a node with a fresh id and bearer token. The token is
	// the only proof of identity thereafter.
	Register(ctx Context, name, url, model, backend string) (WorkerNode, error)
	// Authenticate resolves an api key to its node. ErrUnauthorized on miss.
	Authenticate(ctx Context, apiKey string) (WorkerNode, error)
	Get(ctx Context, id string) (WorkerNode, error)
	List(ctx Context) ([]WorkerNode, error)
	// UpdateHeartbeat bumps last_heartbeat and revives offline nodes.
	UpdateHeartbeat(ctx Context, id, model, backend string) error
	UpdateStatus(ctx Context, id string, status NodeStatus, currentJobID *string) error
	Delete(ctx Context, id string) error
	DeleteByName(ctx Context, name string) error
}

// External collaborators (ports)

// AudioFetcher downloads episode audio to a temporary file and reports the
// detected extension (".mp3" etc).
type AudioFetcher interface {
	Fetch(ctx Context, url, tempDir string) (tempPath, ext string, err error)
}

// Transcriber runs speech-to-text on a local audio file. Implementations load
// their model lazily and are safe for use by a single caller at a time.
type Transcriber interface {
	Transcribe(ctx Context, audioPath string, progress func(percent int)) (Transcript, error)
}

// FeedSource fetches and parses a podcast RSS feed.
type FeedSource interface {
	Fetch(ctx Context, url string) (FeedInfo, error)
}

// TranscriptStore lays out audio and transcript files on disk.
type TranscriptStore interface {
	SaveAudio(feedTitle, episodeTitle string, published *time.Time, ext string, r io.Reader) (string, error)
	SaveAudioFile(feedTitle, episodeTitle string, published *time.Time, ext, tempPath string) (string, error)
	SaveTranscript(feedTitle, episodeTitle string, published *time.Time, markdown string) (string, error)
	OpenAudio(path string) (io.ReadSeekCloser, int64, error)
}
