package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotReady        = errors.New("not ready")
	ErrInternal        = errors.New("internal error")
)

// Feed is a subscribed podcast RSS feed.
type Feed struct {
	ID           string
	URL          string
	Title        string
	CustomTitle  string
	Description  string
	Image        string
	Author       string
	LastPolledAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayTitle prefers the user-set title over the feed's own.
func (f Feed) DisplayTitle() string {
	if f.CustomTitle != "" {
		return f.CustomTitle
	}
	return f.Title
}

type EpisodeStatus string

const (
	EpisodeNew                EpisodeStatus = "new"
	EpisodeDownloading        EpisodeStatus = "downloading"
	EpisodeAudioReady         EpisodeStatus = "audio_ready"
	EpisodeAwaitingTranscript EpisodeStatus = "awaiting_transcript"
	EpisodeNeedsAudio         EpisodeStatus = "needs_audio"
	EpisodeTranscribing       EpisodeStatus = "transcribing"
	EpisodeCompleted          EpisodeStatus = "completed"
	EpisodeFailed             EpisodeStatus = "failed"
)

// Episode is a single audio item discovered in a feed.
// GUID is unique per feed; rows cascade on feed delete.
type Episode struct {
	ID              string
	FeedID          string
	GUID            string
	Title           string
	AudioURL        string
	DurationSeconds int
	PublishedAt     *time.Time
	Status          EpisodeStatus
	AudioPath       string
	TranscriptPath  string
	TranscriptURL   string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type JobType string

const (
	JobDownload   JobType = "download"
	JobTranscribe JobType = "transcribe"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// LocalNodeID is the assignee recorded for jobs processed by the in-process
// worker pool rather than a remote node.
const LocalNodeID = "local"

// Default scheduling knobs. Follow-on transcription jobs jump the queue so a
// freshly downloaded episode is transcribed before older backlog.
const (
	DefaultPriority    = 10
	FollowOnPriority   = 1
	DefaultMaxAttempts = 3
)

// Job is one unit of work (download or transcribe) on an episode.
//
// Invariants:
//   - 0 <= Attempts <= MaxAttempts; Attempts only ever increases, except via
//     an explicit admin retry which resets it together with status and error.
//   - status=running implies AssignedNodeID and StartedAt are set.
//   - a job with NextRetryAt in the future is never dispatched.
type Job struct {
	ID             string
	EpisodeID      string
	Type           JobType
	Priority       int
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	ScheduledAt    time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextRetryAt    *time.Time
	ErrorMessage   string
	Progress       int
	AssignedNodeID *string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
}

// Pending reports whether the job still occupies the (episode, type) slot.
func (j Job) Pending() bool { return j.Status == JobQueued || j.Status == JobRunning }

// Backoff returns the delay before a failed job may be dispatched again:
// 5^attempts minutes, so 5m after the first failure, 25m after the second,
// 125m after the third.
func Backoff(attempts int) time.Duration {
	d := time.Duration(1)
	for i := 0; i < attempts; i++ {
		d *= 5
	}
	return d * time.Minute
}

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeBusy    NodeStatus = "busy"
)

// WorkerNode is a remote machine running the transcription agent.
type WorkerNode struct {
	ID            string
	Name          string
	URL           string
	APIKey        string
	Model         string
	Backend       string
	Status        NodeStatus
	LastHeartbeat *time.Time
	CurrentJobID  *string
	Priority      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transcript is the output of a speech-to-text run.
type Transcript struct {
	Language     string
	LanguageProb float64
	Model        string
	Segments     []Segment
}

// Segment is a timed chunk of transcribed speech.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// EpisodeSeed is a parsed feed item, before persistence.
type EpisodeSeed struct {
	GUID            string
	Title           string
	AudioURL        string
	DurationSeconds int
	PublishedAt     *time.Time
}

// FeedInfo is parsed feed metadata plus its items, newest first.
type FeedInfo struct {
	Title       string
	Description string
	Image       string
	Author      string
	Episodes    []EpisodeSeed
}

// Context is an alias so adapters and usecases pass context.Context through
// without the domain importing transport packages.
type Context = context.Context
