package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(0))
	assert.Equal(t, 5*time.Minute, Backoff(1))
	assert.Equal(t, 25*time.Minute, Backoff(2))
	assert.Equal(t, 125*time.Minute, Backoff(3))
}

func TestJobPending(t *testing.T) {
	assert.True(t, Job{Status: JobQueued}.Pending())
	assert.True(t, Job{Status: JobRunning}.Pending())
	assert.False(t, Job{Status: JobCompleted}.Pending())
	assert.False(t, Job{Status: JobFailed}.Pending())
}

func TestFeedDisplayTitle(t *testing.T) {
	assert.Equal(t, "My Show", Feed{Title: "My Show"}.DisplayTitle())
	assert.Equal(t, "Renamed", Feed{Title: "My Show", CustomTitle: "Renamed"}.DisplayTitle())
}
