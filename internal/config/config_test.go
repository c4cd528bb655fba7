package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 2, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout)
	assert.False(t, cfg.DistributedEnabled)
	assert.False(t, cfg.AdminEnabled())
	assert.True(t, cfg.IsDev())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISTRIBUTED_ENABLED", "true")
	t.Setenv("JOB_TIMEOUT", "45m")
	t.Setenv("APP_ENV", "prod")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.DistributedEnabled)
	assert.Equal(t, 45*time.Minute, cfg.JobTimeout)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestAdminEnabledNeedsBothCredentials(t *testing.T) {
	assert.False(t, Config{AdminUsername: "admin"}.AdminEnabled())
	assert.False(t, Config{AdminPasswordHash: "$2a$10$x"}.AdminEnabled())
	assert.True(t, Config{AdminUsername: "admin", AdminPasswordHash: "$2a$10$x"}.AdminEnabled())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("WORKER_POLL_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)
}
