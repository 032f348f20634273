package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 6500, cfg.Port)
	assert.False(t, cfg.QueueEnabled, "queue must be disabled by default")
	assert.Equal(t, 10, cfg.QueueMaxSize)
	assert.Equal(t, 3, cfg.HeartbeatMaxFailures)
}

func TestConfigDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 15*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReloadTimeout())
	assert.Equal(t, 60*time.Second, cfg.CacheTTL())
}

func TestDefaultLogDirIsUnderRelayNamespace(t *testing.T) {
	dir, err := DefaultLogDir()
	require.NoError(t, err)
	assert.Contains(t, dir, "relay")
}
