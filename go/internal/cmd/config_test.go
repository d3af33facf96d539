package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/courtside/go/internal/live/ratelimit"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "LOG_LEVEL", "STORE", "SEED_FILE", "NATS_URL", "MAX_CONNECTIONS"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, storePostgres, cfg.Store)
	assert.Equal(t, 10000, cfg.Gateway.MaxConnections)
	assert.Equal(t, 60, cfg.RateLimit.Event.Points)
	assert.Equal(t, 16*time.Millisecond, cfg.Broadcast.HighInterval)
	assert.Equal(t, time.Second, cfg.Timer.TickInterval)
	assert.Equal(t, "courtside.rooms", cfg.Cluster.Subject)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
store: memory
seed_file: contests.json
gateway:
  max_connections: 500
rate_limit:
  event:
    points: 30
    window: 30s
    strategy: token
broadcast:
  normal_interval: 40ms
metrics:
  degraded_connections: 400
`), 0o600))

	clearEnv(t)
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, "contests.json", cfg.SeedFile)
	assert.Equal(t, 500, cfg.Gateway.MaxConnections)
	assert.Equal(t, ratelimit.Quota{Points: 30, Window: 30 * time.Second, Strategy: ratelimit.StrategyTokenBucket}, cfg.RateLimit.Event)
	assert.Equal(t, 40*time.Millisecond, cfg.Broadcast.NormalInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Broadcast.LowInterval)
	assert.Equal(t, 400, cfg.Metrics.DegradedConnections)
	assert.Equal(t, "nats://broker:4222", cfg.Cluster.URL)

	// untouched sections keep their defaults
	assert.Equal(t, 10, cfg.RateLimit.Connection.Points)
}

func TestLoadConfig_RejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "redis")
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err := loadConfig(path)
	assert.Error(t, err)
}
