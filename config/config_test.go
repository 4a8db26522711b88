package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Queue.MaxCapacity)
	assert.Equal(t, "priority", cfg.Queue.PriorityPolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.Routing.MaxRoutingTime)
	assert.Equal(t, "multi-armed-bandit", cfg.Routing.DefaultStrategy)
	assert.True(t, cfg.Arbitration.EnableWaivers)
	assert.Equal(t, 100, cfg.Arbitration.MaxConcurrentSessions)
	assert.False(t, cfg.Security.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBITER_QUEUE_MAX_CAPACITY", "42")
	t.Setenv("ARBITER_ROUTING_STRATEGY", "capability-match")
	t.Setenv("ARBITER_ARBITRATION_WAIVERS_ENABLED", "false")

	cfg, err := New()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Queue.MaxCapacity)
	assert.Equal(t, "capability-match", cfg.Routing.DefaultStrategy)
	assert.False(t, cfg.Arbitration.EnableWaivers)
}

func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv("ARBITER_QUEUE_MAX_CAPACITY", "42")

	cfg, err := New(WithQueueCapacity(7))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.MaxCapacity)
}

func TestYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbiter.yaml")
	content := []byte("queue:\n  max_capacity: 5\n  priority_policy: deadline\narbitration:\n  max_concurrent_sessions: 3\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.MaxCapacity)
	assert.Equal(t, "deadline", cfg.Queue.PriorityPolicy)
	assert.Equal(t, 3, cfg.Arbitration.MaxConcurrentSessions)
}

func TestMissingYAMLIsNotAnError(t *testing.T) {
	cfg, err := LoadYAML(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Queue.MaxCapacity)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate Option
	}{
		{"zero capacity", func(c *Config) { c.Queue.MaxCapacity = 0 }},
		{"unknown policy", func(c *Config) { c.Queue.PriorityPolicy = "lifo" }},
		{"zero sessions", func(c *Config) { c.Arbitration.MaxConcurrentSessions = 0 }},
		{"persistence without url", func(c *Config) { c.Persistence.Enabled = true; c.Persistence.RedisURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.mutate)
			assert.Error(t, err)
		})
	}
}

func TestWithPersistence(t *testing.T) {
	cfg, err := New(WithPersistence("redis://localhost:6379/0"))
	require.NoError(t, err)
	assert.True(t, cfg.Persistence.Enabled)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Persistence.RedisURL)
}
