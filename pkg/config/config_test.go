package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "control.db", cfg.DBPath)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultRatePerMinute, cfg.RatePerMinute)
	assert.Equal(t, DefaultLockTTL, cfg.LockTTL)
	assert.Equal(t, DefaultSchedulerPoll, cfg.SchedulerPoll)
	assert.Equal(t, DefaultReaperPoll, cfg.ReaperPoll)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.GatewayURLs)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CONTROL_DB_PATH", "/var/lib/control/tasks.db")
	t.Setenv("CONTROL_LISTEN_ADDR", ":9000")
	t.Setenv("CONTROL_API_KEY", "secret")
	t.Setenv("CONTROL_RATE_LIMIT_PER_MIN", "30")
	t.Setenv("CONTROL_TASK_LOCK_TTL_SECONDS", "120")
	t.Setenv("CONTROL_SCHEDULER_POLL_SECONDS", "0.5")
	t.Setenv("CONTROL_REAPER_POLL_SECONDS", "5")
	t.Setenv("GATEWAY_URLS", "http://gw1:8100, http://gw2:8100,")
	t.Setenv("CONTROL_LOG_JSON", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/control/tasks.db", cfg.DBPath)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 30, cfg.RatePerMinute)
	assert.Equal(t, 120*time.Second, cfg.LockTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerPoll)
	assert.Equal(t, 5*time.Second, cfg.ReaperPoll)
	assert.Equal(t, []string{"http://gw1:8100", "http://gw2:8100"}, cfg.GatewayURLs)
	assert.True(t, cfg.LogJSON)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"CONTROL_RATE_LIMIT_PER_MIN", "zero"},
		{"CONTROL_RATE_LIMIT_PER_MIN", "-1"},
		{"CONTROL_TASK_LOCK_TTL_SECONDS", "soon"},
		{"CONTROL_TASK_LOCK_TTL_SECONDS", "0"},
		{"CONTROL_SCHEDULER_POLL_SECONDS", "-2"},
		{"CONTROL_REAPER_POLL_SECONDS", ""},
	}
	for _, tt := range tests {
		if tt.value == "" {
			continue
		}
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadGatewaySeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateways.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateways:
  - gateway_id: gw-east
    host: http://gw-east:8100
    capabilities: [shell, deploy]
  - host: http://gw-west:8100
`), 0o644))

	seeds, err := LoadGatewaySeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "gw-east", seeds[0].GatewayID)
	assert.Equal(t, []string{"shell", "deploy"}, seeds[0].Capabilities)
	assert.Empty(t, seeds[1].GatewayID)
}

func TestLoadGatewaySeedsErrors(t *testing.T) {
	_, err := LoadGatewaySeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateways:\n  - gateway_id: no-host\n"), 0o644))
	_, err = LoadGatewaySeeds(path)
	assert.ErrorContains(t, err, "host is required")
}
