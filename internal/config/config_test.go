package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.True(t, s.Enabled)
	assert.True(t, s.FailOpen)
	assert.Equal(t, 10, s.RateLimits.PerSession.MaxRequests)
	assert.Equal(t, time.Minute, s.RateLimits.PerSession.Window)
	assert.Equal(t, 100, s.RateLimits.PerSessionHourly.MaxRequests)
	assert.Equal(t, time.Hour, s.RateLimits.PerSessionHourly.Window)
	assert.Equal(t, 1, s.RateLimits.TitleGeneration.MaxRequests)
	assert.Equal(t, 300*time.Second, s.Timeouts.AgentTotal)
	assert.NoError(t, s.Validate())
}

func TestFromEnv_Buckets(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_SESSION", "20:120")
	t.Setenv("RATE_LIMIT_GLOBAL", "500:30")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 20, s.RateLimits.PerSession.MaxRequests)
	assert.Equal(t, 2*time.Minute, s.RateLimits.PerSession.Window)
	assert.Equal(t, 500, s.RateLimits.Global.MaxRequests)
	assert.Equal(t, 30*time.Second, s.RateLimits.Global.Window)
}

func TestFromEnv_MalformedBucket(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_SESSION", "not-a-bucket")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnv_Toggles(t *testing.T) {
	t.Setenv("PROTECTION_ENABLED", "false")
	t.Setenv("ML_ANOMALY_DETECTION_ENABLED", "0")
	t.Setenv("REPUTATION_SYSTEM_ENABLED", "true")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.False(t, s.Enabled)
	assert.False(t, s.Anomaly.Enabled)
	assert.True(t, s.Reputation.Enabled)
}

func TestFromEnv_BypassHeaders(t *testing.T) {
	t.Setenv("PROTECTION_BYPASS_HEADERS", "X-Internal-Probe, X-Synthetic-Check")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"X-Internal-Probe", "X-Synthetic-Check"}, s.BypassHeaders)
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	s := DefaultSettings()
	s.Timeouts.LLMCall = s.Timeouts.AgentPhase + time.Second

	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm_call")
}

func TestValidate_EmergencyBelowTotal(t *testing.T) {
	s := DefaultSettings()
	s.Timeouts.EmergencyShutdown = s.Timeouts.AgentTotal - time.Second

	assert.Error(t, s.Validate())
}

func TestLoadFromFile_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	content := `
fail_open: false
rate_limits:
  per_session:
    max_requests: 5
    window: 30s
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := LoadFromFile(path, DefaultSettings())
	require.NoError(t, err)

	assert.False(t, s.FailOpen)
	assert.Equal(t, 5, s.RateLimits.PerSession.MaxRequests)
	assert.Equal(t, 30*time.Second, s.RateLimits.PerSession.Window)
	// Untouched sections keep defaults.
	assert.Equal(t, 1000, s.RateLimits.Global.MaxRequests)
}

func TestLoadFromFile_InvalidOverridesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	content := `
timeouts:
  agent_total: 10s
  agent_phase: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadFromFile(path, DefaultSettings())
	assert.Error(t, err)
}
