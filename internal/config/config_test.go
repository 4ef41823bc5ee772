package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Prefix: "AGENT_"}))
	cfg.Sanitize()

	assert.Equal(t, -1, cfg.MaxConnectAttempts)
	assert.Equal(t, []int{5, 10, 30, 60, 300}, cfg.ReconnectIntervals)
	assert.Equal(t, 300*time.Second, cfg.DefaultInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.StaggerStep)
	assert.Equal(t, time.Minute, cfg.StaggerWindow)
	assert.Equal(t, 200001, cfg.Codes.SessionInvalid)
	assert.Equal(t, 204011, cfg.Codes.Duplicate)
	assert.Equal(t, cfg.ServerURL, cfg.PushURL)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_SERVER_URL", "http://collector.local:8080/")
	t.Setenv("AGENT_RECONNECT_INTERVALS", "5,0,10,30")
	t.Setenv("AGENT_MAX_CONNECT_ATTEMPTS", "4")
	t.Setenv("AGENT_CODE_DUPLICATE", "409001")
	t.Setenv("AGENT_STATUS_DEBUG", "true")

	var cfg Config
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Prefix: "AGENT_"}))
	cfg.Sanitize()

	assert.Equal(t, "http://collector.local:8080", cfg.ServerURL)
	assert.Equal(t, []int{5, 10, 30}, cfg.ReconnectIntervals)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.Backoff())
	assert.Equal(t, 4, cfg.MaxConnectAttempts)
	assert.Equal(t, 409001, cfg.Codes.Duplicate)
	assert.True(t, cfg.StatusDebug)
}

func TestSanitizeIntervalGuards(t *testing.T) {
	cfg := Config{ServerURL: "https://x", DefaultInterval: 2 * MaxInterval, StaggerStep: time.Second, StaggerWindow: time.Millisecond}
	cfg.Sanitize()
	assert.Equal(t, DefaultInterval, cfg.DefaultInterval)
	assert.Equal(t, time.Minute, cfg.StaggerWindow)
	assert.Equal(t, []int{5}, cfg.ReconnectIntervals)
}

func TestValidateRejectsBadURL(t *testing.T) {
	cfg := Config{ServerURL: "ftp://nope"}
	assert.Error(t, cfg.Validate())
}

func TestLoadIdentity(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "agent-config.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"agentToken":"tok","agentId":"a1","orgToken":"o1","agentVersion":"2.1.0"}`), 0o600))
	id, err := LoadIdentity(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, Identity{AgentToken: "tok", AgentID: "a1", OrgToken: "o1", AgentVersion: "2.1.0"}, id)

	yamlPath := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("agentToken: tok2\nagentVersion: 3.0.0\n"), 0o600))
	id, err = LoadIdentity(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "tok2", id.AgentToken)

	_, err = LoadIdentity(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrMissingToken)

	emptyPath := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(emptyPath, []byte(`{"agentId":"a1"}`), 0o600))
	_, err = LoadIdentity(emptyPath)
	assert.ErrorIs(t, err, ErrMissingToken)
}
