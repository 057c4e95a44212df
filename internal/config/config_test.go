package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "workspace", cfg.Client.Mode)
	assert.True(t, cfg.Client.RealtimeEnabled)
	assert.Equal(t, 20*time.Second, cfg.Client.FallbackPollInterval)
	assert.Equal(t, 15*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Client.EditGrace)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.PullDebounce)
	assert.Equal(t, 30*time.Second, cfg.Client.LegacyPollInterval)
	assert.False(t, cfg.Client.RemoteConfigured())
	require.NoError(t, cfg.Client.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 45*time.Second, cfg.Server.PresenceStale)
	require.NoError(t, cfg.Server.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaystate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  base_url: https://state.example.com
  workspace_id: ws_file
  mode: single
  pull_debounce: 1s
server:
  addr: ":9090"
  allowed_origins: ["app.example.com"]
`), 0o644))
	t.Setenv("RELAYSTATE_CLIENT_WORKSPACE_ID", "ws_env")
	t.Setenv("RELAYSTATE_SERVER_RATE_LIMIT_RPS", "2.5")
	t.Setenv("RELAYSTATE_CLIENT_REALTIME_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://state.example.com", cfg.Client.BaseURL)
	assert.Equal(t, "ws_env", cfg.Client.WorkspaceID)
	assert.Equal(t, "simple", cfg.Client.Mode)
	assert.Equal(t, time.Second, cfg.Client.PullDebounce)
	assert.False(t, cfg.Client.RealtimeEnabled)
	assert.True(t, cfg.Client.RemoteConfigured())
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, []string{"app.example.com"}, cfg.Server.AllowedOrigins)
}

func TestFlagsTakePrecedence(t *testing.T) {
	t.Setenv("RELAYSTATE_CLIENT_TOKEN", "from-env")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("token", "", "")
	flags.String("workspace", "", "")
	require.NoError(t, flags.Parse([]string{"--token", "from-flag"}))

	loader := NewLoader()
	require.NoError(t, loader.BindFlag("client.token", flags.Lookup("token")))
	require.NoError(t, loader.BindFlag("client.workspace_id", flags.Lookup("workspace")))
	require.Error(t, loader.BindFlag("client.base_url", flags.Lookup("missing")))

	cfg, err := loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Client.Token)
	assert.Equal(t, "", cfg.Client.WorkspaceID)
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	err := ClientConfig{FallbackPollInterval: time.Second, HeartbeatInterval: time.Second}.Validate()
	require.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "state_dir")
	assert.Contains(t, err.Error(), "legacy_poll_interval")

	err = ServerConfig{Addr: ":1", RateLimitRPS: -1}.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "jwt_secret")
}
