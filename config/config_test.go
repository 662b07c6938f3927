package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, cfg *Config) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "quire.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestGeneratedConfigRoundTrips(t *testing.T) {
	path := writeConfig(t, GenerateConfig())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6001", cfg.Relay.HttpBinding)
	assert.Equal(t, 2*time.Second, cfg.Agent.PushInterval)
	assert.Equal(t, 3*time.Second, cfg.Agent.EchoGuardWindow)
	assert.Equal(t, "editor.updated", cfg.Origin.EventName)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrConfigFileUnreadable)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("relay: [unterminated"), 0644))
		_, err := LoadConfig(path)
		assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
	})

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"relay binding", func(c *Config) { c.Relay.HttpBinding = "" }, ErrRelayHttpBindingMissing},
		{"send buffer", func(c *Config) { c.Relay.Sessions.SendBufferSize = 0 }, ErrSessionsSendBufferSizeMissing},
		{"max connections", func(c *Config) { c.Relay.Sessions.MaxConnections = -1 }, ErrSessionsMaxConnectionsMissing},
		{"pong wait", func(c *Config) { c.Relay.Sessions.PongWait = time.Second }, ErrSessionsPongWaitInvalid},
		{"ingress queue", func(c *Config) { c.Relay.Ingress.QueueSize = 0 }, ErrIngressQueueSizeMissing},
		{"ingress limiter", func(c *Config) { c.Relay.RateLimiters.Ingress.Limit = 0 }, ErrRateLimitersIngressLimitMissing},
		{"origin data dir", func(c *Config) { c.Origin.DataDir = "" }, ErrOriginDataDirMissing},
		{"intervals", func(c *Config) { c.Agent.PullInterval = 0 }, ErrAgentIntervalsMissing},
		{"echo guard", func(c *Config) { c.Agent.EchoGuardWindow = c.Agent.PullInterval }, ErrAgentEchoGuardTooShort},
		{"request timeout", func(c *Config) { c.Agent.RequestTimeout = 0 }, ErrAgentRequestTimeoutMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GenerateConfig()
			tc.mutate(cfg)
			_, err := LoadConfig(writeConfig(t, cfg))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
