package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/InsulaLabs/quire/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestGeneratedConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "quire.yaml")
	require.NoError(t, writeGeneratedConfig(path))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.GenerateConfig().Relay.HttpBinding, cfg.Relay.HttpBinding)
	assert.Equal(t, config.GenerateConfig().Agent, cfg.Agent)
}

func TestNewRequiresAService(t *testing.T) {
	_, err := New([]string{"--relay=false", "--origin=false"}, "unused.yaml")
	assert.ErrorIs(t, err, ErrNothingToRun)
}

func TestNewLoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quire.yaml")
	require.NoError(t, writeGeneratedConfig(path))

	rt, err := New([]string{"--config", path, "--origin=false"}, "unused.yaml")
	require.NoError(t, err)
	defer rt.Stop()

	assert.True(t, rt.runRelay)
	assert.False(t, rt.runOrigin)
	assert.Equal(t, slog.LevelInfo, rt.currentLogLevel)

	_, err = New([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, "unused.yaml")
	assert.ErrorIs(t, err, config.ErrConfigFileUnreadable)
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GenerateConfig()
	cfg.Relay.HttpBinding = "127.0.0.1:0"
	cfg.Origin.HttpBinding = "127.0.0.1:0"
	cfg.Origin.DataDir = filepath.Join(dir, "data")

	rt := &Runtime{cfg: cfg, runRelay: true, runOrigin: true, logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	rt.appCtx, rt.appCancel = context.WithCancel(context.Background())

	require.NoError(t, rt.Run())
	rt.Stop()
	assert.NoError(t, rt.Wait())
}
