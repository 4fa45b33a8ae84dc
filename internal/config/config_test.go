package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 3, cfg.Tasks.MaxRunning)
	assert.Equal(t, 2000, cfg.LogBus.RingSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apkforge.yaml")
	data := `
server:
  listen: "127.0.0.1:9090"
tasks:
  max_running: 5
  deadline: 10m
gradle:
  default_tasks: ":app:assembleDebug"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Listen)
	assert.Equal(t, 5, cfg.Tasks.MaxRunning)
	assert.Equal(t, 10*time.Minute, cfg.Tasks.Deadline)
	assert.Equal(t, ":app:assembleDebug", cfg.Gradle.DefaultTasks)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Minute, cfg.Git.GuardTimeout)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apkforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  max_running: 0\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_running")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APKFORGE_LISTEN", ":7777")
	t.Setenv("APKFORGE_NATS_URL", "nats://localhost:4222")

	path := filepath.Join(t.TempDir(), "apkforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Listen)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Git.SnapshotTTL = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gradle.DefaultTasks = ""
	require.Error(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		level, err := ParseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, level, input)
	}

	_, err := ParseLogLevel("loud")
	require.Error(t, err)
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apkforge.yaml")
	require.NoError(t, Init(path, false))

	err := Init(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, Init(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}
