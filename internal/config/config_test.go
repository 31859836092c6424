package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskerino/taskerino/internal/storage"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, storage.KindFilesystem, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.Debounce)
	assert.Equal(t, 7*24*time.Hour, cfg.BackupHorizon)
	assert.Equal(t, time.Hour, cfg.BackupInterval)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_FullOverride(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/taskerino-test
backend: sqlite
debounce: 250ms
backup:
  horizon: 48h
  interval: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/taskerino-test", cfg.DataDir)
	assert.Equal(t, storage.KindSQLite, cfg.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 48*time.Hour, cfg.BackupHorizon)
	assert.Equal(t, 30*time.Minute, cfg.BackupInterval)
}

func TestLoad_PartialOverrideKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "backend: memory\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, storage.KindMemory, cfg.Backend)
	assert.Equal(t, 5*time.Second, cfg.Debounce)
	assert.Equal(t, time.Hour, cfg.BackupInterval)
}

func TestLoad_EmptyFileYieldsDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, storage.KindFilesystem, cfg.Backend)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "backend: postgres\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, "debounce: five seconds\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "debuonce: 5s\n")

	_, err := Load(path)
	require.Error(t, err, "typo'd field names must not be silently ignored")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs/x", expandHome("/abs/x"))
	assert.Equal(t, "rel/x", expandHome("rel/x"))
}

func TestConfig_DerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	assert.Equal(t, filepath.Join("/data", "wal.log"), cfg.WALPath())
	assert.Equal(t, filepath.Join("/data", "backups"), cfg.BackupDir())
}
