package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 4, cfg.MaxParallelRuns)
	assert.True(t, cfg.CancelSuperseded)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"non-numeric port", func(c *Config) { c.Port = "http" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero parallelism", func(c *Config) { c.MaxParallelRuns = 0 }},
		{"no shell", func(c *Config) { c.Shell = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nmax_parallel_runs: 2\n"), 0644))

	cfg := defaults()
	require.NoError(t, mergeFile(cfg, path))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.MaxParallelRuns)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("PIPEGATE_PORT", "9090")
	t.Setenv("PIPEGATE_MAX_PARALLEL_RUNS", "8")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 8, cfg.MaxParallelRuns)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "pipegate.db"), cfg.DBPath())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "pipegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel_runs: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test,
// mirroring testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
