package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "matrixci/internal/errors"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(dir, ".matrixci"), cfg.StateDir)
	assert.Equal(t, 0, cfg.Concurrency)
	assert.Equal(t, DefaultPassthrough, cfg.Env.Passthrough)
	assert.Equal(t, 30*time.Second, cfg.Coverage.Timeout)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	content := `
log:
  level: debug
state_dir: /var/lib/matrixci
concurrency: 2
coverage:
  endpoint: https://coverage.example.test
  timeout: 5s
secrets:
  - CODECOV_TOKEN
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".matrixci.yaml"), []byte(content), 0o644))
	t.Setenv("MATRIXCI_CONCURRENCY", "4")

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Clean("/var/lib/matrixci"), cfg.StateDir)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "https://coverage.example.test", cfg.Coverage.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Coverage.Timeout)
	assert.Equal(t, []string{"CODECOV_TOKEN"}, cfg.Secrets)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, errUtils.ErrInvalidConfig)
}

func TestLoad_RejectsNegativeConcurrency(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".matrixci.yaml"), []byte("concurrency: -1\n"), 0o644))

	_, err := Load(dir, "")
	assert.ErrorIs(t, err, errUtils.ErrInvalidConfig)
}

func TestResolveSecrets(t *testing.T) {
	env := map[string]string{"CODECOV_TOKEN": "abc"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	got := resolveSecrets([]string{"CODECOV_TOKEN", "MISSING", " "}, lookup)
	assert.Equal(t, map[string]string{"CODECOV_TOKEN": "abc"}, got)
}
