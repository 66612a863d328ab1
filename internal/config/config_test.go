package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPathAppliesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Agent.MaxConcurrent)
	assert.False(t, cfg.Docker.Enabled)
}

func TestLoadWithPathReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
stateDir: /tmp/herd-state
logging:
  level: debug
agent:
  maxConcurrent: 7
`), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/herd-state", cfg.StateDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Agent.MaxConcurrent)
}

func TestLoadWithPathEnvOverride(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("HERDCTL_STATE_DIR", filepath.Join(dir, "state-from-env"))
	os.Setenv("HERDCTL_LOG_LEVEL", "warn")
	defer os.Unsetenv("HERDCTL_STATE_DIR")
	defer os.Unsetenv("HERDCTL_LOG_LEVEL")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state-from-env"), cfg.StateDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadAgentsDirParsesEveryYAMLFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "builder.yaml"), []byte(`
name: builder
working_directory: /workspace/builder
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "release.yml"), []byte(`
name: release
working_directory: /workspace/release
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not an agent"), 0o644))

	agents, err := LoadAgentsDir(dir, FleetConfig{})
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	names := map[string]bool{}
	for _, a := range agents {
		names[a.Name] = true
	}
	assert.True(t, names["builder"])
	assert.True(t, names["release"])
}

func TestLoadAgentsDirMissingDirectoryIsEmpty(t *testing.T) {
	agents, err := LoadAgentsDir(filepath.Join(t.TempDir(), "does-not-exist"), FleetConfig{})
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestLoadAgentsDirPropagatesParseError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: "bad name"
`), 0o644))

	_, err := LoadAgentsDir(dir, FleetConfig{})
	assert.Error(t, err)
}

func TestLoadWithPathRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
logging:
  level: not-a-level
`), 0o644))

	_, err := LoadWithPath(dir)
	assert.Error(t, err)
}
