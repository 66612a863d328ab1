package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/internal/runtime/cli"
	"github.com/ikido/herdctl/pkg/herd"
)

func TestMemoryBytesParsesUnits(t *testing.T) {
	assert.Equal(t, int64(2*1<<30), memoryBytes("2g"))
	assert.Equal(t, int64(512*1<<20), memoryBytes("512m"))
	assert.Equal(t, int64(0), memoryBytes(""))
	assert.Equal(t, int64(0), memoryBytes("not-a-size"))
}

func TestFleetDockerConfigSplitsEnvPairs(t *testing.T) {
	d := config.DockerDefaults{Env: []string{"FOO=bar", "BAZ=qux", "malformed"}}
	f := fleetDockerConfig(d)
	assert.Equal(t, "bar", f.Env["FOO"])
	assert.Equal(t, "qux", f.Env["BAZ"])
	assert.Len(t, f.Env, 2)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, config.DockerDefaults{Image: "anthropic/claude-code:latest", Network: "bridge"}, t.TempDir(), logger.Default())
}

func TestBuildMountsRejectsMalformedVolume(t *testing.T) {
	m := newTestManager(t)
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}
	resolved := m.ResolveConfig(agent)
	resolved.Volumes = []string{"no-colon-here"}

	_, _, err := m.buildMounts(agent, resolved)
	require.Error(t, err)
}

func TestBuildMountsParsesHostContainerMode(t *testing.T) {
	m := newTestManager(t)
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}
	resolved := m.ResolveConfig(agent)
	resolved.Volumes = []string{"/host/data:/container/data:ro"}

	mounts, _, err := m.buildMounts(agent, resolved)
	require.NoError(t, err)

	var found bool
	for _, mt := range mounts {
		if mt.Target == "/container/data" {
			found = true
			assert.True(t, mt.ReadOnly)
			assert.Equal(t, "/host/data", mt.Source)
		}
	}
	assert.True(t, found, "expected the declared volume to be present among built mounts")
}

func TestBuildSpecAppliesSecurityDefaults(t *testing.T) {
	m := newTestManager(t)
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir(), Docker: herd.AgentDockerConfig{Enabled: true, Memory: "1g"}}
	resolved := m.ResolveConfig(agent)

	spec, err := m.buildSpec(agent, resolved, "herdctl-a1-job1")
	require.NoError(t, err)

	assert.True(t, spec.CapDropAll)
	assert.True(t, spec.NoNewPrivileges)
	assert.Equal(t, int64(1<<30), spec.Memory)
	assert.Equal(t, spec.Memory, spec.MemorySwap)
	assert.Equal(t, "bridge", spec.NetworkMode)
	assert.Equal(t, managedByValue, spec.Labels[labelManagedBy])
	assert.Equal(t, "a1", spec.Labels[labelAgent])
}

func TestBuildCommandUsesResumeAndForkFlags(t *testing.T) {
	base := buildCommand(runtime.Options{Agent: herd.Agent{}})
	assert.Equal(t, []string{cli.DefaultCommand, "-p"}, base)

	resumed := buildCommand(runtime.Options{Agent: herd.Agent{}, ResumeSessionID: "sess-1"})
	assert.Contains(t, resumed, "--resume")
	assert.Contains(t, resumed, "sess-1")

	forked := buildCommand(runtime.Options{Agent: herd.Agent{}, ForkSessionID: "sess-2"})
	assert.Contains(t, forked, "--fork-session")
}
