package container

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/pkg/herd"
)

const (
	labelManagedBy = "herdctl.managed-by"
	labelAgent     = "herdctl.agent"
	labelEphemeral = "herdctl.ephemeral"

	managedByValue = "herdctl"

	containerWorkspacePath = "/workspace"
	containerAuthPath      = "/home/herdctl/.claude"
	containerSessionsPath  = "/home/herdctl/.herdctl-sessions"

	defaultStopTimeoutSeconds = 10
)

// containerRecord tracks one container the manager created, ordered by
// creation time so the oldest can be evicted first (§4.D "Cleanup").
type containerRecord struct {
	id        string
	createdAt time.Time
}

// Manager resolves Docker configuration, builds mounts and security
// defaults, and owns the get-or-create / cleanup lifecycle for containers
// (§4.D). It never parses command output itself; that is left to the
// decorator built on top of it.
type Manager struct {
	client       *Client
	fleet        config.DockerDefaults
	sessionsRoot string
	logger       *logger.Logger

	mu         sync.Mutex
	containers map[string][]containerRecord // agent name -> records, oldest first
}

// NewManager constructs a container manager bound to one Docker client.
// sessionsRoot is the host-side docker-sessions directory (§4.B), kept
// separate from the SDK/CLI runtimes' own session storage.
func NewManager(client *Client, fleet config.DockerDefaults, sessionsRoot string, log *logger.Logger) *Manager {
	return &Manager{
		client:       client,
		fleet:        fleet,
		sessionsRoot: sessionsRoot,
		logger:       log.WithComponent("container.manager"),
		containers:   make(map[string][]containerRecord),
	}
}

// ResolveConfig merges the fleet-level Docker defaults with an agent's
// restricted subset (§6 "Docker configuration tiers").
func (m *Manager) ResolveConfig(agent herd.Agent) herd.ResolvedDockerConfig {
	return fleetDockerConfig(m.fleet).Merge(agent.Docker)
}

// fleetDockerConfig adapts the config-loader's flat DockerDefaults into
// the domain's two-tier FleetDockerConfig/AgentDockerConfig shape.
func fleetDockerConfig(d config.DockerDefaults) herd.FleetDockerConfig {
	env := make(map[string]string, len(d.Env))
	for _, kv := range d.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return herd.FleetDockerConfig{
		AgentDockerConfig: herd.AgentDockerConfig{
			Enabled:       d.Enabled,
			Memory:        d.Memory,
			CPUShares:     d.CPUShares,
			CPUPeriod:     d.CPUPeriod,
			CPUQuota:      d.CPUQuota,
			MaxContainers: d.MaxContainers,
			WorkspaceMode: d.WorkspaceMode,
			Tmpfs:         d.Tmpfs,
			PidsLimit:     d.PidsLimit,
			Labels:        d.Labels,
		},
		Image:      d.Image,
		Network:    d.Network,
		Volumes:    d.Volumes,
		User:       d.User,
		Ports:      d.Ports,
		Env:        env,
		HostConfig: d.HostConfig,
	}
}

// currentUIDGID returns the "uid:gid" string of the process' current
// user, used as the container's non-root default (§4.D "Security
// defaults").
func currentUIDGID() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", u.Uid, u.Gid)
}

// memoryBytes parses a Docker-style memory string ("2g", "512m") into
// bytes. Unparseable or empty values return 0 (no limit).
func memoryBytes(s string) int64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(n * float64(multiplier))
}

// authMount resolves the "either env var or read-only mount, never both"
// rule (§4.D "Auth material"): if a known credential variable is set in
// the daemon's own environment it is passed through; otherwise, when a
// host auth directory exists, it is mounted read-only instead.
func authMount() (env []string, vol *MountSpec) {
	for _, name := range []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			return []string{fmt.Sprintf("%s=%s", name, v)}, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	authDir := filepath.Join(home, ".claude")
	if info, err := os.Stat(authDir); err == nil && info.IsDir() {
		return nil, &MountSpec{Source: authDir, Target: containerAuthPath, ReadOnly: true}
	}
	return nil, nil
}

// buildMounts assembles the workspace, auth, docker-sessions, and
// user-declared volume mounts for one job (§4.D "Mounts").
func (m *Manager) buildMounts(agent herd.Agent, resolved herd.ResolvedDockerConfig) ([]MountSpec, []string, error) {
	mounts := []MountSpec{
		{Source: agent.WorkingDirectory, Target: containerWorkspacePath, ReadOnly: resolved.WorkspaceMode == "ro"},
		{Source: m.sessionsRoot, Target: containerSessionsPath, ReadOnly: false},
	}

	authEnv, authVol := authMount()
	var env []string
	if authEnv != nil {
		env = append(env, authEnv...)
	}
	if authVol != nil {
		mounts = append(mounts, *authVol)
	}

	for _, spec := range resolved.Volumes {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) < 2 {
			return nil, nil, fmt.Errorf("invalid volume mount %q: expected host:container[:mode]", spec)
		}
		readOnly := false
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
				readOnly = true
			case "rw":
				readOnly = false
			default:
				return nil, nil, fmt.Errorf("invalid volume mode %q in %q: must be ro or rw", parts[2], spec)
			}
		}
		mounts = append(mounts, MountSpec{Source: parts[0], Target: parts[1], ReadOnly: readOnly})
	}

	for k, v := range resolved.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return mounts, env, nil
}

// buildSpec resolves one agent's merged Docker configuration into a
// ContainerSpec with the hardened security defaults (§4.D "Security
// defaults"). The fleet-level HostConfig passthrough carried in resolved
// is not applied: the memory/cpu/pids resources computed here are not
// overridden by it. Agent-level configuration cannot reach it either.
func (m *Manager) buildSpec(agent herd.Agent, resolved herd.ResolvedDockerConfig, name string) (ContainerSpec, error) {
	mounts, env, err := m.buildMounts(agent, resolved)
	if err != nil {
		return ContainerSpec{}, err
	}

	containerUser := resolved.User
	if containerUser == "" {
		containerUser = currentUIDGID()
	}

	network := resolved.Network
	if network == "" {
		network = "bridge"
	}

	memory := memoryBytes(resolved.Memory)

	tmpfs := make(map[string]string, len(resolved.Tmpfs))
	for _, t := range resolved.Tmpfs {
		tmpfs[t] = ""
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelAgent:     agent.Name,
		labelEphemeral: strconv.FormatBool(resolved.Ephemeral),
	}
	for k, v := range resolved.Labels {
		labels[k] = v
	}

	return ContainerSpec{
		Name:            name,
		Image:           resolved.Image,
		Env:             env,
		WorkingDir:      containerWorkspacePath,
		Mounts:          mounts,
		NetworkMode:     network,
		User:            containerUser,
		Labels:          labels,
		Memory:          memory,
		MemorySwap:      memory, // swap capped to the memory value (§4.D)
		CPUShares:       resolved.CPUShares,
		CPUPeriod:       resolved.CPUPeriod,
		CPUQuota:        resolved.CPUQuota,
		PidsLimit:       resolved.PidsLimit,
		Tmpfs:           tmpfs,
		CapDropAll:      true,
		NoNewPrivileges: true,
	}, nil
}

// GetOrCreate returns a running container ready for Exec, reusing a
// cached persistent container for the agent when one exists, or creating
// one otherwise. Ephemeral containers are never cached.
func (m *Manager) GetOrCreate(ctx context.Context, agent herd.Agent, jobID string) (containerID string, ephemeral bool, err error) {
	resolved := m.ResolveConfig(agent)

	if err := m.client.EnsureImage(ctx, resolved.Image); err != nil {
		return "", false, err
	}

	if !resolved.Ephemeral {
		if id, ok := m.reuseCached(agent.Name); ok {
			return id, false, nil
		}
	}

	name := fmt.Sprintf("herdctl-%s-%s", agent.Name, jobID)
	spec, err := m.buildSpec(agent, resolved, name)
	if err != nil {
		return "", false, err
	}

	id, err := m.client.CreateContainer(ctx, spec)
	if err != nil {
		return "", false, err
	}
	if err := m.client.StartContainer(ctx, id); err != nil {
		return "", false, err
	}

	if resolved.Ephemeral {
		return id, true, nil
	}

	m.cache(agent.Name, id, resolved.MaxContainers)
	return id, false, nil
}

func (m *Manager) reuseCached(agentName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.containers[agentName]
	if len(records) == 0 {
		return "", false
	}
	return records[len(records)-1].id, true
}

// cache records a newly created persistent container and, when the
// agent's count exceeds maxContainers, forcibly removes the oldest ones
// (§4.D "Cleanup").
func (m *Manager) cache(agentName, id string, maxContainers int) {
	m.mu.Lock()
	m.containers[agentName] = append(m.containers[agentName], containerRecord{id: id, createdAt: time.Now()})
	sort.Slice(m.containers[agentName], func(i, j int) bool {
		return m.containers[agentName][i].createdAt.Before(m.containers[agentName][j].createdAt)
	})

	var evicted []string
	if maxContainers > 0 {
		for len(m.containers[agentName]) > maxContainers {
			evicted = append(evicted, m.containers[agentName][0].id)
			m.containers[agentName] = m.containers[agentName][1:]
		}
	}
	m.mu.Unlock()

	for _, evictedID := range evicted {
		m.removeBestEffort(evictedID)
	}
}

func (m *Manager) removeBestEffort(containerID string) {
	ctx := context.Background()
	if err := m.client.StopContainer(ctx, containerID, defaultStopTimeoutSeconds); err != nil {
		m.logger.Warn("failed to stop evicted container", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := m.client.RemoveContainer(ctx, containerID); err != nil {
		m.logger.Warn("failed to remove evicted container", zap.String("container_id", containerID), zap.Error(err))
	}
}

// Release disposes of a container used for one job: stopped and removed
// when ephemeral (triggering AutoRemove-equivalent cleanup), left running
// otherwise so it can be reused.
func (m *Manager) Release(ctx context.Context, containerID string, ephemeral bool) {
	if !ephemeral {
		return
	}
	if err := m.client.StopContainer(ctx, containerID, defaultStopTimeoutSeconds); err != nil {
		m.logger.Warn("failed to stop ephemeral container", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := m.client.RemoveContainer(ctx, containerID); err != nil {
		m.logger.Warn("failed to remove ephemeral container", zap.String("container_id", containerID), zap.Error(err))
	}
}

// StopAll stops and removes every container this manager owns, called on
// daemon shutdown (§4.D "Cleanup").
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	var all []string
	for _, records := range m.containers {
		for _, r := range records {
			all = append(all, r.id)
		}
	}
	m.containers = make(map[string][]containerRecord)
	m.mu.Unlock()

	for _, id := range all {
		m.removeBestEffort(id)
	}
}
