package herd

// AgentDockerConfig is the safe, agent-level subset of Docker
// configuration (§6 "Docker configuration tiers"). It structurally
// cannot carry the fleet-only fields (image, network, volumes, user,
// ports, env, host_config) — there is no field for them, so a document
// that sets one fails strict YAML decoding rather than a runtime check.
type AgentDockerConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Ephemeral     bool     `yaml:"ephemeral"`
	Memory        string   `yaml:"memory,omitempty"`
	CPUShares     int64    `yaml:"cpu_shares,omitempty"`
	CPUPeriod     int64    `yaml:"cpu_period,omitempty"`
	CPUQuota      int64    `yaml:"cpu_quota,omitempty"`
	MaxContainers int      `yaml:"max_containers,omitempty"`
	WorkspaceMode string   `yaml:"workspace_mode,omitempty"`
	Tmpfs         []string `yaml:"tmpfs,omitempty"`
	PidsLimit     int64    `yaml:"pids_limit,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
}

// FleetDockerConfig is the full fleet-level tier: the agent-level subset
// plus the fields only the fleet operator may set.
type FleetDockerConfig struct {
	AgentDockerConfig `yaml:",inline"`

	Image      string            `yaml:"image,omitempty"`
	Network    string            `yaml:"network,omitempty"`
	Volumes    []string          `yaml:"volumes,omitempty"`
	User       string            `yaml:"user,omitempty"`
	Ports      []string          `yaml:"ports,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	HostConfig map[string]interface{} `yaml:"host_config,omitempty"`
}

// ResolvedDockerConfig is the final, merged configuration the container
// runner acts on for one job: fleet defaults overridden field-by-field by
// the agent's safe subset.
type ResolvedDockerConfig struct {
	Enabled       bool
	Ephemeral     bool
	Image         string
	Network       string
	Volumes       []string
	User          string
	Ports         []string
	Env           map[string]string
	Memory        string
	CPUShares     int64
	CPUPeriod     int64
	CPUQuota      int64
	MaxContainers int
	WorkspaceMode string
	Tmpfs         []string
	PidsLimit     int64
	Labels        map[string]string
	HostConfig    map[string]interface{}
}

// Merge layers the agent's safe subset over the fleet defaults, returning
// the resolved configuration the container runner uses for one job.
func (f FleetDockerConfig) Merge(agent AgentDockerConfig) ResolvedDockerConfig {
	r := ResolvedDockerConfig{
		Enabled:       f.Enabled,
		Ephemeral:     f.Ephemeral,
		Image:         f.Image,
		Network:       f.Network,
		Volumes:       f.Volumes,
		User:          f.User,
		Ports:         f.Ports,
		Env:           f.Env,
		Memory:        f.Memory,
		CPUShares:     f.CPUShares,
		CPUPeriod:     f.CPUPeriod,
		CPUQuota:      f.CPUQuota,
		MaxContainers: f.MaxContainers,
		WorkspaceMode: f.WorkspaceMode,
		Tmpfs:         f.Tmpfs,
		PidsLimit:     f.PidsLimit,
		Labels:        f.Labels,
		HostConfig:    f.HostConfig,
	}

	r.Enabled = agent.Enabled
	r.Ephemeral = agent.Ephemeral
	if agent.Memory != "" {
		r.Memory = agent.Memory
	}
	if agent.CPUShares != 0 {
		r.CPUShares = agent.CPUShares
	}
	if agent.CPUPeriod != 0 {
		r.CPUPeriod = agent.CPUPeriod
	}
	if agent.CPUQuota != 0 {
		r.CPUQuota = agent.CPUQuota
	}
	if agent.MaxContainers != 0 {
		r.MaxContainers = agent.MaxContainers
	}
	if agent.WorkspaceMode != "" {
		r.WorkspaceMode = agent.WorkspaceMode
	}
	if len(agent.Tmpfs) > 0 {
		r.Tmpfs = agent.Tmpfs
	}
	if agent.PidsLimit != 0 {
		r.PidsLimit = agent.PidsLimit
	}
	if len(agent.Labels) > 0 {
		r.Labels = agent.Labels
	}

	return r
}
