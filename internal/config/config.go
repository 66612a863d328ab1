// Package config loads the fleet-level daemon configuration and the
// per-agent configuration documents it supervises.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ikido/herdctl/pkg/herd"
)

// LoggingConfig mirrors the structured logger's own configuration surface so
// the fleet config can be unmarshalled in one pass.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// NATSConfig configures the optional NATS-backed event bus. An empty URL
// means the fleet supervisor falls back to the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig carries the event-bus namespace setting. The namespace is
// loaded but not applied: published subjects carry no prefix.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// DockerDefaults holds the fleet-wide defaults the container runner merges
// with an agent's restricted per-agent subset (§4.D). Only fields reachable
// from this struct may ever be set outside the fleet config file.
type DockerDefaults struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	APIVersion     string   `mapstructure:"apiVersion"`
	Image          string   `mapstructure:"image"`
	Network        string   `mapstructure:"network"`
	Volumes        []string `mapstructure:"volumes"`
	User           string   `mapstructure:"user"`
	Ports          []string `mapstructure:"ports"`
	Env            []string `mapstructure:"env"`
	Memory         string   `mapstructure:"memory"`
	CPUShares      int64    `mapstructure:"cpuShares"`
	CPUPeriod      int64    `mapstructure:"cpuPeriod"`
	CPUQuota       int64    `mapstructure:"cpuQuota"`
	PidsLimit      int64    `mapstructure:"pidsLimit"`
	MaxContainers  int      `mapstructure:"maxContainers"`
	WorkspaceMode  string   `mapstructure:"workspaceMode"`
	VolumeBasePath string   `mapstructure:"volumeBasePath"`

	Labels     map[string]string      `mapstructure:"labels"`
	Tmpfs      []string               `mapstructure:"tmpfs"`
	HostConfig map[string]interface{} `mapstructure:"hostConfig"`
}

// TelemetryConfig selects the OpenTelemetry exporter. An empty endpoint
// keeps the no-op tracer provider (§4.M).
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// AgentDefaults sets the fleet-wide per-agent limits applied when an agent
// document does not override them.
type AgentDefaults struct {
	MaxConcurrent int           `mapstructure:"maxConcurrent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SessionTTL    time.Duration `mapstructure:"sessionTtl"`
}

// MCPConfig configures herdctl's own built-in fleet-control MCP server
// (§4.L). It always starts; Addr defaults to an ephemeral loopback port
// so `embedded: status` mcp_servers entries always resolve to something.
type MCPConfig struct {
	Addr string `mapstructure:"addr"`
}

// FleetConfig is the daemon-level document loaded at startup. It is
// deliberately small: the bulk of per-agent behavior lives in agent
// documents decoded separately by ParseAgentDocument (via LoadAgentsDir).
type FleetConfig struct {
	StateDir  string          `mapstructure:"stateDir"`
	AgentsDir string          `mapstructure:"agentsDir"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerDefaults  `mapstructure:"docker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agent     AgentDefaults   `mapstructure:"agent"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

// detectDefaultLogFormat returns "json" when running under an orchestrator
// or an explicit production environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HERDCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// DefaultDockerHost returns the platform-appropriate Docker socket path,
// honoring the standard DOCKER_HOST override.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".herdctl"
	}
	return filepath.Join(home, ".herdctl")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("stateDir", defaultStateDir())
	v.SetDefault("agentsDir", "agents")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "herdctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.43")
	v.SetDefault("docker.image", "anthropic/claude-code:latest")
	v.SetDefault("docker.network", "bridge")
	v.SetDefault("docker.memory", "2g")
	v.SetDefault("docker.cpuShares", 0)
	v.SetDefault("docker.pidsLimit", 0)
	v.SetDefault("docker.maxContainers", 4)
	v.SetDefault("docker.workspaceMode", "rw")

	v.SetDefault("telemetry.otlpEndpoint", "")
	v.SetDefault("telemetry.serviceName", "herdctl")

	v.SetDefault("mcp.addr", "127.0.0.1:0")

	v.SetDefault("agent.maxConcurrent", 3)
	v.SetDefault("agent.timeout", 30*time.Minute)
	v.SetDefault("agent.sessionTtl", 24*time.Hour)
}

// Load reads the fleet configuration from default locations.
func Load() (*FleetConfig, error) {
	return LoadWithPath("")
}

// LoadWithPath reads the fleet configuration from configPath (a directory
// or a direct file path) or, when empty, from the current directory and
// /etc/herdctl/.
func LoadWithPath(configPath string) (*FleetConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HERDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("stateDir", "HERDCTL_STATE_DIR")
	_ = v.BindEnv("logging.level", "HERDCTL_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "HERDCTL_LOG_FORMAT")
	_ = v.BindEnv("nats.url", "HERDCTL_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/herdctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg FleetConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadAgentsDir parses every *.yaml/*.yml file directly under dir as an
// agent document, returning one resolved herd.Agent per file. A file
// that fails to parse aborts the whole load with that file's error,
// since a partially-loaded fleet is worse than a fleet that refuses to
// start.
func LoadAgentsDir(dir string, fleet FleetConfig) ([]herd.Agent, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading agents directory %q: %w", dir, err)
	}

	var agents []herd.Agent
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading agent document %q: %w", path, err)
		}
		agent, err := ParseAgentDocument(raw, fleet)
		if err != nil {
			return nil, fmt.Errorf("parsing agent document %q: %w", path, err)
		}
		agents = append(agents, *agent)
	}
	return agents, nil
}

func validate(cfg *FleetConfig) error {
	var errs []string

	if cfg.StateDir == "" {
		errs = append(errs, "stateDir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Agent.MaxConcurrent <= 0 {
		errs = append(errs, "agent.maxConcurrent must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
