// Package herd defines the fleet daemon's core domain types: Agent,
// Schedule, Job, SessionRecord, and OutputRecord.
package herd

import "time"

// RuntimeKind selects which runner implementation executes a job.
type RuntimeKind string

const (
	RuntimeSDK RuntimeKind = "sdk"
	RuntimeCLI RuntimeKind = "cli"
)

// PermissionMode controls how the runtime handles tool approval requests.
type PermissionMode string

const (
	PermissionDefault         PermissionMode = "default"
	PermissionAcceptEdits     PermissionMode = "acceptEdits"
	PermissionBypassAll       PermissionMode = "bypassPermissions"
	PermissionPlan            PermissionMode = "plan"
	PermissionDelegate        PermissionMode = "delegate"
	PermissionDontAsk         PermissionMode = "dontAsk"
)

// BashPermissions restricts the bash tool's arguments independently of
// the overall permission mode.
type BashPermissions struct {
	AllowedCommands []string `yaml:"allowed_commands,omitempty"`
	DeniedPatterns  []string `yaml:"denied_patterns,omitempty"`
}

// Permissions is the agent's permission configuration block.
type Permissions struct {
	Mode         PermissionMode  `yaml:"mode,omitempty"`
	AllowedTools []string        `yaml:"allowed_tools,omitempty"`
	DeniedTools  []string        `yaml:"denied_tools,omitempty"`
	Bash         BashPermissions `yaml:"bash,omitempty"`
}

// MCPServer describes one external-extension server an agent may use,
// launched via command+args+env, or reached over HTTP via URL. Name is
// populated from the mcp_servers map key during agent resolution, since
// the runtime interface carries servers as a flat slice.
// Embedded selects a built-in server by name instead of command/url —
// currently only "status" is recognized, resolved by the lifecycle
// manager to herdctl's own fleet-control MCP server (§4.L).
type MCPServer struct {
	Name     string            `yaml:"-"`
	Command  string            `yaml:"command,omitempty"`
	Args     []string          `yaml:"args,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	URL      string            `yaml:"url,omitempty"`
	Embedded string            `yaml:"embedded,omitempty"`
}

// HookBinding configures one side-effecting collaborator invoked on a
// terminal job event.
type HookBinding struct {
	Name            string   `yaml:"name"`
	When            string   `yaml:"when,omitempty"`
	OnEvents        []string `yaml:"on_events,omitempty"`
	ContinueOnError bool     `yaml:"continue_on_error"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

// Hooks groups the hook bindings an agent may register.
type Hooks struct {
	AfterRun []HookBinding `yaml:"after_run,omitempty"`
	OnError  []HookBinding `yaml:"on_error,omitempty"`
}

// Runtime selects sdk or cli, with an optional custom CLI command.
type Runtime struct {
	Type    RuntimeKind `yaml:"type,omitempty"`
	Command string      `yaml:"command,omitempty"`
}

// Agent is the resolved, immutable-for-the-duration-of-a-job configuration
// of one named LLM operator (§3).
type Agent struct {
	Name             string
	Runtime          Runtime
	Docker           AgentDockerConfig
	WorkingDirectory string
	Permissions      Permissions
	SystemPrompt     string
	DefaultPrompt    string
	MCPServers       map[string]MCPServer
	SettingSources   []string
	MaxTurns         int
	MetadataFile     string
	Schedules        map[string]Schedule
	Hooks            Hooks
}
