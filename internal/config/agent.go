package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/pathsafety"
	"github.com/ikido/herdctl/pkg/herd"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${VAR} occurrence in raw with the value of
// the matching environment variable, leaving the placeholder untouched
// (rather than failing) when the variable is unset — unresolved
// references surface downstream as whatever the consuming field rejects,
// which keeps substitution a pure text transform independent of schema
// validation (§6 "${VAR} substitution ... resolved before schema
// validation").
func substituteEnv(raw []byte) []byte {
	return varPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := varPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// rawAgentDocument is the strict, structurally-restricted shape an agent
// YAML document decodes into. Using `yaml:",inline"`-free explicit fields
// (rather than a permissive map) means an unknown top-level key is a hard
// decode error from yaml.v3's KnownFields(true) mode, carrying the
// offending line number in its error text.
type rawAgentDocument struct {
	Name             string                 `yaml:"name"`
	Runtime          rawRuntime             `yaml:"runtime"`
	WorkingDirectory string                 `yaml:"working_directory"`
	Workspace        string                 `yaml:"workspace"` // deprecated alias, warns
	Permissions      rawPermissions         `yaml:"permissions"`
	MCPServers       map[string]herd.MCPServer `yaml:"mcp_servers"`
	SettingSources   []string               `yaml:"setting_sources"`
	SystemPrompt     string                 `yaml:"system_prompt"`
	DefaultPrompt    string                 `yaml:"default_prompt"`
	MaxTurns         int                    `yaml:"max_turns"`
	MetadataFile     string                 `yaml:"metadata_file"`
	Docker           herd.AgentDockerConfig `yaml:"docker"`
	Schedules        map[string]rawSchedule `yaml:"schedules"`
	Hooks            herd.Hooks             `yaml:"hooks"`
}

// rawRuntime accepts either a bare string ("sdk"/"cli") or an object with
// type+command, matching §6's `runtime` option.
type rawRuntime struct {
	Type    string `yaml:"type"`
	Command string `yaml:"command"`
}

func (r *rawRuntime) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Type = value.Value
		return nil
	}
	type plain rawRuntime
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = rawRuntime(p)
	return nil
}

type rawPermissions struct {
	Mode         string              `yaml:"mode"`
	AllowedTools []string            `yaml:"allowed_tools"`
	DeniedTools  []string            `yaml:"denied_tools"`
	Bash         herd.BashPermissions `yaml:"bash"`
}

type rawSchedule struct {
	Trigger string `yaml:"trigger"`
	Prompt  string `yaml:"prompt"`
	Enabled *bool  `yaml:"enabled"`
}

// cronFieldPattern is a loose shape check for a standard five-field cron
// expression; robfig/cron/v3's own parser is the authority on validity,
// this only distinguishes "looks like cron" from "is a duration".
var cronFieldPattern = regexp.MustCompile(`^\S+\s+\S+\s+\S+\s+\S+\s+\S+$`)

// ParseAgentDocument decodes one agent YAML document (after ${VAR}
// substitution) with strict unknown-field rejection, and validates it
// into a herd.Agent. It returns every violation found, not just the
// first (§7 "Validation errors list every violation").
func ParseAgentDocument(raw []byte, fleet FleetConfig) (*herd.Agent, error) {
	substituted := substituteEnv(raw)

	var doc rawAgentDocument
	dec := yaml.NewDecoder(bytes.NewReader(substituted))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &errs.ValidationError{Issues: []errs.ValidationIssue{
			{Path: "(document)", Message: err.Error()},
		}}
	}

	var issues []errs.ValidationIssue

	if !pathsafety.ValidIdentifier(doc.Name) {
		issues = append(issues, errs.ValidationIssue{
			Path:    "name",
			Message: fmt.Sprintf("agent name %q must match ^[A-Za-z0-9][A-Za-z0-9_-]*$", doc.Name),
		})
	}

	workDir := doc.WorkingDirectory
	if workDir == "" && doc.Workspace != "" {
		logger.Default().Warn(fmt.Sprintf("agent %q uses deprecated \"workspace\"; use \"working_directory\"", doc.Name))
		workDir = doc.Workspace
	}
	if workDir == "" {
		issues = append(issues, errs.ValidationIssue{Path: "working_directory", Message: "working_directory is required"})
	}

	runtimeKind := herd.RuntimeKind(doc.Runtime.Type)
	if runtimeKind == "" {
		runtimeKind = herd.RuntimeSDK
	}
	if runtimeKind != herd.RuntimeSDK && runtimeKind != herd.RuntimeCLI {
		issues = append(issues, errs.ValidationIssue{
			Path:    "runtime",
			Message: fmt.Sprintf("runtime must be \"sdk\" or \"cli\", got %q", runtimeKind),
		})
	}

	mode := herd.PermissionMode(doc.Permissions.Mode)
	if mode == "" {
		mode = herd.PermissionAcceptEdits
	}
	switch mode {
	case herd.PermissionDefault, herd.PermissionAcceptEdits, herd.PermissionBypassAll,
		herd.PermissionPlan, herd.PermissionDelegate, herd.PermissionDontAsk:
	default:
		issues = append(issues, errs.ValidationIssue{
			Path:    "permissions.mode",
			Message: fmt.Sprintf("unrecognized permission mode %q", mode),
		})
	}

	for _, src := range doc.SettingSources {
		if src != "project" && src != "local" {
			issues = append(issues, errs.ValidationIssue{
				Path:    "setting_sources",
				Message: fmt.Sprintf("setting source must be one of project, local; got %q", src),
			})
		}
	}

	schedules := make(map[string]herd.Schedule, len(doc.Schedules))
	for name, rs := range doc.Schedules {
		if !pathsafety.ValidIdentifier(name) {
			issues = append(issues, errs.ValidationIssue{
				Path:    fmt.Sprintf("schedules.%s", name),
				Message: fmt.Sprintf("schedule name %q must match ^[A-Za-z0-9][A-Za-z0-9_-]*$", name),
			})
			continue
		}

		sched := herd.Schedule{Name: name, Prompt: rs.Prompt, Enabled: true}
		if rs.Enabled != nil {
			sched.Enabled = *rs.Enabled
		}

		if d, err := time.ParseDuration(rs.Trigger); err == nil {
			if d <= 0 {
				issues = append(issues, errs.ValidationIssue{
					Path:    fmt.Sprintf("schedules.%s.trigger", name),
					Message: "interval trigger must be a positive duration",
				})
			}
			sched.Interval = d
		} else if cronFieldPattern.MatchString(strings.TrimSpace(rs.Trigger)) {
			sched.Cron = rs.Trigger
		} else {
			issues = append(issues, errs.ValidationIssue{
				Path:    fmt.Sprintf("schedules.%s.trigger", name),
				Message: fmt.Sprintf("trigger %q is neither a duration nor a five-field cron expression", rs.Trigger),
			})
		}

		schedules[name] = sched
	}

	if doc.Docker.Enabled && doc.Docker.MaxContainers < 0 {
		issues = append(issues, errs.ValidationIssue{
			Path:    "docker.max_containers",
			Message: "max_containers must not be negative",
		})
	}

	for name, server := range doc.MCPServers {
		if server.Embedded != "" && server.Embedded != "status" {
			issues = append(issues, errs.ValidationIssue{
				Path:    fmt.Sprintf("mcp_servers.%s.embedded", name),
				Message: fmt.Sprintf("unrecognized embedded server %q, only \"status\" is built in", server.Embedded),
			})
		}
	}

	if err := errs.NewValidationError(issues); err != nil {
		return nil, err
	}

	mcpServers := make(map[string]herd.MCPServer, len(doc.MCPServers))
	for name, server := range doc.MCPServers {
		server.Name = name
		mcpServers[name] = server
	}

	agent := &herd.Agent{
		Name:             doc.Name,
		Runtime:          herd.Runtime{Type: runtimeKind, Command: doc.Runtime.Command},
		Docker:           doc.Docker,
		WorkingDirectory: workDir,
		Permissions: herd.Permissions{
			Mode:         mode,
			AllowedTools: doc.Permissions.AllowedTools,
			DeniedTools:  doc.Permissions.DeniedTools,
			Bash:         doc.Permissions.Bash,
		},
		SystemPrompt:   doc.SystemPrompt,
		DefaultPrompt:  doc.DefaultPrompt,
		MCPServers:     mcpServers,
		SettingSources: doc.SettingSources,
		MaxTurns:       doc.MaxTurns,
		MetadataFile:   doc.MetadataFile,
		Schedules:      schedules,
		Hooks:          doc.Hooks,
	}

	return agent, nil
}
