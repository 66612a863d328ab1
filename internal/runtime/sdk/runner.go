// Package sdk implements the in-process LLM SDK runtime (§4.C): it is the
// only component that imports the agent SDK, translating its streaming
// session notifications one-for-one into OutputRecord variants.
package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/pkg/herd"
)

// AgentCommand is the subprocess the SDK connection drives over stdio
// JSON-RPC. Unlike the CLI runner, the SDK runner owns the protocol
// handshake (initialize/new_session/prompt) rather than shelling out to a
// `-p` invocation.
var AgentCommand = []string{"claude", "--acp"}

// Runner drives one agent subprocess per job through the ACP SDK,
// translating session notifications into OutputRecords (§4.C "SDK
// runner").
type Runner struct {
	logger *logger.Logger
}

// NewRunner constructs the SDK runtime.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{logger: log.WithComponent("runtime.sdk")}
}

var _ runtime.Runtime = (*Runner)(nil)

// permissionPolicy maps an agent's configured mode to an auto-decision
// over incoming permission requests (§6 "mode names and their effects are
// fixed").
func permissionPolicy(mode herd.PermissionMode, req acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	if len(req.Options) == 0 {
		return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}}}
	}

	switch mode {
	case herd.PermissionBypassAll, herd.PermissionAcceptEdits, herd.PermissionDontAsk:
		for i := range req.Options {
			if req.Options[i].Kind == acp.PermissionOptionKindAllowOnce || req.Options[i].Kind == acp.PermissionOptionKindAllowAlways {
				return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{
					Selected: &acp.RequestPermissionOutcomeSelected{OptionId: req.Options[i].OptionId},
				}}
			}
		}
		return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: req.Options[0].OptionId},
		}}
	default:
		// default / plan / delegate: cancel rather than silently approve.
		return acp.RequestPermissionResponse{Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}}}
	}
}

// sessionClient implements acp.Client, translating every callback into an
// OutputRecord pushed onto send.
type sessionClient struct {
	logger *logger.Logger
	mode   herd.PermissionMode
	send   func(herd.OutputRecord)
}

func (c *sessionClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	return permissionPolicy(c.mode, p), nil
}

func (c *sessionClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			c.send(herd.NewAssistantRecord(u.AgentMessageChunk.Content.Text.Text, true, nil))
		}
	case u.ToolCall != nil:
		c.send(herd.NewToolUseRecord(u.ToolCall.Title, string(u.ToolCall.ToolCallId), nil))
	case u.ToolCallUpdate != nil:
		status := string(u.ToolCallUpdate.Status)
		success := status != "failed" && status != "error"
		c.send(herd.NewToolResultRecord(string(u.ToolCallUpdate.ToolCallId), nil, success, ""))
	case u.Plan != nil:
		c.send(herd.NewSystemRecord("plan"))
	}
	return nil
}

func (c *sessionClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, fmt.Errorf("read_text_file not supported")
}

func (c *sessionClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("write_text_file not supported")
}

func (c *sessionClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal support not implemented")
}

func (c *sessionClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *sessionClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal support not implemented")
}

func (c *sessionClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *sessionClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal support not implemented")
}

var _ acp.Client = (*sessionClient)(nil)

// toACPMcpServers translates an agent's configured extension servers into
// the ACP wire shape: process-backed servers become Stdio entries, URL-backed
// servers become Sse entries (§6 "process via command+args+env, or HTTP via
// url"). Mirrors the teacher's adapter-layer translation in
// server/adapter/acp_adapter.go, generalized from its single Kandev-owned
// server to an arbitrary configured set.
func toACPMcpServers(servers []herd.MCPServer) []acp.McpServer {
	if len(servers) == 0 {
		return []acp.McpServer{}
	}
	out := make([]acp.McpServer, 0, len(servers))
	for _, server := range servers {
		if server.URL != "" {
			out = append(out, acp.McpServer{
				Sse: &acp.McpServerSse{
					Name:    server.Name,
					Url:     server.URL,
					Type:    "sse",
					Headers: []acp.HttpHeader{},
				},
			})
			continue
		}
		out = append(out, acp.McpServer{
			Stdio: &acp.McpServerStdio{
				Name:    server.Name,
				Command: server.Command,
				Args:    append([]string{}, server.Args...),
			},
		})
	}
	return out
}

// Execute spawns the agent subprocess, establishes an ACP connection,
// resolves (or resumes) a session, and streams the prompt's response.
func (r *Runner) Execute(ctx context.Context, opts runtime.Options) (<-chan herd.OutputRecord, error) {
	if len(AgentCommand) == 0 {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "no sdk agent command configured", false, nil)
	}

	cmd := exec.CommandContext(ctx, AgentCommand[0], AgentCommand[1:]...)
	cmd.Dir = opts.Agent.WorkingDirectory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to open sdk agent stdin: "+err.Error(), false, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to open sdk agent stdout: "+err.Error(), false, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to start sdk agent: "+err.Error(), false, err)
	}

	out := make(chan herd.OutputRecord)
	var sendMu sync.Mutex
	send := func(rec herd.OutputRecord) {
		sendMu.Lock()
		defer sendMu.Unlock()
		select {
		case out <- rec:
		case <-ctx.Done():
		}
	}

	client := &sessionClient{logger: r.logger, mode: opts.Agent.Permissions.Mode, send: send}
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default().With("component", "herdctl-sdk-conn"))

	go func() {
		defer close(out)
		defer func() { _ = cmd.Process.Kill() }()

		if _, err := conn.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.ProtocolVersionNumber}); err != nil {
			send(herd.NewErrorRecord("sdk initialize failed: "+err.Error(), string(errs.KindRuntimeInit)))
			return
		}
		send(herd.NewSystemRecord("init"))

		mcpServers := toACPMcpServers(opts.ExtensionServers)

		sessionID := acp.SessionId(opts.ResumeSessionID)
		if sessionID == "" {
			resp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: opts.Agent.WorkingDirectory, McpServers: mcpServers})
			if err != nil {
				send(herd.NewErrorRecord("sdk new_session failed: "+err.Error(), string(errs.KindRuntimeInit)))
				return
			}
			sessionID = resp.SessionId
			send(herd.NewSessionSystemRecord("session_created", string(sessionID)))
		} else {
			send(herd.NewSessionSystemRecord("session_resumed", string(sessionID)))
		}

		resp, err := conn.Prompt(ctx, acp.PromptRequest{SessionId: sessionID, Prompt: []acp.ContentBlock{acp.TextBlock(opts.Prompt)}})
		if err != nil {
			if ctx.Err() != nil {
				send(herd.NewErrorRecord("cancelled", string(errs.KindCancelled)))
				return
			}
			send(herd.NewErrorRecord("sdk prompt failed: "+err.Error(), string(errs.KindRuntimeStreaming)))
			return
		}

		send(herd.NewAssistantRecord("", false, nil))
		r.logger.Debug("sdk prompt completed", zap.String("stop_reason", string(resp.StopReason)), zap.String("session_id", string(sessionID)))
	}()

	return out, nil
}
