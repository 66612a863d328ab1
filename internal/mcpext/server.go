// Package mcpext hosts herdctl's own built-in MCP server: a set of
// fleet-control tools (list agents, inspect jobs, trigger a run, cancel a
// run) backed directly by the fleet supervisor, exposed over the
// Streamable HTTP transport so any agent's mcp_servers configuration can
// point at it (§6 "mcp_servers ... HTTP via url"). This is the one
// "meta" extension server herdctl ships itself, grounded on the teacher's
// internal/mcpserver package, generalized from Kandev's task-board tools
// to fleet operations.
package mcpext

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/fleet"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/pkg/herd"
)

// Config holds the fleet-control MCP server's listen configuration.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":8787". An empty Addr
	// picks an ephemeral port, discoverable afterward via Addr().
	Addr string
}

// Server wraps a Streamable HTTP MCP server exposing fleet-control tools.
type Server struct {
	supervisor *fleet.Supervisor
	cfg        Config
	logger     *logger.Logger

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	listener   net.Listener
}

// New builds a fleet-control MCP server bound to supervisor. It does not
// start listening until Start is called.
func New(supervisor *fleet.Supervisor, cfg Config, log *logger.Logger) *Server {
	return &Server{
		supervisor: supervisor,
		cfg:        cfg,
		logger:     log.WithComponent("mcpext"),
	}
}

// Start begins listening and serving, returning once the listener is
// bound (not once the server has stopped).
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcpext server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("herdctl-fleet", "1.0.0", server.WithToolCapabilities(true))
	s.registerTools(mcpServer)

	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	addr := s.cfg.Addr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcpext: listen on %q: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: streamable}
	s.running = true
	s.mu.Unlock()

	go func() {
		s.logger.Info("fleet-control mcp server listening", zap.String("addr", listener.Addr().String()))
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("mcpext server error", zap.Error(serveErr))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	return nil
}

// Addr returns the bound listener address, valid only after Start returns
// successfully.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down; a no-op if it was never started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	running := s.running
	s.mu.Unlock()
	if !running || httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func stringToStatus(s string) herd.JobStatus {
	return herd.JobStatus(s)
}

func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("list_agents",
			mcp.WithDescription("List every agent registered in the fleet and its running-job count."),
		),
		s.listAgentsHandler(),
	)

	m.AddTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List jobs, optionally filtered by agent name and/or status."),
			mcp.WithString("agent_name", mcp.Description("Restrict to this agent")),
			mcp.WithString("status", mcp.Description("Restrict to this status: pending, running, completed, failed, timeout, cancelled")),
		),
		s.listJobsHandler(),
	)

	m.AddTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Fetch one job's metadata by id."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id")),
		),
		s.getJobHandler(),
	)

	m.AddTool(
		mcp.NewTool("get_job_output",
			mcp.WithDescription("Fetch a job's final assistant output, if it has completed."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id")),
		),
		s.getJobOutputHandler(),
	)

	m.AddTool(
		mcp.NewTool("trigger_agent",
			mcp.WithDescription("Trigger a new job for an agent with a prompt."),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("The agent to trigger")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The prompt to run")),
		),
		s.triggerAgentHandler(),
	)

	m.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Request cancellation of a running job. Best-effort."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id")),
		),
		s.cancelJobHandler(),
	)

	// The two tools an agent's own `embedded: status` mcp_servers entry
	// resolves to (§4.L): a read-only view of the job that's running it
	// and the agent it belongs to, without shelling out to the fleet.
	m.AddTool(
		mcp.NewTool("herdctl_job_status",
			mcp.WithDescription("Fetch the status of one job by id."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job id")),
		),
		s.getJobHandler(),
	)

	m.AddTool(
		mcp.NewTool("herdctl_agent_info",
			mcp.WithDescription("Fetch one agent's running-job count and concurrency limit."),
			mcp.WithString("agent_name", mcp.Required(), mcp.Description("The agent name")),
		),
		s.agentInfoHandler(),
	)
}

func (s *Server) agentInfoHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentName, err := req.RequireString("agent_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(s.supervisor.Status(agentName)), nil
	}
}

func (s *Server) listAgentsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(s.supervisor.Status("")), nil
	}
}

func (s *Server) listJobsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filter := fleet.JobFilter{
			AgentName: req.GetString("agent_name", ""),
		}
		if status := req.GetString("status", ""); status != "" {
			filter.Status = stringToStatus(status)
		}
		jobs, err := s.supervisor.ListJobs(filter)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(jobs), nil
	}
}

func (s *Server) getJobHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		job, err := s.supervisor.GetJob(jobID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return textResult(job), nil
	}
}

func (s *Server) getJobOutputHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, ok, err := s.supervisor.GetJobFinalOutput(jobID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !ok {
			return mcp.NewToolResultText("no final assistant output yet"), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func (s *Server) triggerAgentHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentName, err := req.RequireString("agent_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		const conversationKeyPrefix = "mcpext:"
		job, terr := s.supervisor.Trigger(ctx, agentName, "manual", prompt, conversationKeyPrefix+agentName)
		if terr != nil {
			return mcp.NewToolResultError(terr.Error()), nil
		}
		return textResult(job), nil
	}
}

func (s *Server) cancelJobHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		ok := s.supervisor.Cancel(jobID)
		return textResult(map[string]bool{"cancelled": ok}), nil
	}
}
