// Package lifecycle implements the job lifecycle manager (§4.E): job
// creation, execution against a runtime, output persistence, and the
// terminal-state classification that drives session persistence and
// event emission.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/eventbus"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/internal/session"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/internal/telemetry"
	"github.com/ikido/herdctl/pkg/herd"
)

// Event subject names and types published on the fleet event bus (§4.G).
const (
	EventJobCreated   = "job:created"
	EventJobStarted   = "job:started"
	EventJobMessage   = "job:message"
	EventJobCompleted = "job:completed"
	EventJobFailed    = "job:failed"
	EventJobCancelled = "job:cancelled"
	EventJobTimeout   = "job:timeout"

	eventSource = "lifecycle"
)

// Manager executes jobs against a runtime factory and persists their
// output and terminal state to the state store (§4.E).
type Manager struct {
	store    *statestore.Store
	factory  *runtime.Factory
	bus      eventbus.EventBus
	logger   *logger.Logger
	sessions map[string]*session.Manager

	mu                 sync.Mutex
	running            map[string]int
	cancels            map[string]context.CancelFunc
	extensionStatusURL string
}

// NewManager constructs a job lifecycle manager.
func NewManager(store *statestore.Store, factory *runtime.Factory, bus eventbus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		factory:  factory,
		bus:      bus,
		logger:   log.WithComponent("lifecycle"),
		sessions: make(map[string]*session.Manager),
		running:  make(map[string]int),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// RegisterSessionManager binds an agent's session manager so that
// ExecuteJob can resolve and persist its conversation sessions.
func (m *Manager) RegisterSessionManager(agentName string, sm *session.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[agentName] = sm
}

// SetExtensionStatusURL records the herdctl fleet-control MCP server's
// bound URL, resolving any agent's `mcp_servers` entry with
// `embedded: status` to it (§4.L). Called once, after the server binds
// its listener during daemon startup.
func (m *Manager) SetExtensionStatusURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensionStatusURL = url
}

func (m *Manager) resolveExtensionServers(servers map[string]herd.MCPServer) []herd.MCPServer {
	m.mu.Lock()
	statusURL := m.extensionStatusURL
	m.mu.Unlock()

	out := make([]herd.MCPServer, 0, len(servers))
	for _, server := range servers {
		if server.Embedded == "status" {
			if statusURL == "" {
				continue
			}
			out = append(out, herd.MCPServer{Name: server.Name, URL: statusURL})
			continue
		}
		out = append(out, server)
	}
	return out
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (m *Manager) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, eventbus.NewEvent(subject, eventSource, data)); err != nil {
		m.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// CreateJob writes a new job's pending metadata record, rejecting the
// request with a ConcurrencyLimitError if the agent already has
// maxConcurrent jobs running (§4.E "create_job").
func (m *Manager) CreateJob(agent herd.Agent, scheduleName string, maxConcurrent int) (herd.Job, error) {
	m.mu.Lock()
	running := m.running[agent.Name]
	m.mu.Unlock()

	if maxConcurrent > 0 && running >= maxConcurrent {
		return herd.Job{}, &errs.ConcurrencyLimitError{Agent: agent.Name, Limit: maxConcurrent, Running: running}
	}

	now := time.Now().UTC()
	job := herd.Job{
		ID:               statestore.NewJobID(now, randomSuffix()),
		AgentName:        agent.Name,
		ScheduleName:     scheduleName,
		Status:           herd.JobPending,
		CreatedAt:        now,
		WorkingDirectory: agent.WorkingDirectory,
	}

	if err := m.store.WriteJobMetadata(job); err != nil {
		return herd.Job{}, err
	}

	m.publish(context.Background(), EventJobCreated, map[string]interface{}{"job_id": job.ID, "agent": agent.Name})
	return job, nil
}

// ExecuteOptions carries the per-call overrides ExecuteJob needs beyond
// the agent and job records themselves.
type ExecuteOptions struct {
	Prompt          string
	ConversationKey string
	Timeout         time.Duration
}

// ExecuteJob transitions a pending job to running, drains its runtime's
// output stream into the job's output log, and classifies the terminal
// state (§4.E "execute_job").
func (m *Manager) ExecuteJob(ctx context.Context, agent herd.Agent, job herd.Job, opts ExecuteOptions) (resultJob herd.Job, resultErr error) {
	ctx, span := telemetry.TraceJobExecute(ctx, job.ID, agent.Name, job.ScheduleName)
	defer func() {
		telemetry.TraceJobResult(span, string(resultJob.Status), resultErr)
		span.End()
	}()

	rt, err := m.factory.For(agent)
	if err != nil {
		return m.failJob(job, errs.KindRuntimeInit, err.Error(), false)
	}

	resumeSessionID := ""
	if opts.ConversationKey != "" {
		if sm := m.sessionManagerFor(agent.Name); sm != nil {
			if rec, ok, rerr := sm.ResolveForWorkingDirectory(opts.ConversationKey, agent.WorkingDirectory); rerr == nil && ok {
				resumeSessionID = rec.SessionID
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
	}
	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.running[agent.Name]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, job.ID)
		m.running[agent.Name]--
		m.mu.Unlock()
		cancel()
	}()

	startedAt := time.Now().UTC()
	job.StartedAt = &startedAt
	job.Status = herd.JobRunning
	if err := m.store.WriteJobMetadata(job); err != nil {
		return job, err
	}
	m.publish(ctx, EventJobStarted, map[string]interface{}{"job_id": job.ID, "agent": agent.Name})

	extensionServers := m.resolveExtensionServers(agent.MCPServers)

	stream, err := rt.Execute(runCtx, runtime.Options{
		Prompt:           opts.Prompt,
		Agent:            agent,
		ResumeSessionID:  resumeSessionID,
		StateDir:         m.store.Root(),
		JobID:            job.ID,
		ExtensionServers: extensionServers,
	})
	if err != nil {
		return m.failJob(job, errs.KindRuntimeInit, err.Error(), false)
	}

	var (
		externalSessionID string
		lastErrorRecord   *herd.OutputRecord
		maxTurnsReached   bool
	)

	for rec := range stream {
		if err := m.store.AppendOutputRecord(job.ID, rec); err != nil {
			m.logger.Error("failed to append output record", zap.String("job_id", job.ID), zap.Error(err))
		}
		m.publish(ctx, EventJobMessage, map[string]interface{}{"job_id": job.ID, "type": string(rec.Type)})

		if rec.Type == herd.OutputSystem && rec.SessionID != "" {
			externalSessionID = rec.SessionID
		}
		if rec.Type == herd.OutputSystem && rec.Subtype == "max_turns" {
			maxTurnsReached = true
		}
		if rec.Type == herd.OutputError {
			recCopy := rec
			lastErrorRecord = &recCopy
		}
	}

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	switch {
	case runCtx.Err() == context.Canceled:
		job.Status = herd.JobCancelled
		job.ExitReason = herd.ExitCancelled
		if aerr := m.store.AppendOutputRecord(job.ID, herd.NewErrorRecord("job cancelled", "CANCELLED")); aerr != nil {
			m.logger.Error("failed to append cancellation record", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		m.publish(ctx, EventJobCancelled, map[string]interface{}{"job_id": job.ID, "agent": agent.Name})
	case runCtx.Err() == context.DeadlineExceeded:
		job.Status = herd.JobTimeout
		job.ExitReason = herd.ExitTimeout
		if aerr := m.store.AppendOutputRecord(job.ID, herd.NewErrorRecord("job timed out", "TIMEOUT")); aerr != nil {
			m.logger.Error("failed to append timeout record", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		m.publish(ctx, EventJobTimeout, map[string]interface{}{"job_id": job.ID, "agent": agent.Name})
	case lastErrorRecord != nil:
		job.Status = herd.JobFailed
		job.ExitReason = herd.ExitError
		job.Error = &herd.JobError{Kind: lastErrorRecord.Code, Message: lastErrorRecord.Message, Recoverable: false}
		m.publish(ctx, EventJobFailed, map[string]interface{}{"job_id": job.ID, "agent": agent.Name, "error": lastErrorRecord.Message})
	default:
		job.Status = herd.JobCompleted
		job.ExitReason = herd.ExitSuccess
		if maxTurnsReached {
			job.ExitReason = herd.ExitMaxTurns
		}
		job.SessionID = externalSessionID
		if opts.ConversationKey != "" && externalSessionID != "" {
			if sm := m.sessionManagerFor(agent.Name); sm != nil {
				if serr := sm.Set(opts.ConversationKey, externalSessionID, agent.WorkingDirectory); serr != nil {
					m.logger.Warn("failed to persist session on completion", zap.String("job_id", job.ID), zap.Error(serr))
				}
			}
		}
		m.publish(ctx, EventJobCompleted, map[string]interface{}{"job_id": job.ID, "agent": agent.Name})
	}

	if err := m.store.WriteJobMetadata(job); err != nil {
		return job, err
	}
	return job, nil
}

func (m *Manager) failJob(job herd.Job, kind errs.Kind, message string, recoverable bool) (herd.Job, error) {
	completedAt := time.Now().UTC()
	job.Status = herd.JobFailed
	job.ExitReason = herd.ExitError
	job.CompletedAt = &completedAt
	job.Error = &herd.JobError{Kind: string(kind), Message: message, Recoverable: recoverable}
	if err := m.store.WriteJobMetadata(job); err != nil {
		return job, err
	}
	m.publish(context.Background(), EventJobFailed, map[string]interface{}{"job_id": job.ID, "error": message})
	return job, nil
}

func (m *Manager) sessionManagerFor(agentName string) *session.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[agentName]
}

// Cancel signals cancellation for a running job. Best-effort: the
// underlying process may take time to exit (§4.G "cancel").
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// RunningCount returns the number of currently running jobs for an agent.
func (m *Manager) RunningCount(agentName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[agentName]
}

// GetFinalOutput returns the last non-partial assistant record's text for
// a job, matching §4.E "Final-output extraction".
func (m *Manager) GetFinalOutput(jobID string) (string, bool, error) {
	records, _, err := m.store.ReadOutput(jobID, true)
	if err != nil {
		return "", false, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].IsFinalAssistantCandidate() {
			return records[i].Text, true, nil
		}
	}
	return "", false, nil
}
