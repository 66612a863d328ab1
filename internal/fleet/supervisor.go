// Package fleet implements the fleet supervisor (§4.G): the top-level
// object that owns the resolved agent map, the schedule engine, the
// runtime factory, and the state store, and exposes the operations the
// CLI entrypoint and any connectors drive.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/eventbus"
	"github.com/ikido/herdctl/internal/lifecycle"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/schedule"
	"github.com/ikido/herdctl/internal/session"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/pkg/herd"
)

// Event types for the session lifecycle, to go alongside the job:*
// events already emitted by internal/lifecycle. The supervisor publishes
// session:resumed and session:cleared; session:created is not published.
const (
	EventSessionCreated = "session:created"
	EventSessionResumed = "session:resumed"
	EventSessionCleared = "session:cleared"

	eventSource = "fleet"
)

// AgentDefaults carries the fleet-wide per-agent limits a Supervisor
// applies uniformly, since agent documents do not currently override
// them individually.
type AgentDefaults struct {
	MaxConcurrent int
	Timeout       time.Duration
	SessionTTL    time.Duration
}

// Supervisor owns every resolved agent, the schedule engine, the job
// lifecycle manager, and the per-agent session managers.
type Supervisor struct {
	store     *statestore.Store
	lifecycle *lifecycle.Manager
	schedule  *schedule.Engine
	bus       eventbus.EventBus
	logger    *logger.Logger
	defaults  AgentDefaults

	mu       sync.RWMutex
	agents   map[string]herd.Agent
	sessions map[string]*session.Manager
}

// NewSupervisor wires together the components a running fleet needs: the
// state store, the job lifecycle manager, the event bus, the fleet-wide
// agent defaults and the logger. The schedule engine is built here, with
// the supervisor's own trigger and capacity callbacks.
func NewSupervisor(store *statestore.Store, lc *lifecycle.Manager, bus eventbus.EventBus, defaults AgentDefaults, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		store:     store,
		lifecycle: lc,
		bus:       bus,
		logger:    log.WithComponent("fleet"),
		defaults:  defaults,
		agents:    make(map[string]herd.Agent),
		sessions:  make(map[string]*session.Manager),
	}

	s.schedule = schedule.NewEngine(store, s.scheduleTrigger, s.hasCapacity, log)
	return s
}

// RegisterAgent adds a resolved agent to the fleet, creating its session
// manager and registering every enabled schedule it declares. Calling it
// again for the same agent name replaces the resolved agent in place
// (e.g. on config reload) without resetting its session state.
func (s *Supervisor) RegisterAgent(agent herd.Agent) error {
	s.mu.Lock()
	s.agents[agent.Name] = agent
	sm, ok := s.sessions[agent.Name]
	if !ok {
		sm = session.NewManager(agent.Name, s.store, s.defaults.SessionTTL, s.logger)
		s.sessions[agent.Name] = sm
	}
	s.mu.Unlock()

	s.lifecycle.RegisterSessionManager(agent.Name, sm)

	for name, sched := range agent.Schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.schedule.Register(agent.Name, name, sched); err != nil {
			return fmt.Errorf("registering schedule %q for agent %q: %w", name, agent.Name, err)
		}
	}
	return nil
}

// Start opens the schedule engine's tick loop and clears expired sessions
// across every registered agent (§4.G "start").
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.RLock()
	sessionManagers := make([]*session.Manager, 0, len(s.sessions))
	for _, sm := range s.sessions {
		sessionManagers = append(sessionManagers, sm)
	}
	s.mu.RUnlock()

	for _, sm := range sessionManagers {
		if _, err := sm.CleanupExpired(); err != nil {
			s.logger.Warn("failed to clean up expired sessions", zap.Error(err))
		}
	}

	return s.schedule.Start(ctx)
}

// Stop halts the schedule engine. Running jobs are cancelled individually
// by the caller via Cancel; Stop does not block on them (§4.G "stop").
func (s *Supervisor) Stop() error {
	return s.schedule.Stop()
}

// scheduleTrigger adapts the schedule engine's TriggerFunc signature to
// the lifecycle manager's create+execute pair, running execution in the
// background so the tick loop is never blocked on a job.
func (s *Supervisor) scheduleTrigger(ctx context.Context, agentName, scheduleName, prompt string) error {
	_, err := s.Trigger(context.Background(), agentName, scheduleName, prompt, agentName)
	return err
}

// hasCapacity reports whether agentName has at least one more running-job
// slot, consulted by the schedule engine to tie-break simultaneously due
// schedules (§4.F "Tie-breaks").
func (s *Supervisor) hasCapacity(agentName string) bool {
	limit := s.concurrencyLimit(agentName)
	if limit <= 0 {
		return true
	}
	return s.lifecycle.RunningCount(agentName) < limit
}

func (s *Supervisor) concurrencyLimit(agentName string) int {
	_ = agentName
	return s.defaults.MaxConcurrent
}

// Trigger synchronously creates a job for agentName and starts its
// execution asynchronously, returning the created job record immediately
// (§4.G "trigger"). scheduleName is TriggerManual or TriggerCLI for
// non-schedule callers. conversationKey identifies which session-manager
// entry to resume/persist against; by convention it is the agent name for
// schedule-triggered runs.
func (s *Supervisor) Trigger(ctx context.Context, agentName, scheduleName, prompt, conversationKey string) (herd.Job, error) {
	agent, ok := s.Agent(agentName)
	if !ok {
		return herd.Job{}, fmt.Errorf("unknown agent %q", agentName)
	}

	job, err := s.lifecycle.CreateJob(agent, scheduleName, s.concurrencyLimit(agentName))
	if err != nil {
		return herd.Job{}, err
	}

	go func() {
		_, execErr := s.lifecycle.ExecuteJob(context.Background(), agent, job, lifecycle.ExecuteOptions{
			Prompt:          prompt,
			ConversationKey: conversationKey,
			Timeout:         s.defaults.Timeout,
		})
		if execErr != nil {
			s.logger.Error("job execution failed", zap.String("job_id", job.ID), zap.Error(execErr))
		}
	}()

	return job, nil
}

// Cancel requests cancellation of a running job (§4.G "cancel").
func (s *Supervisor) Cancel(jobID string) bool {
	return s.lifecycle.Cancel(jobID)
}

// AgentStatus is one agent's snapshot for the status operation.
type AgentStatus struct {
	Name            string
	RunningJobs     int
	ConcurrentLimit int
}

// Status returns a snapshot of every registered agent, or just agentName
// when non-empty (§4.G "status").
func (s *Supervisor) Status(agentName string) []AgentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	if agentName != "" {
		if _, ok := s.agents[agentName]; ok {
			names = []string{agentName}
		}
	} else {
		for name := range s.agents {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	statuses := make([]AgentStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, AgentStatus{
			Name:            name,
			RunningJobs:     s.lifecycle.RunningCount(name),
			ConcurrentLimit: s.concurrencyLimit(name),
		})
	}
	return statuses
}

// GetJob reads one job's metadata from the state store.
func (s *Supervisor) GetJob(jobID string) (herd.Job, error) {
	return s.store.ReadJobMetadata(jobID)
}

// JobFilter narrows ListJobs to jobs matching every non-empty field.
type JobFilter struct {
	AgentName string
	Status    herd.JobStatus
}

// ListJobs returns every job matching filter, newest first.
func (s *Supervisor) ListJobs(filter JobFilter) ([]herd.Job, error) {
	ids, err := s.store.ListJobs()
	if err != nil {
		return nil, err
	}

	jobs := make([]herd.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.store.ReadJobMetadata(id)
		if err != nil {
			s.logger.Warn("skipping unreadable job metadata", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if filter.AgentName != "" && job.AgentName != filter.AgentName {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// GetJobFinalOutput returns the last non-partial assistant record's text
// for a job (§4.G "get_job_final_output").
func (s *Supervisor) GetJobFinalOutput(jobID string) (string, bool, error) {
	return s.lifecycle.GetFinalOutput(jobID)
}

// ReadOutput returns every output record for a job, in append order
// (§4.G "read_output").
func (s *Supervisor) ReadOutput(jobID string) ([]herd.OutputRecord, error) {
	records, _, err := s.store.ReadOutput(jobID, true)
	return records, err
}

// ListSessions returns every agent name carrying a session file
// (§4.G "list_sessions").
func (s *Supervisor) ListSessions() ([]string, error) {
	return s.store.ListSessions()
}

// ClearSession removes an agent's conversation-key mapping, used by
// connectors that want to force a fresh session on the next trigger.
func (s *Supervisor) ClearSession(agentName, conversationKey string) error {
	s.mu.RLock()
	sm, ok := s.sessions[agentName]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown agent %q", agentName)
	}
	if err := sm.Clear(conversationKey); err != nil {
		return err
	}
	s.publish(EventSessionCleared, map[string]interface{}{"agent": agentName})
	return nil
}

// ResumeSession looks up an agent's session record by conversation key
// (by convention, the agent name for schedule-triggered sessions), so a
// caller can hand its session id to a subsequent trigger (§4.G
// "resume_session").
func (s *Supervisor) ResumeSession(agentName, conversationKey string) (herd.SessionRecord, bool, error) {
	s.mu.RLock()
	sm, ok := s.sessions[agentName]
	s.mu.RUnlock()
	if !ok {
		return herd.SessionRecord{}, false, fmt.Errorf("unknown agent %q", agentName)
	}

	rec, found, err := sm.Get(conversationKey)
	if err != nil || !found {
		return rec, found, err
	}

	s.publish(EventSessionResumed, map[string]interface{}{"agent": agentName, "session_id": rec.SessionID})
	return rec, true, nil
}

// Agent returns the resolved agent by name.
func (s *Supervisor) Agent(name string) (herd.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[name]
	return agent, ok
}

func (s *Supervisor) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), eventType, eventbus.NewEvent(eventType, eventSource, data)); err != nil {
		s.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
