// Package schedule implements the cron/interval schedule engine (§4.F):
// idempotent "is due" decisions, last-run tracking, catch-up coalescing,
// and lexical tie-breaking among an agent's simultaneously due schedules.
package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/pathsafety"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/pkg/herd"
)

// Common errors.
var (
	ErrEngineAlreadyRunning = errors.New("schedule engine is already running")
	ErrEngineNotRunning     = errors.New("schedule engine is not running")
)

// cronParser matches the standard five-field form named in §4.F.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TriggerFunc is called once a schedule is determined due. It is expected
// to request a new job via the job lifecycle manager (§4.E) and return
// quickly; the engine does not wait for the job to complete.
type TriggerFunc func(ctx context.Context, agentName, scheduleName string, prompt string) error

// ConcurrencyFunc reports whether agentName has at least one more
// concurrency slot available, so the engine can tie-break among
// simultaneously-due schedules of the same agent (§4.F "Tie-breaks").
type ConcurrencyFunc func(agentName string) bool

// entry is one schedule being tracked, with its derived cron schedule
// pre-parsed so hot-path Next() calls never re-parse the expression.
type entry struct {
	agentName    string
	scheduleName string
	schedule     herd.Schedule
	cronSchedule cron.Schedule // nil for interval schedules
	lastRunAt    *time.Time
}

// Engine drives the tick loop over every registered schedule.
type Engine struct {
	store       *statestore.Store
	trigger     TriggerFunc
	hasCapacity ConcurrencyFunc
	tickEvery   time.Duration
	logger      *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry // key: agentName + "/" + scheduleName
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	startedAt time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithTickInterval overrides the default 1s tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tickEvery = d }
}

// NewEngine constructs a schedule engine. trigger is invoked whenever a
// schedule becomes due; hasCapacity gates simultaneous firings against an
// agent's concurrency limit.
func NewEngine(store *statestore.Store, trigger TriggerFunc, hasCapacity ConcurrencyFunc, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		trigger:     trigger,
		hasCapacity: hasCapacity,
		tickEvery:   time.Second,
		logger:      log.WithComponent("schedule"),
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func entryKey(agentName, scheduleName string) string {
	return agentName + "/" + scheduleName
}

// Register adds or updates one agent's schedule, loading any previously
// persisted last_run_at from the state store. Registering the same
// (agent, schedule) pair again (e.g. on config reload) preserves the
// in-memory last_run_at rather than resetting it.
func (e *Engine) Register(agentName, scheduleName string, sched herd.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := entryKey(agentName, scheduleName)
	if existing, ok := e.entries[key]; ok {
		var cronSchedule cron.Schedule
		if sched.IsCron() {
			parsed, err := cronParser.Parse(sched.Cron)
			if err != nil {
				return err
			}
			cronSchedule = parsed
		}
		existing.schedule = sched
		existing.cronSchedule = cronSchedule
		return nil
	}

	var cronSchedule cron.Schedule
	if sched.IsCron() {
		parsed, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return err
		}
		cronSchedule = parsed
	}

	lastRunAt := sched.LastRunAt
	if lastRunAt == nil {
		if persisted, err := e.loadPersistedLastRun(agentName, scheduleName); err == nil && persisted != nil {
			lastRunAt = persisted
		}
	}

	e.entries[key] = &entry{
		agentName:    agentName,
		scheduleName: scheduleName,
		schedule:     sched,
		cronSchedule: cronSchedule,
		lastRunAt:    lastRunAt,
	}
	return nil
}

// Unregister removes one agent's schedule from the engine.
func (e *Engine) Unregister(agentName, scheduleName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, entryKey(agentName, scheduleName))
}

type persistedScheduleState struct {
	LastRunAt map[string]time.Time `yaml:"last_run_at"`
}

func (e *Engine) loadPersistedLastRun(agentName, scheduleName string) (*time.Time, error) {
	path, err := e.store.ScheduleStateFilePath(agentName)
	if err != nil {
		return nil, err
	}
	var state persistedScheduleState
	if err := pathsafety.ReadYAML(path, &state); err != nil {
		return nil, err
	}
	if state.LastRunAt == nil {
		return nil, nil
	}
	if t, ok := state.LastRunAt[scheduleName]; ok {
		return &t, nil
	}
	return nil, nil
}

func (e *Engine) persistLastRun(agentName string) error {
	e.mu.Lock()
	state := persistedScheduleState{LastRunAt: make(map[string]time.Time)}
	for _, ent := range e.entries {
		if ent.agentName != agentName || ent.lastRunAt == nil {
			continue
		}
		state.LastRunAt[ent.scheduleName] = *ent.lastRunAt
	}
	e.mu.Unlock()

	path, err := e.store.ScheduleStateFilePath(agentName)
	if err != nil {
		return err
	}
	return pathsafety.AtomicWriteYAML(path, state)
}

// IsDue reports whether a schedule is due at now, given its reference
// point (last_run_at, or the daemon start time when null). This is the
// exact contract of §8 invariant 6 and the corrected algorithm from §4.F:
// for cron schedules, the next occurrence is computed from the reference
// point, never from now. It re-parses the cron expression on every call;
// the engine's tick loop instead uses the entry's cached cronSchedule via
// isDue.
func IsDue(sched herd.Schedule, referencePoint, now time.Time) (bool, error) {
	if sched.IsCron() {
		parsed, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return false, err
		}
		return !parsed.Next(referencePoint).After(now), nil
	}
	if sched.Interval <= 0 {
		return false, nil
	}
	return !now.Before(referencePoint.Add(sched.Interval)), nil
}

// isDue is the hot-path variant used by the tick loop: it reuses the
// entry's pre-parsed cron schedule instead of reparsing the expression
// every tick. Unlike the cron branch (which falls back to engineStart as
// its reference point when never run), an interval schedule with a nil
// lastRunAt is always due immediately (§4.F "always due when
// last_run_at is null (never run)") rather than waiting a full interval
// from the daemon's start time.
func (ent *entry) isDue(engineStart, now time.Time) bool {
	if ent.cronSchedule != nil {
		return !ent.cronSchedule.Next(ent.referencePoint(engineStart)).After(now)
	}
	if ent.schedule.Interval <= 0 {
		return false
	}
	if ent.lastRunAt == nil {
		return true
	}
	return !now.Before(ent.lastRunAt.Add(ent.schedule.Interval))
}

// Start begins the tick loop. Running it twice returns
// ErrEngineAlreadyRunning.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEngineAlreadyRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.tickLoop(ctx)
	return nil
}

// Stop halts the tick loop and waits for it to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.tick(ctx, now.UTC())
		}
	}
}

// tick evaluates every registered schedule once. Schedules of the same
// agent that are simultaneously due and would exceed the agent's
// concurrency are tie-broken by lexical schedule name order; the losers
// remain due and are reattempted on the next tick (§4.F).
func (e *Engine) tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	dueByAgent := make(map[string][]*entry)
	for _, ent := range e.entries {
		if !ent.schedule.Enabled {
			continue
		}
		if ent.isDue(e.startedAt, now) {
			dueByAgent[ent.agentName] = append(dueByAgent[ent.agentName], ent)
		}
	}
	e.mu.Unlock()

	for agentName, due := range dueByAgent {
		sort.Slice(due, func(i, j int) bool { return due[i].scheduleName < due[j].scheduleName })
		for _, ent := range due {
			if e.hasCapacity != nil && !e.hasCapacity(agentName) {
				e.logger.Debug("schedule due but agent at capacity, will retry next tick",
					zap.String("agent", agentName), zap.String("schedule", ent.scheduleName))
				continue
			}
			e.fire(ctx, ent, now)
		}
	}
}

func (e *Engine) fire(ctx context.Context, ent *entry, now time.Time) {
	if err := e.trigger(ctx, ent.agentName, ent.scheduleName, ent.schedule.Prompt); err != nil {
		e.logger.Error("schedule trigger failed",
			zap.String("agent", ent.agentName), zap.String("schedule", ent.scheduleName), zap.Error(err))
		return
	}

	e.mu.Lock()
	ent.lastRunAt = &now
	agentName := ent.agentName
	e.mu.Unlock()

	if err := e.persistLastRun(agentName); err != nil {
		e.logger.Warn("failed to persist schedule last_run_at",
			zap.String("agent", agentName), zap.Error(err))
	}
}

// referencePoint returns last_run_at, or the engine's start time when the
// schedule has never run (§4.F "Cron ... last_run_at (or the daemon
// start time when null)").
func (ent *entry) referencePoint(engineStart time.Time) time.Time {
	if ent.lastRunAt != nil {
		return *ent.lastRunAt
	}
	return engineStart
}
