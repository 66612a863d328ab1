package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/pkg/herd"
)

func newTestEngine(t *testing.T, trigger TriggerFunc, hasCapacity ConcurrencyFunc) (*Engine, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return NewEngine(store, trigger, hasCapacity, logger.Default(), WithTickInterval(5*time.Millisecond)), store
}

func TestIsDueIntervalElapsedSinceReference(t *testing.T) {
	sched := herd.Schedule{Name: "poll", Interval: time.Hour}
	now := time.Now().UTC()

	due, err := IsDue(sched, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDueIntervalNotYet(t *testing.T) {
	sched := herd.Schedule{Name: "poll", Interval: time.Hour}
	now := time.Now().UTC()

	due, err := IsDue(sched, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestIsDueCronComputesFromReferenceNotNow(t *testing.T) {
	sched := herd.Schedule{Name: "hourly", Cron: "0 * * * *"}

	reference := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC)

	due, err := IsDue(sched, reference, now)
	require.NoError(t, err)
	assert.True(t, due, "next occurrence after reference (01:00) has passed now (01:30)")
}

func TestIsDueCronNotYetDue(t *testing.T) {
	sched := herd.Schedule{Name: "hourly", Cron: "0 * * * *"}

	reference := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 1, 30, 0, 0, time.UTC)

	due, err := IsDue(sched, reference, now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestEntryIsDueIntervalNeverRunFiresImmediately(t *testing.T) {
	ent := &entry{
		agentName: "release-notes", scheduleName: "weekly",
		schedule: herd.Schedule{Name: "weekly", Interval: 7 * 24 * time.Hour, Enabled: true},
	}

	now := time.Now().UTC()
	assert.True(t, ent.isDue(now, now), "a never-run interval schedule is due immediately, not after a full interval from engine start")
}

func TestEngineFiresOnFirstTickForLongIntervalNeverRun(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	trigger := func(ctx context.Context, agentName, scheduleName, prompt string) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, agentName+"/"+scheduleName)
		return nil
	}
	alwaysCapacity := func(agentName string) bool { return true }

	engine, _ := newTestEngine(t, trigger, alwaysCapacity)
	require.NoError(t, engine.Register("release-notes", "weekly", herd.Schedule{
		Name: "weekly", Interval: 7 * 24 * time.Hour, Enabled: true,
	}))

	engine.mu.Lock()
	engine.startedAt = time.Now().UTC()
	engine.mu.Unlock()

	engine.tick(context.Background(), time.Now().UTC())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1, "a never-run schedule with a long interval must fire on the very first tick")
	assert.Equal(t, "release-notes/weekly", fired[0])
}

func TestEngineFiresAndPersistsLastRunAt(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	trigger := func(ctx context.Context, agentName, scheduleName, prompt string) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, agentName+"/"+scheduleName)
		return nil
	}
	alwaysCapacity := func(agentName string) bool { return true }

	engine, store := newTestEngine(t, trigger, alwaysCapacity)
	require.NoError(t, engine.Register("release-notes", "nightly", herd.Schedule{
		Name: "nightly", Interval: time.Millisecond, Enabled: true, Prompt: "summarize",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Stop())

	path, err := store.ScheduleStateFilePath("release-notes")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestEngineFiresNothingWhenAgentHasNoCapacity(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	trigger := func(ctx context.Context, agentName, scheduleName, prompt string) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, scheduleName)
		return nil
	}
	noCapacity := func(agentName string) bool { return false }

	engine, _ := newTestEngine(t, trigger, noCapacity)
	require.NoError(t, engine.Register("release-notes", "zebra", herd.Schedule{
		Name: "zebra", Interval: time.Millisecond, Enabled: true,
	}))
	require.NoError(t, engine.Register("release-notes", "alpha", herd.Schedule{
		Name: "alpha", Interval: time.Millisecond, Enabled: true,
	}))

	engine.tick(context.Background(), time.Now().UTC())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, fired, "no capacity means neither schedule fires this tick")
}

func TestEngineStartTwiceReturnsAlreadyRunning(t *testing.T) {
	engine, _ := newTestEngine(t, func(context.Context, string, string, string) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	assert.ErrorIs(t, engine.Start(ctx), ErrEngineAlreadyRunning)
}

func TestEngineStopTwiceReturnsNotRunning(t *testing.T) {
	engine, _ := newTestEngine(t, func(context.Context, string, string, string) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Stop())

	assert.ErrorIs(t, engine.Stop(), ErrEngineNotRunning)
}

func TestEngineRegisterPreservesLastRunAtOnReregister(t *testing.T) {
	engine, _ := newTestEngine(t, func(context.Context, string, string, string) error { return nil }, nil)

	require.NoError(t, engine.Register("release-notes", "nightly", herd.Schedule{
		Name: "nightly", Interval: time.Hour, Enabled: true,
	}))

	now := time.Now().UTC()
	engine.mu.Lock()
	engine.entries["release-notes/nightly"].lastRunAt = &now
	engine.mu.Unlock()

	require.NoError(t, engine.Register("release-notes", "nightly", herd.Schedule{
		Name: "nightly", Interval: 2 * time.Hour, Enabled: true,
	}))

	engine.mu.Lock()
	got := engine.entries["release-notes/nightly"].lastRunAt
	engine.mu.Unlock()

	require.NotNil(t, got)
	assert.Equal(t, now, *got)
}
