package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/lifecycle"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/pkg/herd"
)

type stubRuntime struct{}

func (stubRuntime) Execute(ctx context.Context, opts runtime.Options) (<-chan herd.OutputRecord, error) {
	out := make(chan herd.OutputRecord, 1)
	out <- herd.NewAssistantRecord("done", false, nil)
	close(out)
	return out, nil
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)

	factory := runtime.NewFactory(
		func() runtime.Runtime { return stubRuntime{} },
		func(string) runtime.Runtime { return stubRuntime{} },
		nil,
	)
	lc := lifecycle.NewManager(store, factory, nil, logger.Default())
	return NewSupervisor(store, lc, nil, AgentDefaults{MaxConcurrent: 2, SessionTTL: time.Hour}, logger.Default())
}

func TestRegisterAgentAndTrigger(t *testing.T) {
	s := newTestSupervisor(t)
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}
	require.NoError(t, s.RegisterAgent(agent))

	job, err := s.Trigger(context.Background(), "a1", herd.TriggerManual, "hello", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", job.AgentName)
	assert.Equal(t, herd.JobPending, job.Status)

	time.Sleep(20 * time.Millisecond)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, herd.JobCompleted, got.Status)
}

func TestTriggerUnknownAgentFails(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Trigger(context.Background(), "missing", herd.TriggerManual, "hi", "missing")
	require.Error(t, err)
}

func TestStatusReportsRegisteredAgents(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.RegisterAgent(herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}))
	require.NoError(t, s.RegisterAgent(herd.Agent{Name: "a2", WorkingDirectory: t.TempDir()}))

	all := s.Status("")
	require.Len(t, all, 2)

	one := s.Status("a1")
	require.Len(t, one, 1)
	assert.Equal(t, "a1", one[0].Name)
}

func TestListJobsFiltersByAgent(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.RegisterAgent(herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}))
	require.NoError(t, s.RegisterAgent(herd.Agent{Name: "a2", WorkingDirectory: t.TempDir()}))

	_, err := s.Trigger(context.Background(), "a1", herd.TriggerManual, "hi", "a1")
	require.NoError(t, err)
	_, err = s.Trigger(context.Background(), "a2", herd.TriggerManual, "hi", "a2")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	jobs, err := s.ListJobs(JobFilter{AgentName: "a1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a1", jobs[0].AgentName)
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	s := newTestSupervisor(t)
	assert.False(t, s.Cancel("nonexistent"))
}
