package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/internal/session"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/pkg/herd"
)

type fakeRuntime struct {
	records []herd.OutputRecord
	delay   time.Duration
	err     error
}

func (f *fakeRuntime) Execute(ctx context.Context, opts runtime.Options) (<-chan herd.OutputRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan herd.OutputRecord)
	go func() {
		defer close(out)
		for _, rec := range f.records {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return store
}

func newTestFactory(rt runtime.Runtime) *runtime.Factory {
	return runtime.NewFactory(
		func() runtime.Runtime { return rt },
		func(string) runtime.Runtime { return rt },
		nil,
	)
}

func TestCreateJobRejectsOverConcurrencyLimit(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, newTestFactory(&fakeRuntime{}), nil, logger.Default())
	agent := herd.Agent{Name: "a1"}

	m.mu.Lock()
	m.running["a1"] = 2
	m.mu.Unlock()

	_, err := m.CreateJob(agent, "", 2)
	require.Error(t, err)

	var limitErr *errs.ConcurrencyLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "a1", limitErr.Agent)
}

func TestExecuteJobCompletesCleanlyAndPersistsSession(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{records: []herd.OutputRecord{
		herd.NewSessionSystemRecord("session_created", "sess-abc"),
		herd.NewAssistantRecord("hello", false, nil),
	}}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())

	sm := session.NewManager("a1", store, time.Hour, logger.Default())
	m.RegisterSessionManager("a1", sm)

	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}
	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)

	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi", ConversationKey: "a1:default"})
	require.NoError(t, err)

	assert.Equal(t, herd.JobCompleted, job.Status)
	assert.Equal(t, herd.ExitSuccess, job.ExitReason)
	assert.Equal(t, "sess-abc", job.SessionID)

	rec, ok, err := sm.Get("a1:default")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-abc", rec.SessionID)
}

func TestExecuteJobClassifiesErrorRecordAsFailed(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{records: []herd.OutputRecord{
		herd.NewErrorRecord("boom", string(errs.KindRuntimeStreaming)),
	}}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}

	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)

	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, herd.JobFailed, job.Status)
	assert.Equal(t, herd.ExitError, job.ExitReason)
	require.NotNil(t, job.Error)
	assert.Equal(t, "boom", job.Error.Message)
}

func TestExecuteJobClassifiesTimeout(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{records: []herd.OutputRecord{herd.NewAssistantRecord("slow", false, nil)}, delay: 50 * time.Millisecond}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}

	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)

	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi", Timeout: 5 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, herd.JobTimeout, job.Status)
	assert.Equal(t, herd.ExitTimeout, job.ExitReason)

	records, _, err := store.ReadOutput(job.ID, true)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, herd.OutputError, last.Type)
	assert.Equal(t, "TIMEOUT", last.Code)
}

func TestExecuteJobClassifiesCancellation(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{records: []herd.OutputRecord{herd.NewAssistantRecord("slow", false, nil)}, delay: 100 * time.Millisecond}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}

	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)

	// Mirror the real cancel path (fleet.Supervisor.Cancel -> Manager.Cancel):
	// ExecuteJob runs against the background context, as the supervisor does
	// (internal/fleet/supervisor.go), and cancellation arrives solely through
	// Manager.Cancel signaling the derived runCtx, never the parent context.
	go func() {
		time.Sleep(5 * time.Millisecond)
		require.True(t, m.Cancel(job.ID))
	}()

	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, herd.JobCancelled, job.Status)
	assert.Equal(t, herd.ExitCancelled, job.ExitReason)
	assert.Empty(t, job.SessionID, "a cancelled job must not persist a session id")

	records, _, err := store.ReadOutput(job.ID, true)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, herd.OutputError, last.Type)
	assert.Equal(t, "CANCELLED", last.Code)
}

func TestExecuteJobCancellationDoesNotPersistSession(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{
		records: []herd.OutputRecord{herd.NewSessionSystemRecord("init", "sess-should-not-persist")},
		delay:   100 * time.Millisecond,
	}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}
	sm := session.NewManager("a1", store, time.Hour, logger.Default())
	m.RegisterSessionManager("a1", sm)

	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		require.True(t, m.Cancel(job.ID))
	}()

	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi", ConversationKey: "conv-1"})
	require.NoError(t, err)
	require.Equal(t, herd.JobCancelled, job.Status)

	_, ok, err := sm.Get("conv-1")
	require.NoError(t, err)
	assert.False(t, ok, "cancellation must not call set_session for the conversation")
}

func TestResolveExtensionServersRewritesEmbeddedStatusEntry(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, newTestFactory(&fakeRuntime{}), nil, logger.Default())

	servers := map[string]herd.MCPServer{
		"status": {Name: "status", Embedded: "status"},
		"extra":  {Name: "extra", URL: "http://example.invalid/mcp"},
	}

	// Before the status URL is known, the embedded entry is dropped
	// rather than passed through with an empty URL.
	resolved := m.resolveExtensionServers(servers)
	require.Len(t, resolved, 1)
	assert.Equal(t, "extra", resolved[0].Name)

	m.SetExtensionStatusURL("http://127.0.0.1:9999/mcp")
	resolved = m.resolveExtensionServers(servers)
	require.Len(t, resolved, 2)

	byName := map[string]herd.MCPServer{}
	for _, s := range resolved {
		byName[s.Name] = s
	}
	assert.Equal(t, "http://127.0.0.1:9999/mcp", byName["status"].URL)
	assert.Equal(t, "http://example.invalid/mcp", byName["extra"].URL)
}

func TestExecuteJobFailsWhenRuntimeExecuteErrors(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{err: errors.New("no runtime available")}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}

	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)

	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, herd.JobFailed, job.Status)
}

func TestGetFinalOutputReturnsLastNonPartialAssistantRecord(t *testing.T) {
	store := newTestStore(t)
	rt := &fakeRuntime{records: []herd.OutputRecord{
		herd.NewAssistantRecord("partial chunk", true, nil),
		herd.NewAssistantRecord("final answer", false, nil),
	}}
	m := NewManager(store, newTestFactory(rt), nil, logger.Default())
	agent := herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}

	job, err := m.CreateJob(agent, "", 0)
	require.NoError(t, err)
	job, err = m.ExecuteJob(context.Background(), agent, job, ExecuteOptions{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, herd.JobCompleted, job.Status)

	text, ok, err := m.GetFinalOutput(job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "final answer", text)
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, newTestFactory(&fakeRuntime{}), nil, logger.Default())
	assert.False(t, m.Cancel("unknown-job"))
}
