package mcpext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/fleet"
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

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)

	factory := runtime.NewFactory(
		func() runtime.Runtime { return stubRuntime{} },
		func(string) runtime.Runtime { return stubRuntime{} },
		nil,
	)
	lc := lifecycle.NewManager(store, factory, nil, logger.Default())
	sup := fleet.NewSupervisor(store, lc, nil, fleet.AgentDefaults{MaxConcurrent: 2, SessionTTL: time.Hour}, logger.Default())
	require.NoError(t, sup.RegisterAgent(herd.Agent{Name: "a1", WorkingDirectory: t.TempDir()}))
	return New(sup, Config{Addr: "127.0.0.1:0"}, logger.Default())
}

func TestStartStopBindsAndReleasesListener(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	require.NotEmpty(t, s.Addr())

	require.NoError(t, s.Stop(context.Background()))
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	require.Error(t, s.Start(context.Background()))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Stop(context.Background()))
}
