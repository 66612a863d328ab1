package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/statestore"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	store, err := statestore.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return NewManager("release-notes", store, ttl, logger.Default())
}

func TestGetOrCreateThenGetRoundTrips(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)

	created, err := m.GetOrCreate("channel-1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.SessionID)

	got, ok, err := m.Get("channel-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.SessionID, got.SessionID)
}

func TestSetReplacesSessionAtomically(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)

	require.NoError(t, m.Set("channel-1", "ext-session-1", "/workspace"))
	rec, ok, err := m.Get("channel-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ext-session-1", rec.SessionID)
	assert.Equal(t, "/workspace", rec.WorkingDirectory)

	require.NoError(t, m.Set("channel-1", "ext-session-2", "/workspace"))
	rec, ok, err = m.Get("channel-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ext-session-2", rec.SessionID)
}

func TestResolveForWorkingDirectoryDetectsStaleness(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)
	require.NoError(t, m.Set("channel-1", "ext-session-1", "/workspace/a"))

	_, ok, err := m.ResolveForWorkingDirectory("channel-1", "/workspace/b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, stillThere, err := m.Get("channel-1")
	require.NoError(t, err)
	assert.False(t, stillThere)
}

func TestResolveForWorkingDirectoryAcceptsMatch(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)
	require.NoError(t, m.Set("channel-1", "ext-session-1", "/workspace/a"))

	rec, ok, err := m.ResolveForWorkingDirectory("channel-1", "/workspace/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ext-session-1", rec.SessionID)
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	m := newTestManager(t, time.Millisecond)
	require.NoError(t, m.Set("channel-1", "ext-session-1", "/workspace"))
	time.Sleep(5 * time.Millisecond)

	removed, err := m.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, []string{"channel-1"}, removed)

	removedAgain, err := m.CleanupExpired()
	require.NoError(t, err)
	assert.Empty(t, removedAgain)
}

func TestActiveCount(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)
	require.NoError(t, m.Set("channel-1", "s1", "/a"))
	require.NoError(t, m.Set("channel-2", "s2", "/b"))

	count, err := m.ActiveCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClearRemovesMapping(t *testing.T) {
	m := newTestManager(t, 24*time.Hour)
	require.NoError(t, m.Set("channel-1", "s1", "/a"))
	require.NoError(t, m.Clear("channel-1"))

	_, ok, err := m.Get("channel-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
