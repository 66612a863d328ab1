package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/pkg/herd"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return s
}

func TestOpenCreatesSubdirectories(t *testing.T) {
	s := newTestStore(t)
	assert.DirExists(t, s.SessionsDir())
	assert.DirExists(t, s.JobsDir())
	assert.DirExists(t, s.DockerSessionsDir())
}

func TestWriteAndReadJobMetadata(t *testing.T) {
	s := newTestStore(t)

	job := herd.Job{
		ID:               "job-2026-01-01-ab12",
		AgentName:        "release-notes",
		ScheduleName:     herd.TriggerManual,
		Status:           herd.JobPending,
		CreatedAt:        time.Now().UTC(),
		WorkingDirectory: "/workspace",
	}
	require.NoError(t, s.WriteJobMetadata(job))

	got, err := s.ReadJobMetadata(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Status, got.Status)
}

func TestAppendAndReadOutputEmptyLogYieldsEmptySequence(t *testing.T) {
	s := newTestStore(t)
	_, err := s.JobDir("job-2026-01-01-ab12")
	require.NoError(t, err)

	records, skipped, err := s.ReadOutput("job-2026-01-01-ab12", false)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, skipped)
}

func TestAppendAndReadOutputPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	jobID := "job-2026-01-01-ab12"

	want := []herd.OutputRecord{
		herd.NewSystemRecord("init"),
		herd.NewAssistantRecord("partial", true, nil),
		herd.NewAssistantRecord("final", false, nil),
	}
	for _, rec := range want {
		require.NoError(t, s.AppendOutputRecord(jobID, rec))
	}

	got, skipped, err := s.ReadOutput(jobID, false)
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Len(t, got, 3)
	assert.Equal(t, herd.OutputSystem, got[0].Type)
	assert.Equal(t, herd.OutputAssistant, got[1].Type)
	assert.True(t, got[1].Partial)
	assert.False(t, got[2].Partial)
}

func TestListJobsSortedLexically(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"job-2026-01-02-zz99", "job-2026-01-01-aa11"} {
		_, err := s.JobDir(id)
		require.NoError(t, err)
	}

	ids, err := s.ListJobs()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2026-01-01-aa11", "job-2026-01-02-zz99"}, ids)
}

func TestDeleteJobRemovesDirectory(t *testing.T) {
	s := newTestStore(t)
	jobID := "job-2026-01-01-ab12"
	_, err := s.JobDir(jobID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteJob(jobID))

	ids, err := s.ListJobs()
	require.NoError(t, err)
	assert.NotContains(t, ids, jobID)
}

func TestSessionFilePathRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SessionFilePath("../../etc/passwd")
	assert.Error(t, err)
}

func TestNewJobIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	id := NewJobID(now, "ab12")
	assert.Equal(t, "job-2026-03-14-ab12", id)
}
