// Package statestore manages the on-disk state directory tree: sessions,
// jobs, and docker-session storage (§4.B).
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/pathsafety"
	"github.com/ikido/herdctl/pkg/herd"
)

const (
	sessionsDirName       = "sessions"
	jobsDirName           = "jobs"
	dockerSessionsDirName = "docker-sessions"
	cliSessionsDirName    = "cli-sessions"
	schedulesDirName      = "schedules"

	metadataFileName = "metadata"
	outputFileName   = "output.log"
)

// Store is the directory tree rooted at a configurable state directory.
// All file-path construction goes through internal/pathsafety; reads are
// safe for concurrent access from multiple goroutines writing through the
// same atomic-write discipline.
type Store struct {
	root   string
	logger *logger.Logger
}

// Open creates the root directory tree (sessions/, jobs/,
// docker-sessions/, cli-sessions/, schedules/) if it does not already
// exist, and returns a Store
// rooted at it.
func Open(root string, log *logger.Logger) (*Store, error) {
	for _, sub := range []string{sessionsDirName, jobsDirName, dockerSessionsDirName, cliSessionsDirName, schedulesDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, &errs.StateStoreError{Op: "open", Path: filepath.Join(root, sub), Err: err}
		}
	}
	return &Store{root: root, logger: log.WithComponent("statestore")}, nil
}

// Root returns the state directory's absolute-ish root path as passed at
// Open time.
func (s *Store) Root() string {
	return s.root
}

// SessionsDir returns the sessions subdirectory.
func (s *Store) SessionsDir() string {
	return filepath.Join(s.root, sessionsDirName)
}

// JobsDir returns the jobs subdirectory.
func (s *Store) JobsDir() string {
	return filepath.Join(s.root, jobsDirName)
}

// DockerSessionsDir returns the docker-sessions subdirectory. Per §4.D,
// this must never share storage with SessionsDir — container-side
// sessions embed paths that only resolve inside the container.
func (s *Store) DockerSessionsDir() string {
	return filepath.Join(s.root, dockerSessionsDirName)
}

// CLISessionsDir returns the cli-sessions subdirectory, where the host
// (non-containerized) CLI runner watches for the underlying binary's own
// out-of-band session file writes. Kept separate from DockerSessionsDir
// per §4.D: container-side sessions embed paths that only resolve inside
// the container and must never share storage with host sessions.
func (s *Store) CLISessionsDir() string {
	return filepath.Join(s.root, cliSessionsDirName)
}

// SessionFilePath returns the safe path to an agent's session file.
func (s *Store) SessionFilePath(agentName string) (string, error) {
	return pathsafety.BuildSafeFilePath(s.SessionsDir(), agentName, "yaml")
}

// SchedulesDir returns the schedules subdirectory, which persists each
// agent's per-schedule last_run_at across daemon restarts (§3 "a
// last_run_at timestamp stored in state").
func (s *Store) SchedulesDir() string {
	return filepath.Join(s.root, schedulesDirName)
}

// ScheduleStateFilePath returns the safe path to an agent's schedule
// state file.
func (s *Store) ScheduleStateFilePath(agentName string) (string, error) {
	return pathsafety.BuildSafeFilePath(s.SchedulesDir(), agentName, "yaml")
}

// JobDir returns the safe path to a job's directory, creating it if it
// does not already exist (§3 "the job directory is created before any
// write").
func (s *Store) JobDir(jobID string) (string, error) {
	dir, err := pathsafety.BuildSafeDirPath(s.JobsDir(), jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &errs.StateStoreError{Op: "mkdir", Path: dir, Err: err}
	}
	return dir, nil
}

// WriteJobMetadata atomically writes a job's metadata record.
func (s *Store) WriteJobMetadata(job herd.Job) error {
	dir, err := s.JobDir(job.ID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, metadataFileName+".yaml")
	return pathsafety.AtomicWriteYAML(path, job)
}

// ReadJobMetadata reads one job's metadata record.
func (s *Store) ReadJobMetadata(jobID string) (herd.Job, error) {
	dir, err := pathsafety.BuildSafeDirPath(s.JobsDir(), jobID)
	if err != nil {
		return herd.Job{}, err
	}
	path := filepath.Join(dir, metadataFileName+".yaml")
	var job herd.Job
	if err := pathsafety.ReadYAML(path, &job); err != nil {
		return herd.Job{}, &errs.StateStoreError{Op: "read_metadata", Path: path, Err: err}
	}
	return job, nil
}

// AppendOutputRecord appends one record to a job's output log.
func (s *Store) AppendOutputRecord(jobID string, record herd.OutputRecord) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	line, err := record.MarshalLine()
	if err != nil {
		return err
	}
	return pathsafety.AppendLine(filepath.Join(dir, outputFileName), line)
}

// ReadOutput returns a job's output log as a sequence of records.
// Matches §8 "empty log -> empty sequence, not an error" and "trailing
// incomplete line -> skipped_lines = 1".
func (s *Store) ReadOutput(jobID string, skipInvalid bool) (records []herd.OutputRecord, skippedLines int, err error) {
	dir, err := pathsafety.BuildSafeDirPath(s.JobsDir(), jobID)
	if err != nil {
		return nil, 0, err
	}
	path := filepath.Join(dir, outputFileName)

	validate := func(line []byte) error {
		_, verr := herd.ParseOutputRecord(line)
		return verr
	}

	lines, skipped, err := pathsafety.ReadLineDelimited(path, skipInvalid, validate)
	if err != nil {
		return nil, skipped, &errs.StateStoreError{Op: "read_output", Path: path, Err: err}
	}

	records = make([]herd.OutputRecord, 0, len(lines))
	for _, line := range lines {
		rec, perr := herd.ParseOutputRecord(line)
		if perr != nil {
			if skipInvalid {
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("parsing output record in %q: %w", path, perr)
		}
		records = append(records, rec)
	}

	return records, skipped, nil
}

// ListJobs returns every job id present under the jobs directory, sorted
// lexically (which, given the job id format, is chronological by day;
// ids from the same day are ordered by their random suffix).
func (s *Store) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(s.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.StateStoreError{Op: "list_jobs", Path: s.JobsDir(), Err: err}
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListSessions returns every agent name with a session file present.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.StateStoreError{Op: "list_sessions", Path: s.SessionsDir(), Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
			names = append(names, name[:len(name)-len(ext)])
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteJob removes a job's directory. This is an explicit administrative
// action (§4.B) — jobs are never pruned implicitly.
func (s *Store) DeleteJob(jobID string) error {
	dir, err := pathsafety.BuildSafeDirPath(s.JobsDir(), jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return &errs.StateStoreError{Op: "delete_job", Path: dir, Err: err}
	}
	return nil
}

// NewJobID generates a job identifier in the job-YYYY-MM-DD-<short-random>
// format (§3), deriving the date from now.
func NewJobID(now time.Time, shortRandom string) string {
	return fmt.Sprintf("job-%s-%s", now.Format("2006-01-02"), shortRandom)
}
