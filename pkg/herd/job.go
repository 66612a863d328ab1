package herd

import "time"

// JobStatus is the job lifecycle state machine (§4.E).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCancelled JobStatus = "cancelled"
)

// ExitReason classifies why a job reached a terminal status (§4.E).
type ExitReason string

const (
	ExitSuccess   ExitReason = "success"
	ExitError     ExitReason = "error"
	ExitTimeout   ExitReason = "timeout"
	ExitCancelled ExitReason = "cancelled"
	ExitMaxTurns  ExitReason = "max_turns"
)

// JobError carries the classified error detail persisted in job metadata
// when a job does not complete cleanly.
type JobError struct {
	Kind        string `yaml:"kind"`
	Message     string `yaml:"message"`
	Recoverable bool   `yaml:"recoverable"`
}

// Job is one execution of an agent, created by the lifecycle manager.
// Persisted as metadata.yaml under the job's directory (§3).
type Job struct {
	ID               string     `yaml:"id"`
	AgentName        string     `yaml:"agent_name"`
	ScheduleName     string     `yaml:"schedule_name"`
	Status           JobStatus  `yaml:"status"`
	CreatedAt        time.Time  `yaml:"created_at"`
	StartedAt        *time.Time `yaml:"started_at,omitempty"`
	CompletedAt      *time.Time `yaml:"completed_at,omitempty"`
	SessionID        string     `yaml:"session_id,omitempty"`
	ExitReason        ExitReason `yaml:"exit_reason,omitempty"`
	Error            *JobError  `yaml:"error,omitempty"`
	ContainerID      string     `yaml:"container_id,omitempty"`
	WorkingDirectory string     `yaml:"working_directory"`
}

// IsTerminal reports whether the job has reached a state from which it
// will never transition again.
func (j Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobTimeout, JobCancelled:
		return true
	default:
		return false
	}
}

// TriggerManual, TriggerCLI name the non-schedule triggering sources a
// job's ScheduleName field may carry, per §3 ("manual/trigger/chat-platform
// tag").
const (
	TriggerManual = "manual"
	TriggerCLI    = "trigger"
)
