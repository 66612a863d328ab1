// Package errs provides the typed error taxonomy shared across the fleet
// daemon: config validation, path safety, runtime, container, and state
// store failures.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the error taxonomy an error belongs to.
type Kind string

const (
	KindValidation           Kind = "ValidationError"
	KindPathTraversal        Kind = "PathTraversalError"
	KindConcurrencyLimit     Kind = "ConcurrencyLimitExceeded"
	KindRuntimeInit          Kind = "RuntimeInitializationError"
	KindRuntimeStreaming     Kind = "RuntimeStreamingError"
	KindRuntimeMalformed     Kind = "RuntimeMalformedResponseError"
	KindDocker               Kind = "DockerError"
	KindTimeout              Kind = "TimeoutError"
	KindCancelled            Kind = "CancelledError"
	KindStateStore           Kind = "StateStoreError"
	KindSessionStale         Kind = "SessionStaleError"
)

// Sentinel errors for errors.Is comparisons where no extra detail is needed.
var (
	ErrPathTraversal    = errors.New("path traversal rejected")
	ErrConcurrencyLimit = errors.New("agent concurrency limit exceeded")
	ErrTimeout          = errors.New("operation timed out")
	ErrCancelled        = errors.New("operation cancelled")
)

// ValidationIssue is one field-level config violation.
type ValidationIssue struct {
	Path    string // YAML path / field name, e.g. "docker.network"
	Line    int    // 0 when unknown
	Message string
}

func (i ValidationIssue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", i.Path, i.Line, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationError aggregates every schema violation found in one pass, so
// callers can report all of them instead of failing on the first.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("validation failed: %s", e.Issues[0].String())
	}
	msg := fmt.Sprintf("validation failed with %d issues:", len(e.Issues))
	for _, issue := range e.Issues {
		msg += "\n  - " + issue.String()
	}
	return msg
}

// NewValidationError builds a ValidationError from one or more issues. It
// returns nil when issues is empty, so callers can unconditionally call it
// at the end of a validation pass.
func NewValidationError(issues []ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// PathTraversalError carries the detail §7 requires for path-safety
// rejections: the base directory, the offending identifier, and (when
// resolvable) the resolved path that failed the prefix check.
type PathTraversalError struct {
	Base       string
	Identifier string
	Resolved   string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path traversal rejected: identifier %q resolves outside base %q (resolved: %q)",
		e.Identifier, e.Base, e.Resolved)
}

func (e *PathTraversalError) Unwrap() error {
	return ErrPathTraversal
}

// RuntimeError wraps a runtime-layer failure with its kind and a
// recoverable hint consumed only for reporting, never for automatic retry.
type RuntimeError struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Err         error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError constructs a RuntimeError of the given kind.
func NewRuntimeError(kind Kind, message string, recoverable bool, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: message, Recoverable: recoverable, Err: err}
}

// DockerError wraps a container-runner failure (daemon unreachable, image
// pull failure, exec failure).
type DockerError struct {
	Op      string
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("docker %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("docker %s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// StateStoreError wraps an IO failure against the state directory that
// does not classify as a path-traversal or validation error.
type StateStoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("state store %s failed for %q: %v", e.Op, e.Path, e.Err)
}

func (e *StateStoreError) Unwrap() error {
	return e.Err
}

// SessionStaleError is informational: the working directory recorded on a
// session no longer matches the agent's current one. Callers recover by
// clearing the session and starting a new one.
type SessionStaleError struct {
	Agent  string
	OldDir string
	NewDir string
}

func (e *SessionStaleError) Error() string {
	return fmt.Sprintf("session for agent %q is stale: working directory changed from %q to %q",
		e.Agent, e.OldDir, e.NewDir)
}

// ConcurrencyLimitError reports that an agent already has max_concurrent
// jobs running.
type ConcurrencyLimitError struct {
	Agent   string
	Limit   int
	Running int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("agent %q already has %d/%d jobs running", e.Agent, e.Running, e.Limit)
}

func (e *ConcurrencyLimitError) Unwrap() error {
	return ErrConcurrencyLimit
}
