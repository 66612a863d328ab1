// Package pathsafety builds file paths from externally supplied identifiers
// (agent names, job ids) without ever escaping a configured base directory,
// and wraps writes of those files with atomic-write and transient-retry
// semantics. Reads are single attempts and are not retried.
package pathsafety

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ikido/herdctl/internal/errs"
)

// identifierPattern is the one safe-identifier grammar used throughout the
// daemon: agent names, job ids, schedule names.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidIdentifier reports whether id matches the safe-identifier pattern.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

// BuildSafeFilePath returns base/identifier.extension, failing with a
// *errs.PathTraversalError unless both (a) identifier matches the safe
// pattern and (b) the resolved result still lives strictly inside the
// resolved base. extension may be empty; when non-empty it is joined
// without an extra dot (pass "yaml", not ".yaml").
func BuildSafeFilePath(base, identifier, extension string) (string, error) {
	if !identifierPattern.MatchString(identifier) {
		return "", &errs.PathTraversalError{Base: base, Identifier: identifier}
	}

	name := identifier
	if extension != "" {
		name = identifier + "." + strings.TrimPrefix(extension, ".")
	}

	resolvedBase, err := resolveDir(base)
	if err != nil {
		return "", fmt.Errorf("resolving base directory %q: %w", base, err)
	}

	candidate := filepath.Join(resolvedBase, name)
	resolvedCandidate, err := resolvePath(candidate)
	if err != nil {
		return "", fmt.Errorf("resolving candidate path %q: %w", candidate, err)
	}

	if resolvedCandidate != resolvedBase && !strings.HasPrefix(resolvedCandidate, resolvedBase+string(filepath.Separator)) {
		return "", &errs.PathTraversalError{Base: base, Identifier: identifier, Resolved: resolvedCandidate}
	}

	return filepath.Join(base, name), nil
}

// BuildSafeDirPath is BuildSafeFilePath without an extension, for
// identifier-named subdirectories (e.g. jobs/<job-id>/).
func BuildSafeDirPath(base, identifier string) (string, error) {
	return BuildSafeFilePath(base, identifier, "")
}

// resolveDir resolves base to an absolute, symlink-evaluated path. The
// base directory itself is allowed not to exist yet (EvalSymlinks would
// fail on it), in which case the cleaned absolute path is used.
func resolveDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	return resolved, nil
}

// resolvePath resolves a candidate file path for the prefix check. Since
// the file usually does not exist yet, symlinks are evaluated on the
// candidate's parent directory only.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	dir, err := resolveDir(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

const maxRenameAttempts = 3

// AtomicWrite writes data to path via a sibling tempfile followed by an
// atomic rename. Rename failures that look like transient permission
// errors (EACCES/EPERM, as seen on Windows-like semantics when a reader
// holds the target open) are retried with exponential backoff. The temp
// file is unlinked on any failure path.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errs.StateStoreError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return &errs.StateStoreError{Op: "create_temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &errs.StateStoreError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &errs.StateStoreError{Op: "fsync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &errs.StateStoreError{Op: "close_temp", Path: path, Err: err}
	}

	var renameErr error
	delay := 10 * time.Millisecond
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		renameErr = os.Rename(tmpName, path)
		if renameErr == nil {
			return nil
		}
		if !isTransientRenameError(renameErr) {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}

	os.Remove(tmpName)
	return &errs.StateStoreError{Op: "rename", Path: path, Err: renameErr}
}

// isTransientRenameError reports whether a rename failure looks like a
// transient permission conflict (a reader holding the target open on a
// platform with Windows-like rename semantics) rather than a permanent
// one.
func isTransientRenameError(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// AtomicWriteYAML marshals v as YAML and writes it via AtomicWrite.
func AtomicWriteYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling yaml for %q: %w", path, err)
	}
	return AtomicWrite(path, data)
}

// AtomicWriteJSON marshals v as JSON and writes it via AtomicWrite.
func AtomicWriteJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling json for %q: %w", path, err)
	}
	return AtomicWrite(path, data)
}

// ReadYAML reads and parses path as YAML into v. A missing file is
// reported as os.ErrNotExist to the caller; no read or parse error is
// retried. Empty files
// leave v at its zero value, matching "empty files yield null".
func ReadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, v)
}

// ReadJSON reads and parses path as JSON into v, with the same empty-file
// semantics as ReadYAML.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// LineRecord is one successfully parsed line of a line-delimited log, or a
// reason it was skipped.
type LineRecord struct {
	Raw     []byte
	Skipped bool
}

// ReadLineDelimited reads path as a sequence of newline-separated records.
// A trailing incomplete line (no terminating newline after the last
// record boundary was already consumed) is dropped and reported via
// skippedLines. When skipInvalid is false, an unparseable middle line
// returns an error; when true, it is skipped and counted.
func ReadLineDelimited(path string, skipInvalid bool, validate func([]byte) error) (lines [][]byte, skippedLines int, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, 0, nil
		}
		return nil, 0, readErr
	}
	if len(data) == 0 {
		return nil, 0, nil
	}

	raw := bytes.Split(data, []byte("\n"))
	// A file ending in "\n" produces one trailing empty split element;
	// a file with no trailing newline leaves the last line incomplete.
	trailingIncomplete := len(data) > 0 && data[len(data)-1] != '\n'

	for i, line := range raw {
		isLast := i == len(raw)-1
		if len(line) == 0 {
			if isLast {
				continue
			}
			continue
		}
		if isLast && trailingIncomplete {
			skippedLines++
			continue
		}
		if validate != nil {
			if verr := validate(line); verr != nil {
				if skipInvalid {
					skippedLines++
					continue
				}
				return nil, skippedLines, fmt.Errorf("invalid line %d in %q: %w", i+1, path, verr)
			}
		}
		lines = append(lines, line)
	}

	return lines, skippedLines, nil
}

// AppendLine appends one line-delimited record to path, creating it if
// necessary. Appends go through an O_APPEND open, which is atomic for
// writes up to PIPE_BUF on POSIX and is the mechanism §4.A relies on for
// concurrent writers to the same output log (writers never rewrite
// earlier bytes, only append new lines).
func AppendLine(path string, line []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errs.StateStoreError{Op: "mkdir", Path: dir, Err: err}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &errs.StateStoreError{Op: "open_append", Path: path, Err: err}
	}
	defer f.Close()

	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line, '\n')
	}
	if _, err := f.Write(line); err != nil {
		return &errs.StateStoreError{Op: "append", Path: path, Err: err}
	}
	return nil
}
