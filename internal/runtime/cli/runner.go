// Package cli implements the CLI-subprocess runtime (§4.C): it spawns the
// external CLI binary, parses its stdout JSON lines, and watches its
// session file for out-of-band updates, merging both into one ordered
// OutputRecord stream.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/errs"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/pkg/herd"
)

// DefaultCommand is used when an agent's runtime configuration omits an
// explicit command (§4.C "Spawns a configured command (default claude...)").
const DefaultCommand = "claude"

// SessionWatchDebounce is the debounce window the session-file watcher
// waits after observing a modification before re-reading, to avoid
// partial-write races (§4.C).
const SessionWatchDebounce = 100 * time.Millisecond

// Runner spawns the configured CLI binary as a subprocess for each job.
type Runner struct {
	command string
	logger  *logger.Logger
}

// NewRunner constructs a CLI runner for the given command (binary name or
// path). An empty command falls back to DefaultCommand.
func NewRunner(command string, log *logger.Logger) *Runner {
	if command == "" {
		command = DefaultCommand
	}
	return &Runner{command: command, logger: log.WithComponent("runtime.cli")}
}

var _ runtime.Runtime = (*Runner)(nil)

// SessionFilePath derives the CLI's session file path from the working
// directory by replacing every path separator with "-" (§4.C "The session
// path is deterministic").
func SessionFilePath(sessionsRoot, workingDirectory string) string {
	replaced := strings.NewReplacer("/", "-", "\\", "-").Replace(workingDirectory)
	return sessionsRoot + string(os.PathSeparator) + replaced + ".jsonl"
}

// Execute spawns the CLI process and streams its output.
func (r *Runner) Execute(ctx context.Context, opts runtime.Options) (<-chan herd.OutputRecord, error) {
	args := []string{"-p"}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	} else if opts.ForkSessionID != "" {
		args = append(args, "--fork-session", opts.ForkSessionID)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = opts.Agent.WorkingDirectory
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to open cli stdin: "+err.Error(), false, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to open cli stdout: "+err.Error(), false, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to open cli stderr: "+err.Error(), false, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.NewRuntimeError(errs.KindRuntimeInit, "failed to start cli process: "+err.Error(), false, err)
	}

	out := make(chan herd.OutputRecord)
	var sendMu sync.Mutex
	send := func(rec herd.OutputRecord) {
		sendMu.Lock()
		defer sendMu.Unlock()
		select {
		case out <- rec:
		case <-ctx.Done():
		}
	}

	go func() {
		if _, werr := io.WriteString(stdin, opts.Prompt); werr != nil {
			r.logger.Warn("failed writing prompt to cli stdin", zap.Error(werr))
		}
		stdin.Close()
	}()

	sessionsRoot := opts.StateDir + string(os.PathSeparator) + "cli-sessions"
	sessionPath := SessionFilePath(sessionsRoot, opts.Agent.WorkingDirectory)

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	watcherStop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); defer close(stdoutDone); r.StreamStdout(stdout, send) }()
	go func() { defer wg.Done(); defer close(stderrDone); r.readStderr(stderr) }()
	go func() { defer wg.Done(); r.WatchSessionFile(ctx, sessionPath, send, watcherStop) }()

	// Once stdout and stderr have both hit EOF the subprocess has exited;
	// stop the watcher (after it drains any records buffered since its
	// last read) instead of leaving it blocked on ctx.Done() until
	// cancellation, so a clean process exit ends the stream (§4.C).
	go func() {
		<-stdoutDone
		<-stderrDone
		close(watcherStop)
	}()

	go func() {
		wg.Wait()
		if werr := cmd.Wait(); werr != nil && ctx.Err() == nil {
			send(herd.NewErrorRecord(werr.Error(), string(errs.KindRuntimeStreaming)))
		}
		close(out)
	}()

	return out, nil
}

// StreamStdout parses each CLI stdout line as JSON per §4.C: on parse
// failure the line is dropped; assistant/user lines keep only their text,
// partial flag and usage; system lines keep only subtype and session_id,
// and their other fields are not carried over. Exported so the
// container decorator can apply the same parsing to a container's
// demultiplexed stdout stream (§4.D "the same parsing logic as the CLI
// runner").
func (r *Runner) StreamStdout(stdout io.Reader, send func(herd.OutputRecord)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			r.logger.Debug("dropping unparseable cli stdout line", zap.Error(err))
			continue
		}
		rec, ok := TranslateCLIMessage(raw)
		if !ok {
			continue
		}
		send(rec)
	}
}

// TranslateCLIMessage maps one decoded CLI JSON line into an OutputRecord.
func TranslateCLIMessage(raw map[string]interface{}) (herd.OutputRecord, bool) {
	typ, _ := raw["type"].(string)
	switch typ {
	case "assistant", "user":
		text, _ := raw["text"].(string)
		partial, _ := raw["partial"].(bool)
		var usage *herd.TokenUsage
		if u, ok := raw["usage"].(map[string]interface{}); ok {
			usage = &herd.TokenUsage{}
			if v, ok := u["input_tokens"].(float64); ok {
				usage.InputTokens = int64(v)
			}
			if v, ok := u["output_tokens"].(float64); ok {
				usage.OutputTokens = int64(v)
			}
		}
		return herd.NewAssistantRecord(text, partial, usage), true
	case "system":
		subtype, _ := raw["subtype"].(string)
		sessionID, _ := raw["session_id"].(string)
		if sessionID != "" {
			return herd.NewSessionSystemRecord(subtype, sessionID), true
		}
		return herd.NewSystemRecord(subtype), true
	case "result":
		message, _ := raw["message"].(string)
		code, _ := raw["code"].(string)
		if message == "" {
			if b, err := json.Marshal(raw); err == nil {
				message = string(b)
			}
		}
		return herd.NewErrorRecord(message, code), true
	default:
		return herd.OutputRecord{}, false
	}
}

func (r *Runner) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.logger.Debug("cli stderr", zap.String("line", scanner.Text()))
	}
}

// WatchSessionFile polls sessionPath for out-of-band appends made by the
// CLI itself while resuming, emitting new lines as OutputRecords after a
// debounce window to avoid reading a partially written line. It stops on
// ctx cancellation or when stop is closed (the subprocess has exited),
// draining whatever the CLI wrote since the last read before returning
// (§9 "guarantee that all buffered records from a closing source are
// drained before declaring the stream finished").
func (r *Runner) WatchSessionFile(ctx context.Context, sessionPath string, send func(herd.OutputRecord), stop <-chan struct{}) {
	ticker := time.NewTicker(SessionWatchDebounce)
	defer ticker.Stop()

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			r.drainSessionFile(sessionPath, &offset, send)
			return
		case <-ticker.C:
		}

		r.drainSessionFile(sessionPath, &offset, send)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// drainSessionFile reads and emits any whole lines appended to sessionPath
// since *offset, advancing *offset past the last complete line read.
func (r *Runner) drainSessionFile(sessionPath string, offset *int64, send func(herd.OutputRecord)) {
	info, err := os.Stat(sessionPath)
	if err != nil {
		return
	}
	if info.Size() <= *offset {
		return
	}

	f, err := os.Open(sessionPath)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return
	}
	for _, line := range bytes.Split(data[:end], []byte("\n")) {
		if rec, err := herd.ParseOutputRecord(line); err == nil {
			send(rec)
		}
	}
	*offset += int64(end + 1)
}
