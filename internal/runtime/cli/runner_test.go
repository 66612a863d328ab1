package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/pkg/herd"
)

// writeStandInCLI creates a tiny shell script that echoes stdin back to
// stdout verbatim, ignoring whatever flags the runner passes it. Using a
// script instead of a real CLI binary keeps the test independent of any
// installed coreutils flag behavior.
func writeStandInCLI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "standin.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ncat\n"), 0o755))
	return path
}

func TestSessionFilePathReplacesSeparators(t *testing.T) {
	got := SessionFilePath("/state/docker-sessions", "/workspace/my-agent")
	assert.Contains(t, got, "-workspace-my-agent")
	assert.NotContains(t, got, "/workspace/my-agent.jsonl")
}

func TestTranslateCLIMessageAssistant(t *testing.T) {
	raw := map[string]interface{}{
		"type": "assistant", "text": "hello", "partial": false,
		"usage": map[string]interface{}{"input_tokens": float64(10), "output_tokens": float64(20)},
	}
	rec, ok := TranslateCLIMessage(raw)
	require.True(t, ok)
	assert.Equal(t, herd.OutputAssistant, rec.Type)
	assert.Equal(t, "hello", rec.Text)
	assert.False(t, rec.Partial)
	require.NotNil(t, rec.Usage)
	assert.Equal(t, int64(10), rec.Usage.InputTokens)
	assert.Equal(t, int64(20), rec.Usage.OutputTokens)
}

func TestTranslateCLIMessageSystem(t *testing.T) {
	rec, ok := TranslateCLIMessage(map[string]interface{}{"type": "system", "subtype": "init"})
	require.True(t, ok)
	assert.Equal(t, herd.OutputSystem, rec.Type)
	assert.Equal(t, "init", rec.Subtype)
}

func TestTranslateCLIMessageSystemWithSessionID(t *testing.T) {
	rec, ok := TranslateCLIMessage(map[string]interface{}{"type": "system", "subtype": "session_created", "session_id": "sess-123"})
	require.True(t, ok)
	assert.Equal(t, "session_created", rec.Subtype)
	assert.Equal(t, "sess-123", rec.SessionID)
}

func TestTranslateCLIMessageUnknownTypeDropped(t *testing.T) {
	_, ok := TranslateCLIMessage(map[string]interface{}{"type": "debug"})
	assert.False(t, ok)
}

func TestRunnerExecuteStreamsEchoedPrompt(t *testing.T) {
	// The stand-in CLI echoes stdin to stdout, which we expect the stdout
	// parser to safely drop as unparseable JSON rather than erroring the
	// whole job.
	r := NewRunner(writeStandInCLI(t), logger.Default())

	// A generous ambient timeout that is never meant to be hit: the
	// process exits almost immediately, and the stream must close on
	// that clean exit rather than waiting out the context deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := r.Execute(ctx, runtime.Options{
		Prompt: "not json",
		Agent:  herd.Agent{WorkingDirectory: t.TempDir()},
	})
	require.NoError(t, err)

	var records []herd.OutputRecord
	done := make(chan struct{})
	go func() {
		for rec := range ch {
			records = append(records, rec)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("output stream did not close after the subprocess exited cleanly")
	}
	assert.Empty(t, records, "non-JSON stdout lines are dropped, not surfaced")
}
