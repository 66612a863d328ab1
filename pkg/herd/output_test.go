package herd

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputRecordRoundTrip(t *testing.T) {
	cases := []OutputRecord{
		NewSystemRecord("init"),
		NewAssistantRecord("hello", false, &TokenUsage{InputTokens: 10, OutputTokens: 20}),
		NewToolUseRecord("bash", "tu-1", json.RawMessage(`{"command":"ls"}`)),
		NewToolResultRecord("tu-1", json.RawMessage(`"ok"`), true, ""),
		NewErrorRecord("boom", "CANCELLED"),
	}

	for _, want := range cases {
		t.Run(string(want.Type), func(t *testing.T) {
			line, err := want.MarshalLine()
			require.NoError(t, err)

			got, err := ParseOutputRecord(line)
			require.NoError(t, err)

			assert.Equal(t, want.Type, got.Type)
			assert.WithinDuration(t, want.Timestamp, got.Timestamp, time.Second)
			assert.Equal(t, want.Text, got.Text)
			assert.Equal(t, want.ToolUseID, got.ToolUseID)
			assert.Equal(t, want.Code, got.Code)
		})
	}
}

func TestParseOutputRecordRejectsUnknownType(t *testing.T) {
	_, err := ParseOutputRecord([]byte(`{"type":"bogus","timestamp":"2026-01-01T00:00:00Z"}`))
	assert.Error(t, err)
}

func TestParseOutputRecordRequiresTimestamp(t *testing.T) {
	_, err := ParseOutputRecord([]byte(`{"type":"system"}`))
	assert.Error(t, err)
}

func TestIsFinalAssistantCandidate(t *testing.T) {
	partial := NewAssistantRecord("partial text", true, nil)
	assert.False(t, partial.IsFinalAssistantCandidate())

	final := NewAssistantRecord("final text", false, nil)
	assert.True(t, final.IsFinalAssistantCandidate())

	toolResult := NewToolResultRecord("tu-1", nil, true, "")
	assert.False(t, toolResult.IsFinalAssistantCandidate())
}
