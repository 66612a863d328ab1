package herd

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutputRecordType tags one line of a job's output log (§3, §6).
type OutputRecordType string

const (
	OutputSystem     OutputRecordType = "system"
	OutputAssistant  OutputRecordType = "assistant"
	OutputToolUse    OutputRecordType = "tool_use"
	OutputToolResult OutputRecordType = "tool_result"
	OutputError      OutputRecordType = "error"
)

// TokenUsage accompanies an assistant record when the runtime reports it.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
}

// OutputRecord is one tagged-variant element of a job's output stream.
// Only the fields relevant to Type are populated; the others are left at
// their zero value and omitted on marshal.
type OutputRecord struct {
	Type      OutputRecordType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`

	// system
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// assistant
	Text    string      `json:"text,omitempty"`
	Partial bool        `json:"partial,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`

	// tool_use
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result
	Result  json.RawMessage `json:"result,omitempty"`
	Success *bool           `json:"success,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// IsFinalAssistantCandidate reports whether this record is eligible to be
// selected as a job's final output (§4.E "Final-output extraction"): the
// last non-partial assistant record.
func (r OutputRecord) IsFinalAssistantCandidate() bool {
	return r.Type == OutputAssistant && !r.Partial
}

// MarshalLine serializes the record as one line-delimited JSON line,
// matching the output log's on-disk format (§6).
func (r OutputRecord) MarshalLine() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling output record: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseOutputRecord parses one line-delimited JSON line into an
// OutputRecord, validating the required type and timestamp fields.
func ParseOutputRecord(line []byte) (OutputRecord, error) {
	var r OutputRecord
	if err := json.Unmarshal(line, &r); err != nil {
		return OutputRecord{}, fmt.Errorf("parsing output record: %w", err)
	}
	switch r.Type {
	case OutputSystem, OutputAssistant, OutputToolUse, OutputToolResult, OutputError:
	default:
		return OutputRecord{}, fmt.Errorf("output record has unrecognized type %q", r.Type)
	}
	if r.Timestamp.IsZero() {
		return OutputRecord{}, fmt.Errorf("output record missing timestamp")
	}
	return r, nil
}

// NewSystemRecord builds a "system" output record.
func NewSystemRecord(subtype string) OutputRecord {
	return OutputRecord{Type: OutputSystem, Timestamp: time.Now().UTC(), Subtype: subtype}
}

// NewSessionSystemRecord builds a "system" output record that also carries
// the external session id, so the job lifecycle manager can persist it on
// clean completion without the Runtime interface needing a side channel
// (§4.C "preserves the external session id from the first system message
// and surfaces it on completion").
func NewSessionSystemRecord(subtype, sessionID string) OutputRecord {
	return OutputRecord{Type: OutputSystem, Timestamp: time.Now().UTC(), Subtype: subtype, SessionID: sessionID}
}

// NewAssistantRecord builds an "assistant" output record.
func NewAssistantRecord(text string, partial bool, usage *TokenUsage) OutputRecord {
	return OutputRecord{Type: OutputAssistant, Timestamp: time.Now().UTC(), Text: text, Partial: partial, Usage: usage}
}

// NewToolUseRecord builds a "tool_use" output record.
func NewToolUseRecord(toolName, toolUseID string, input json.RawMessage) OutputRecord {
	return OutputRecord{Type: OutputToolUse, Timestamp: time.Now().UTC(), ToolName: toolName, ToolUseID: toolUseID, Input: input}
}

// NewToolResultRecord builds a "tool_result" output record.
func NewToolResultRecord(toolUseID string, result json.RawMessage, success bool, errMsg string) OutputRecord {
	rec := OutputRecord{Type: OutputToolResult, Timestamp: time.Now().UTC(), ToolUseID: toolUseID, Result: result, Success: &success}
	if errMsg != "" {
		rec.Message = errMsg
	}
	return rec
}

// NewErrorRecord builds an "error" output record.
func NewErrorRecord(message, code string) OutputRecord {
	return OutputRecord{Type: OutputError, Timestamp: time.Now().UTC(), Message: message, Code: code}
}
