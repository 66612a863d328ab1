package herd

import "time"

// SessionSchemaVersion is the current on-disk schema version for
// SessionRecord. Readers encountering an older version migrate in memory
// and rewrite on next update (§4.H).
const SessionSchemaVersion = 1

// SessionRecord is one per (agent, conversation-key) pair (§3, §4.H).
type SessionRecord struct {
	Version          int        `yaml:"version"`
	ConversationKey  string     `yaml:"conversation_key"`
	SessionID        string     `yaml:"session_id"`
	LastMessageAt    time.Time  `yaml:"last_message_at"`
	WorkingDirectory string     `yaml:"working_directory,omitempty"`
	InputTokens      int64      `yaml:"input_tokens,omitempty"`
	OutputTokens     int64      `yaml:"output_tokens,omitempty"`
	MessageCount     int        `yaml:"message_count,omitempty"`
}

// Expired reports whether the record is older than ttl as of now.
func (s SessionRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastMessageAt) >= ttl
}

// AgentSessions is the on-disk shape of <state>/sessions/<agent>.yaml: a
// versioned document holding every conversation-key record for one agent.
type AgentSessions struct {
	Version  int                      `yaml:"version"`
	Sessions map[string]SessionRecord `yaml:"sessions"`
}
