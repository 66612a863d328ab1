// Package session implements the per-agent session manager (§4.H):
// conversation-key to external-session-id mapping, with stale-session
// detection and schema migration.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/pathsafety"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/pkg/herd"
)

// Manager owns one agent's session file. The fleet supervisor holds one
// Manager per agent so that concurrent agents never contend on the same
// file lock (§5 "concurrent agents do not contend").
type Manager struct {
	agentName string
	store     *statestore.Store
	ttl       time.Duration
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[string]herd.SessionRecord
	loaded   bool
}

// NewManager constructs a session manager for one agent. The backing file
// is read lazily on first operation.
func NewManager(agentName string, store *statestore.Store, ttl time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		agentName: agentName,
		store:     store,
		ttl:       ttl,
		logger:    log.WithComponent("session").WithAgentName(agentName),
		sessions:  make(map[string]herd.SessionRecord),
	}
}

func (m *Manager) ensureLoaded() error {
	if m.loaded {
		return nil
	}

	path, err := m.store.SessionFilePath(m.agentName)
	if err != nil {
		return err
	}

	var doc herd.AgentSessions
	if rerr := pathsafety.ReadYAML(path, &doc); rerr != nil {
		m.logger.Warn("session file unreadable, starting fresh", zap.Error(rerr))
		m.sessions = make(map[string]herd.SessionRecord)
		m.loaded = true
		return nil
	}

	if doc.Sessions == nil {
		m.sessions = make(map[string]herd.SessionRecord)
		m.loaded = true
		return nil
	}

	migrated := make(map[string]herd.SessionRecord, len(doc.Sessions))
	for key, rec := range doc.Sessions {
		migrated[key] = migrate(rec)
	}
	m.sessions = migrated
	m.loaded = true
	return nil
}

// migrate upgrades an older-version session record to the current schema
// in memory; the caller persists it on next write (§4.H "Schema
// migration").
func migrate(rec herd.SessionRecord) herd.SessionRecord {
	if rec.Version == herd.SessionSchemaVersion {
		return rec
	}
	rec.Version = herd.SessionSchemaVersion
	return rec
}

func (m *Manager) persistLocked() error {
	path, err := m.store.SessionFilePath(m.agentName)
	if err != nil {
		return err
	}
	doc := herd.AgentSessions{Version: herd.SessionSchemaVersion, Sessions: m.sessions}
	return pathsafety.AtomicWriteYAML(path, doc)
}

// GetOrCreate returns the existing, non-expired record for conversationKey
// or creates a fresh one with a new session id.
func (m *Manager) GetOrCreate(conversationKey string) (herd.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return herd.SessionRecord{}, err
	}

	now := time.Now().UTC()
	if rec, ok := m.sessions[conversationKey]; ok && !rec.Expired(now, m.ttl) {
		return rec, nil
	}

	rec := herd.SessionRecord{
		Version:         herd.SessionSchemaVersion,
		ConversationKey: conversationKey,
		SessionID:       uuid.New().String(),
		LastMessageAt:   now,
	}
	m.sessions[conversationKey] = rec
	if err := m.persistLocked(); err != nil {
		return herd.SessionRecord{}, err
	}
	m.logger.Info("session created", zap.String("conversation_key", conversationKey), zap.String("session_id", rec.SessionID))
	return rec, nil
}

// Get returns the record for conversationKey, or (zero value, false) if
// absent or expired.
func (m *Manager) Get(conversationKey string) (herd.SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return herd.SessionRecord{}, false, err
	}

	rec, ok := m.sessions[conversationKey]
	if !ok {
		return herd.SessionRecord{}, false, nil
	}
	if rec.Expired(time.Now().UTC(), m.ttl) {
		return herd.SessionRecord{}, false, nil
	}
	return rec, true, nil
}

// ResolveForWorkingDirectory fetches the record for conversationKey and
// detects a stale working directory (§4.H "Stale-session detection"). On
// mismatch it clears the session, logs the transition, and returns
// (zero value, false) so the caller creates a fresh session.
func (m *Manager) ResolveForWorkingDirectory(conversationKey, currentWorkingDir string) (herd.SessionRecord, bool, error) {
	rec, ok, err := m.Get(conversationKey)
	if err != nil || !ok {
		return rec, ok, err
	}

	if rec.WorkingDirectory != "" && rec.WorkingDirectory != currentWorkingDir {
		m.logger.Warn("working directory changed, clearing stale session",
			zap.String("conversation_key", conversationKey),
			zap.String("old_dir", rec.WorkingDirectory),
			zap.String("new_dir", currentWorkingDir),
			zap.String("session_id", rec.SessionID),
		)
		if cerr := m.Clear(conversationKey); cerr != nil {
			return herd.SessionRecord{}, false, cerr
		}
		return herd.SessionRecord{}, false, nil
	}

	return rec, true, nil
}

// Set replaces the mapping for conversationKey with externalSessionID,
// updating last_message_at and the working-directory snapshot. Writes are
// atomic (§4.H "replacing it is atomic").
func (m *Manager) Set(conversationKey, externalSessionID, workingDirectory string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return err
	}

	rec := m.sessions[conversationKey]
	rec.Version = herd.SessionSchemaVersion
	rec.ConversationKey = conversationKey
	rec.SessionID = externalSessionID
	rec.WorkingDirectory = workingDirectory
	rec.LastMessageAt = time.Now().UTC()
	m.sessions[conversationKey] = rec

	return m.persistLocked()
}

// Touch refreshes last_message_at for conversationKey without changing
// the session id.
func (m *Manager) Touch(conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return err
	}

	rec, ok := m.sessions[conversationKey]
	if !ok {
		return nil
	}
	rec.LastMessageAt = time.Now().UTC()
	m.sessions[conversationKey] = rec
	return m.persistLocked()
}

// Clear removes the mapping for conversationKey.
func (m *Manager) Clear(conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return err
	}

	if _, ok := m.sessions[conversationKey]; !ok {
		return nil
	}
	delete(m.sessions, conversationKey)
	return m.persistLocked()
}

// CleanupExpired drops every record whose last_message_at is older than
// the configured TTL, and returns the conversation keys removed. Calling
// it twice in succession with no intervening activity is idempotent: the
// second call removes nothing (§8 "Idempotence").
func (m *Manager) CleanupExpired() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var removed []string
	for key, rec := range m.sessions {
		if rec.Expired(now, m.ttl) {
			removed = append(removed, key)
			delete(m.sessions, key)
		}
	}

	if len(removed) == 0 {
		return nil, nil
	}

	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	m.logger.Info("cleaned up expired sessions", zap.Int("count", len(removed)))
	return removed, nil
}

// ActiveCount returns the number of non-expired records.
func (m *Manager) ActiveCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLoaded(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	count := 0
	for _, rec := range m.sessions {
		if !rec.Expired(now, m.ttl) {
			count++
		}
	}
	return count, nil
}

