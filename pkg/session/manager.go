// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package session

import (
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// state is the in-memory, hot-path representation of one session. The
// orchestrator reads and mutates this on every turn; Store only sees it at
// save/append points.
type state struct {
	history []providers.Message
	summary string
	updated time.Time
}

// SessionManager is the in-memory layer the orchestrator (C8) talks to
// directly. It fronts a durable Store: every appended message is mirrored
// to the store's append-only chat log immediately, and the full history
// (including truncations) reaches the snapshot on Save.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*state
	store    *Store
}

// NewSessionManager creates a manager backed by a durable Store rooted at dir.
func NewSessionManager(dir string) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*state),
		store:    NewStore(dir),
	}
}

func (m *SessionManager) getOrCreate(key string) *state {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := &state{history: m.store.LoadHistory(key), updated: time.Now()}
	m.sessions[key] = s
	return s
}

// GetHistory returns a copy of a session's message history.
func (m *SessionManager) GetHistory(key string) []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(key)
	out := make([]providers.Message, len(s.history))
	copy(out, s.history)
	return out
}

// GetSummary returns a session's running summary (empty if none set).
func (m *SessionManager) GetSummary(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(key).summary
}

// SetSummary replaces a session's running summary.
func (m *SessionManager) SetSummary(key, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreate(key)
	s.summary = summary
	s.updated = time.Now()
}

// AddMessage appends a plain text turn to history and the durable chat log.
func (m *SessionManager) AddMessage(key, role, content string) {
	m.AddFullMessage(key, providers.Message{Role: role, Content: content})
}

// AddFullMessage appends a full message (tool calls, content parts
// included) to history and mirrors a text summary to the durable chat log.
func (m *SessionManager) AddFullMessage(key string, msg providers.Message) {
	m.mu.Lock()
	s := m.getOrCreate(key)
	s.history = append(s.history, msg)
	s.updated = time.Now()
	m.mu.Unlock()

	m.store.AppendChatLog(key, ChatLogEntry{
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: time.Now(),
	})

	channel, chatID := splitSessionKey(key)
	m.store.UpdateSession(key, channel, chatID, 0, 0, len(s.history))
}

// TruncateHistory keeps only the last keepLast messages.
func (m *SessionManager) TruncateHistory(key string, keepLast int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(key)
	if keepLast <= 0 {
		s.history = nil
	} else if len(s.history) > keepLast {
		s.history = append([]providers.Message{}, s.history[len(s.history)-keepLast:]...)
	}
	s.updated = time.Now()
}

// AccumulateTokens records token usage deltas against the durable index.
func (m *SessionManager) AccumulateTokens(key string, inputTokens, outputTokens int64) {
	channel, chatID := splitSessionKey(key)
	m.store.UpdateSession(key, channel, chatID, inputTokens, outputTokens, 0)
}

// UpdateMeta merges origin/model/parent_key/task/enabled_skills/
// injected_files into a session's durable index entry (spec.md §3).
func (m *SessionManager) UpdateMeta(key string, meta MetaUpdate) {
	m.store.UpdateMeta(key, meta)
}

// Info returns a session's durable index metadata, if present.
func (m *SessionManager) Info(key string) (Info, bool) {
	return m.store.Info(key)
}

// Save writes the current in-memory history to the durable snapshot.
func (m *SessionManager) Save(key string) error {
	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	history := make([]providers.Message, len(s.history))
	copy(history, s.history)
	m.mu.RUnlock()

	return m.store.SaveHistory(key, history)
}

// Reset clears a session's in-memory history and summary (keeps the durable
// chat log for audit purposes; only the live conversation state resets).
func (m *SessionManager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = &state{history: []providers.Message{}, updated: time.Now()}
}

// Delete removes a session entirely, in memory and on disk.
func (m *SessionManager) Delete(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	m.store.DeleteSession(key)
}

// FlushIndex forces a synchronous index write; call at shutdown.
func (m *SessionManager) FlushIndex() error {
	return m.store.FlushIndex()
}

func splitSessionKey(key string) (channel, chatID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
