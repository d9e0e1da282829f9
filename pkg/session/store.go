// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package session implements durable per-conversation persistence (C2):
// an index of session metadata, an append-only chat log, and a full
// history snapshot, one of each per session.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// Info is the metadata the index file keeps per session (spec.md §3's
// Session data model).
type Info struct {
	Key            string    `json:"key"`
	Channel        string    `json:"channel,omitempty"`
	ChatID         string    `json:"chat_id,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	Model          string    `json:"model,omitempty"`
	InputTokens    int64     `json:"input_tokens,omitempty"`
	OutputTokens   int64     `json:"output_tokens,omitempty"`
	MessageCount   int       `json:"message_count"`
	EnabledSkills  []string  `json:"enabled_skills,omitempty"`
	InjectedFiles  []string  `json:"injected_files,omitempty"`
	ParentKey      string    `json:"parent_key,omitempty"`
	Task           string    `json:"task,omitempty"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
}

// MetaUpdate carries the non-token Session fields an orchestrator turn may
// learn and persist. Zero-value fields are left untouched (matching
// UpdateSession's merge-if-nonempty behavior); EnabledSkills/InjectedFiles
// replace wholesale when non-nil, since they are snapshots, not deltas.
type MetaUpdate struct {
	Origin        string
	Model         string
	ParentKey     string
	Task          string
	EnabledSkills []string
	InjectedFiles []string
}

// ChatLogEntry is one line of a session's append-only chat log.
type ChatLogEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const indexDebounce = 2 * time.Second

// Store is the durable half of session persistence (C2). It owns the index
// file, the per-session chat logs, and the per-session history snapshots.
// SessionManager (manager.go) layers an in-memory cache with richer
// bookkeeping on top of it for the orchestrator's hot path.
type Store struct {
	dir string

	mu    sync.Mutex
	index map[string]*Info

	debounce     *time.Timer
	debouncePend bool
}

// NewStore opens (or creates) a durable session store rooted at dir.
func NewStore(dir string) *Store {
	s := &Store{
		dir:   dir,
		index: make(map[string]*Info),
	}
	if dir != "" {
		os.MkdirAll(dir, 0755)
		os.MkdirAll(filepath.Join(dir, "logs"), 0755)
		os.MkdirAll(filepath.Join(dir, "history"), 0755)
		s.loadIndex()
	}
	return s
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

func (s *Store) logPath(key string) string {
	return filepath.Join(s.dir, "logs", sanitizeKey(key)+".jsonl")
}

func (s *Store) historyPath(key string) string {
	return filepath.Join(s.dir, "history", sanitizeKey(key)+".json")
}

func sanitizeKey(key string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(key)
}

func (s *Store) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return
	}
	var entries []*Info
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.WarnCF("session", "index file corrupt, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, e := range entries {
		s.index[e.Key] = e
	}
}

// UpdateSession merges metadata and token usage deltas for a session, then
// schedules a debounced (2s) index write.
func (s *Store) UpdateSession(key, channel, chatID string, inputDelta, outputDelta int64, messageCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.index[key]
	if !ok {
		info = &Info{Key: key, Created: time.Now()}
		s.index[key] = info
	}
	if channel != "" {
		info.Channel = channel
	}
	if chatID != "" {
		info.ChatID = chatID
	}
	info.InputTokens += inputDelta
	info.OutputTokens += outputDelta
	if messageCount > 0 {
		info.MessageCount = messageCount
	}
	info.Updated = time.Now()

	s.scheduleIndexWriteLocked()
}

// UpdateMeta merges the non-token Session fields (origin, model,
// enabled_skills, injected_files, parent_key, task) for a session, then
// schedules a debounced index write the same way UpdateSession does.
func (s *Store) UpdateMeta(key string, m MetaUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.index[key]
	if !ok {
		info = &Info{Key: key, Created: time.Now()}
		s.index[key] = info
	}
	if m.Origin != "" {
		info.Origin = m.Origin
	}
	if m.Model != "" {
		info.Model = m.Model
	}
	if m.ParentKey != "" {
		info.ParentKey = m.ParentKey
	}
	if m.Task != "" {
		info.Task = m.Task
	}
	if m.EnabledSkills != nil {
		info.EnabledSkills = m.EnabledSkills
	}
	if m.InjectedFiles != nil {
		info.InjectedFiles = m.InjectedFiles
	}
	info.Updated = time.Now()

	s.scheduleIndexWriteLocked()
}

// scheduleIndexWriteLocked arms a debounce timer, if none is armed, that
// performs the actual index write indexDebounce after that first update;
// updates arriving while it is armed are folded into the same write. mu
// must be held.
func (s *Store) scheduleIndexWriteLocked() {
	if s.dir == "" {
		return
	}
	s.debouncePend = true
	if s.debounce != nil {
		return
	}
	s.debounce = time.AfterFunc(indexDebounce, func() {
		s.mu.Lock()
		s.debounce = nil
		pending := s.debouncePend
		s.debouncePend = false
		entries := s.snapshotIndexLocked()
		s.mu.Unlock()

		if pending {
			if err := s.writeIndex(entries); err != nil {
				logger.WarnCF("session", "index write failed", map[string]interface{}{"error": err.Error()})
			}
		}
	})
}

func (s *Store) snapshotIndexLocked() []*Info {
	entries := make([]*Info, 0, len(s.index))
	for _, info := range s.index {
		cp := *info
		entries = append(entries, &cp)
	}
	return entries
}

func (s *Store) writeIndex(entries []*Info) error {
	return atomicWriteJSON(s.indexPath(), entries)
}

// FlushIndex forces an immediate index write, bypassing the debounce. Used
// at shutdown so pending metadata isn't lost.
func (s *Store) FlushIndex() error {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.debouncePend = false
	entries := s.snapshotIndexLocked()
	s.mu.Unlock()
	return s.writeIndex(entries)
}

// AppendChatLog appends one turn to a session's chat log. Fails open: I/O
// errors are logged and swallowed rather than propagated, since losing one
// audit-log line must never interrupt the conversation.
func (s *Store) AppendChatLog(key string, entry ChatLogEntry) {
	if s.dir == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logger.WarnCF("session", "chat log marshal failed", map[string]interface{}{"error": err.Error()})
		return
	}

	f, err := os.OpenFile(s.logPath(key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.WarnCF("session", "chat log open failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.WarnCF("session", "chat log append failed", map[string]interface{}{"error": err.Error()})
	}
}

// ReadChatLog replays a session's chat log. A truncated final line (from a
// crash mid-write) is tolerated and dropped.
func (s *Store) ReadChatLog(key string) ([]ChatLogEntry, error) {
	f, err := os.Open(s.logPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening chat log: %w", err)
	}
	defer f.Close()

	var entries []ChatLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ChatLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // unparseable line (e.g. partial last line after a crash): skip it
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveHistory atomically replaces the full history snapshot for a session.
func (s *Store) SaveHistory(key string, history []providers.Message) error {
	if s.dir == "" {
		return nil
	}
	return atomicWriteJSON(s.historyPath(key), history)
}

// LoadHistory returns the saved history snapshot, or an empty slice if none exists.
func (s *Store) LoadHistory(key string) []providers.Message {
	data, err := os.ReadFile(s.historyPath(key))
	if err != nil {
		return []providers.Message{}
	}
	var history []providers.Message
	if err := json.Unmarshal(data, &history); err != nil {
		logger.WarnCF("session", "history snapshot corrupt", map[string]interface{}{"key": key, "error": err.Error()})
		return []providers.Message{}
	}
	return history
}

// DeleteSession removes a session's index entry, chat log, and history snapshot.
func (s *Store) DeleteSession(key string) {
	s.DeleteSessions([]string{key})
}

// DeleteSessions removes multiple sessions with a single index write.
func (s *Store) DeleteSessions(keys []string) {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.index, key)
	}
	entries := s.snapshotIndexLocked()
	s.mu.Unlock()

	if err := s.writeIndex(entries); err != nil {
		logger.WarnCF("session", "index write failed during delete", map[string]interface{}{"error": err.Error()})
	}

	for _, key := range keys {
		os.Remove(s.logPath(key))
		os.Remove(s.historyPath(key))
	}
}

// Info returns a copy of a session's index metadata, if present.
func (s *Store) Info(key string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.index[key]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	cleanup = false
	return nil
}
