// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package persona owns the on-disk persona files read by the prompt
// assembler (C6) and written by the tag parser (C5): SOUL.md, IDENTITY.md,
// MOOD.md, RELATIONSHIPS.md, MEMORY.md, the daily memory log, and
// per-sender user profiles (spec.md §6). Every write is atomic (temp file
// then rename) and keeps at most three timestamped .bak backups, matching
// the write-temp-then-rename idiom already used by session/store.go and
// state/topic_mapping.go.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/utils"
)

const maxBackups = 3

// Store reads and writes the persona file set rooted at workspace/persona.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a Store rooted at filepath.Join(workspace, "persona").
func New(workspace string) *Store {
	dir := filepath.Join(workspace, "persona")
	os.MkdirAll(dir, 0755)
	os.MkdirAll(filepath.Join(dir, "memory"), 0755)
	os.MkdirAll(filepath.Join(dir, "users"), 0755)
	return &Store{dir: dir}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Read returns the contents of a top-level persona file, or "" if absent.
func (s *Store) Read(name string) string {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return ""
	}
	return string(data)
}

// Soul, Identity, Mood, Relationships, Memory return the current contents
// of the corresponding persona file (spec.md §6).
func (s *Store) Soul() string          { return s.Read("SOUL.md") }
func (s *Store) Identity() string      { return s.Read("IDENTITY.md") }
func (s *Store) Mood() string          { return s.Read("MOOD.md") }
func (s *Store) Relationships() string { return s.Read("RELATIONSHIPS.md") }
func (s *Store) Memory() string        { return s.Read("MEMORY.md") }

// UserProfile returns the persona/users/{sender_id}.md profile for
// senderID, or "" if none has been written yet.
func (s *Store) UserProfile(senderID string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, "users", utils.SanitizeFilename(senderID)+".md"))
	if err != nil {
		return ""
	}
	return string(data)
}

// writeAtomic writes content to path via temp-file-then-rename, rotating up
// to maxBackups timestamped .bak copies of whatever was there before.
func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format("20060102T150405.000000000"))
		if err := os.WriteFile(backupPath, existing, 0644); err == nil {
			pruneBackups(path)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// pruneBackups keeps only the maxBackups most recent *.bak files for path.
func pruneBackups(path string) {
	matches, err := filepath.Glob(path + ".*.bak")
	if err != nil || len(matches) <= maxBackups {
		return
	}
	sort.Strings(matches) // timestamp-prefixed names sort chronologically
	for _, old := range matches[:len(matches)-maxBackups] {
		os.Remove(old)
	}
}

// SaveSoul atomically overwrites SOUL.md.
func (s *Store) SaveSoul(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path("SOUL.md"), content)
}

// SaveIdentity atomically overwrites IDENTITY.md.
func (s *Store) SaveIdentity(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path("IDENTITY.md"), content)
}

// SaveMood atomically overwrites MOOD.md.
func (s *Store) SaveMood(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path("MOOD.md"), content)
}

// SaveRelationships atomically overwrites RELATIONSHIPS.md.
func (s *Store) SaveRelationships(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path("RELATIONSHIPS.md"), content)
}

// SaveUser atomically overwrites persona/users/{sender_id}.md.
func (s *Store) SaveUser(senderID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.dir, "users", utils.SanitizeFilename(senderID)+".md"), content)
}

// SaveMemory atomically overwrites the consolidated MEMORY.md (save_memory
// tag: a full replacement of the distilled long-term memory, as opposed to
// LogMemory's append-only daily journal).
func (s *Store) SaveMemory(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path("MEMORY.md"), content)
}

// LogMemory appends a timestamped line to today's
// persona/memory/YYYY-MM-DD.md journal (log_memory tag, spec.md §4.5).
func (s *Store) LogMemory(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(s.dir, "memory", day+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open daily memory log: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("- [%s] %s\n", time.Now().UTC().Format("15:04:05"), strings.TrimSpace(content))
	_, err = f.WriteString(line)
	return err
}

// completenessKeywords is the soul-content keyword set checked by
// IsComplete (spec.md §4.6).
var completenessKeywords = []string{
	"core", "truth", "value", "boundary", "personality", "who", "believe", "important",
}

// IsComplete reports whether the persona has enough content to skip the
// setup-interview fallback: soul is long enough and touches on an identity
// keyword, and identity names both a Name and a Style field.
func IsComplete(soul, identity string) bool {
	return soulComplete(soul) && identityComplete(identity)
}

func soulComplete(soul string) bool {
	if len(soul) < 100 {
		return false
	}
	lower := strings.ToLower(soul)
	for _, kw := range completenessKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func identityComplete(identity string) bool {
	if len(identity) < 50 {
		return false
	}
	lower := strings.ToLower(identity)
	return strings.Contains(lower, "name") && strings.Contains(lower, "style")
}
