// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package state

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingConfirmation gates a sensitive tool call behind an external
// approve/deny event (spec.md §4.4 step d, §4.8 step 2).
type PendingConfirmation struct {
	ConfID     string
	SessionKey string
	ToolName   string
	Summary    string
	ExpiresAt  time.Time

	resolved chan bool // true = approved, false = denied or expired; closed after the one outcome is sent
	once     sync.Once
}

// ConfirmationStore tracks outstanding confirmations in memory. These are
// short-lived (300s TTL) and never survive a restart, so unlike session
// state they are not mirrored to disk.
type ConfirmationStore struct {
	mu      sync.Mutex
	pending map[string]*PendingConfirmation
}

// NewConfirmationStore creates an empty store.
func NewConfirmationStore() *ConfirmationStore {
	return &ConfirmationStore{pending: make(map[string]*PendingConfirmation)}
}

// Create registers a new pending confirmation for sessionKey/toolName and
// returns it. The caller awaits Resolved(), which delivers false when ttl
// elapses without a decision.
func (s *ConfirmationStore) Create(sessionKey, toolName, summary string, ttl time.Duration) *PendingConfirmation {
	pc := &PendingConfirmation{
		ConfID:     uuid.NewString(),
		SessionKey: sessionKey,
		ToolName:   toolName,
		Summary:    summary,
		ExpiresAt:  time.Now().Add(ttl),
		resolved:   make(chan bool, 1),
	}

	s.mu.Lock()
	s.pending[pc.ConfID] = pc
	s.mu.Unlock()

	time.AfterFunc(ttl, func() { s.expire(pc.ConfID) })

	return pc
}

// Resolved returns the channel that delivers the approve/deny outcome.
func (pc *PendingConfirmation) Resolved() <-chan bool {
	return pc.resolved
}

func (pc *PendingConfirmation) settle(approved bool) {
	pc.once.Do(func() {
		pc.resolved <- approved
		close(pc.resolved)
	})
}

func (s *ConfirmationStore) expire(confID string) {
	s.mu.Lock()
	pc, ok := s.pending[confID]
	if ok {
		delete(s.pending, confID)
	}
	s.mu.Unlock()
	if ok {
		pc.settle(false)
	}
}

// Resolve approves or denies the confirmation identified by confID.
func (s *ConfirmationStore) Resolve(confID string, approved bool) bool {
	s.mu.Lock()
	pc, ok := s.pending[confID]
	if ok {
		delete(s.pending, confID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	pc.settle(approved)
	return true
}

// ResolveAllForSession resolves every pending confirmation belonging to
// sessionKey (used by the confirmation intercept, spec.md §4.8 step 2, which
// matches on session rather than a specific conf_id).
func (s *ConfirmationStore) ResolveAllForSession(sessionKey string, approved bool) int {
	s.mu.Lock()
	var matched []*PendingConfirmation
	for id, pc := range s.pending {
		if pc.SessionKey == sessionKey {
			matched = append(matched, pc)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, pc := range matched {
		pc.settle(approved)
	}
	return len(matched)
}

// HasPendingForSession reports whether sessionKey has any outstanding
// confirmation (used to gate the confirmation intercept).
func (s *ConfirmationStore) HasPendingForSession(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pc := range s.pending {
		if pc.SessionKey == sessionKey {
			return true
		}
	}
	return false
}
