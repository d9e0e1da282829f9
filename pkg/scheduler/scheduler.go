// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package scheduler implements the durable one-shot/cron job store and tick
// loop (C7): jobs persist to a single JSON file so they survive a restart,
// and a 1-second ticker fires due jobs as synthetic inbound messages back
// into the bus (spec.md §4.7).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/constants"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// Job is a scheduled reminder/task. One-shot jobs carry only TriggerTS and
// are removed once fired. Recurring jobs carry CronExpr plus the next
// computed TriggerTS (spec.md §3); firing re-derives TriggerTS from the
// instant that was scheduled to fire, not from wall-clock time, so a
// restart after downtime catches up one missed occurrence per tick instead
// of skipping straight to "now" (original_source/core/scheduler.py's
// `croniter(cron_expr, scheduled_dt).get_next()` on every fire).
type Job struct {
	ID          string     `json:"id"`
	TriggerTS   *time.Time `json:"trigger_ts,omitempty"`
	CronExpr    string     `json:"cron_expr,omitempty"`
	TZOffsetMin int        `json:"tz_offset_min,omitempty"`
	Payload     string     `json:"payload"`
	Channel     string     `json:"channel"`
	ChatID      string     `json:"chat_id"`
	SenderID    string     `json:"sender_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (j Job) validate() error {
	if j.Payload == "" {
		return fmt.Errorf("payload is required")
	}
	if j.Channel == "" || j.ChatID == "" {
		return fmt.Errorf("channel and chat_id are required")
	}
	if j.CronExpr == "" && j.TriggerTS == nil {
		return fmt.Errorf("one of trigger_ts or cron_expr must be set")
	}
	if j.CronExpr != "" {
		if valid := gronx.New().IsValid(j.CronExpr); !valid {
			return fmt.Errorf("invalid cron expression %q", j.CronExpr)
		}
	}
	return nil
}

// tzFor returns the fixed zone a cron job's trigger should be computed and
// re-evaluated in, per its TZOffsetMin.
func (j Job) tzFor() *time.Location {
	return time.FixedZone("", j.TZOffsetMin*60)
}

// Store is a single-JSON-file durable job index, guarded by a mutex the way
// pkg/session/store.go and pkg/state/topic_mapping.go guard their own
// single-file indexes.
type Store struct {
	path string
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewStore loads (or creates) the job index at workspace/data/cron.json
// (spec.md §6: "Scheduler store: data/cron.json").
func NewStore(workspace string) *Store {
	dataDir := filepath.Join(workspace, "data")
	os.MkdirAll(dataDir, 0755)
	s := &Store{
		path: filepath.Join(dataDir, "cron.json"),
		jobs: make(map[string]*Job),
	}
	s.load()
	return s
}

// load reads the job index, dropping (with a warning) any entry missing
// both trigger_ts and cron_expr (spec.md §6).
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var list []*Job
	if err := json.Unmarshal(data, &list); err != nil {
		logger.WarnCF("scheduler", "failed to parse job index, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, j := range list {
		if j.TriggerTS == nil && j.CronExpr == "" {
			logger.WarnCF("scheduler", "dropping job missing both trigger_ts and cron_expr", map[string]interface{}{"job_id": j.ID})
			continue
		}
		s.jobs[j.ID] = j
	}
}

// saveLocked persists the current job set. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	list := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job index: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp job index: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Add validates and persists a new job, assigning it a UUID. Recurring jobs
// with no explicit TriggerTS get their first occurrence computed now, from
// the cron expression evaluated in the job's own timezone.
func (s *Store) Add(j Job) (*Job, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}
	if j.CronExpr != "" && j.TriggerTS == nil {
		next, err := nextCronTick(j.CronExpr, time.Now().In(j.tzFor()))
		if err != nil {
			return nil, fmt.Errorf("computing first occurrence: %w", err)
		}
		next = next.UTC()
		j.TriggerTS = &next
	}
	j.ID = uuid.NewString()
	j.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = &j
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, j.ID)
		return nil, err
	}
	return &j, nil
}

// Remove deletes a job by ID, returning false if it wasn't found.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.saveLocked()
	return true
}

// List returns a snapshot of every job currently scheduled for the given
// channel and chatID if channel is non-empty, or all jobs otherwise.
func (s *Store) List(channel, chatID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if channel != "" && (j.Channel != channel || j.ChatID != chatID) {
			continue
		}
		out = append(out, *j)
	}
	return out
}

// removeAndSave deletes a fired one-shot job and saves, called from the tick
// loop which already holds no lock.
func (s *Store) removeAndSave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	s.saveLocked()
}

// rescheduleAndSave advances a recurring job's persisted trigger to next,
// called from the tick loop immediately after firing it.
func (s *Store) rescheduleAndSave(id string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.TriggerTS = &next
	s.saveLocked()
}

func (s *Store) snapshot() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Scheduler ticks the job store once a second, firing any job whose trigger
// has arrived as a synthetic inbound message on the bus.
type Scheduler struct {
	store *Store
	bus   *bus.MessageBus
}

// New creates a Scheduler backed by store, publishing fired jobs onto b.
func New(store *Store, b *bus.MessageBus) *Scheduler {
	return &Scheduler{
		store: store,
		bus:   b,
	}
}

// nextCronTick returns the next occurrence of expr strictly after base.
func nextCronTick(expr string, base time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, base, false)
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(constants.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every job whose TriggerTS has arrived. A recurring job is
// rescheduled from the instant it was scheduled to fire, not from "now" —
// if the process was down past one or more occurrences, each gets its own
// catch-up fire (one per tick) rather than being skipped
// (original_source/core/scheduler.py's `run()`/`_execute_job()`).
func (s *Scheduler) tick() {
	now := time.Now().UTC()
	for _, j := range s.store.snapshot() {
		if j.TriggerTS == nil || now.Before(*j.TriggerTS) {
			continue
		}

		scheduled := *j.TriggerTS
		s.fire(*j)

		if j.CronExpr == "" {
			s.store.removeAndSave(j.ID)
			continue
		}

		next, err := nextCronTick(j.CronExpr, scheduled.In(j.tzFor()))
		if err != nil {
			logger.ErrorCF("scheduler", "failed to compute next occurrence, removing job",
				map[string]interface{}{"job_id": j.ID, "cron_expr": j.CronExpr, "error": err.Error()})
			s.store.removeAndSave(j.ID)
			continue
		}
		s.store.rescheduleAndSave(j.ID, next.UTC())
	}
}

// fire publishes the job's payload as a detached inbound message so a slow
// bus consumer never stalls the tick loop.
func (s *Scheduler) fire(j Job) {
	go func() {
		s.bus.PublishInbound(bus.InboundMessage{
			Channel:  j.Channel,
			SenderID: j.SenderID,
			ChatID:   j.ChatID,
			Content:  "[SCHEDULER] " + j.Payload,
			Metadata: map[string]string{"source": "scheduler", "job_id": j.ID},
		})
	}()
	logger.InfoCF("scheduler", "fired job", map[string]interface{}{
		"job_id":  j.ID,
		"channel": j.Channel,
		"chat_id": j.ChatID,
	})
}
