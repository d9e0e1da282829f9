// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/scheduler"
)

// ---------------------------------------------------------------------------
// CronAddTool — schedules a one-shot or recurring job (C7).
// ---------------------------------------------------------------------------

type CronAddTool struct {
	store             *scheduler.Store
	channel, chatID   string
	senderID          string
}

func NewCronAddTool(store *scheduler.Store) *CronAddTool {
	return &CronAddTool{store: store}
}

func (t *CronAddTool) Name() string { return "cron_add" }
func (t *CronAddTool) Description() string {
	return "Schedule a one-shot reminder (trigger_at) or a recurring job (cron_expr) that re-enters the conversation with the given payload."
}
func (t *CronAddTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"payload":       map[string]interface{}{"type": "string", "description": "Text to re-inject into the conversation when the job fires"},
			"trigger_at":    map[string]interface{}{"type": "string", "description": "RFC3339 timestamp for a one-shot job (mutually exclusive with cron_expr)"},
			"cron_expr":     map[string]interface{}{"type": "string", "description": "5-field cron expression for a recurring job (mutually exclusive with trigger_at)"},
			"tz_offset_min": map[string]interface{}{"type": "integer", "description": "Minutes to add to UTC before evaluating cron_expr, e.g. for the user's local timezone"},
		},
		"required": []string{"payload"},
	}
}

func (t *CronAddTool) SetContext(channel, chatID string) { t.channel, t.chatID = channel, chatID }

// SetSenderID lets the caller thread the triggering sender through for
// per-job attribution; the orchestrator calls this alongside SetContext.
func (t *CronAddTool) SetSenderID(senderID string) { t.senderID = senderID }

func (t *CronAddTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	payload, _ := args["payload"].(string)
	if payload == "" {
		return ErrorResult("payload is required")
	}

	job := scheduler.Job{
		Payload:  payload,
		Channel:  t.channel,
		ChatID:   t.chatID,
		SenderID: t.senderID,
	}

	if triggerAt, ok := args["trigger_at"].(string); ok && triggerAt != "" {
		ts, err := time.Parse(time.RFC3339, triggerAt)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid trigger_at: %v", err))
		}
		job.TriggerTS = &ts
	}
	if cronExpr, ok := args["cron_expr"].(string); ok && cronExpr != "" {
		job.CronExpr = strings.TrimSpace(cronExpr)
	}
	if tz, ok := args["tz_offset_min"].(float64); ok {
		job.TZOffsetMin = int(tz)
	}

	created, err := t.store.Add(job)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v", err))
	}
	return SilentResult(fmt.Sprintf("Scheduled job %s", created.ID))
}

// ---------------------------------------------------------------------------
// CronListTool — lists jobs scheduled for the current session.
// ---------------------------------------------------------------------------

type CronListTool struct {
	store           *scheduler.Store
	channel, chatID string
}

func NewCronListTool(store *scheduler.Store) *CronListTool {
	return &CronListTool{store: store}
}

func (t *CronListTool) Name() string        { return "cron_list" }
func (t *CronListTool) Description() string { return "List scheduled jobs for this conversation." }
func (t *CronListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *CronListTool) SetContext(channel, chatID string) { t.channel, t.chatID = channel, chatID }

func (t *CronListTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	jobs := t.store.List(t.channel, t.chatID)
	if len(jobs) == 0 {
		return SilentResult("No scheduled jobs.")
	}
	var b strings.Builder
	for _, j := range jobs {
		switch {
		case j.CronExpr == "" && j.TriggerTS != nil:
			fmt.Fprintf(&b, "%s: one-shot at %s — %s\n", j.ID, j.TriggerTS.Format(time.RFC3339), j.Payload)
		default:
			fmt.Fprintf(&b, "%s: cron %q (tz offset %dmin) — %s\n", j.ID, j.CronExpr, j.TZOffsetMin, j.Payload)
		}
	}
	return SilentResult(b.String())
}

// ---------------------------------------------------------------------------
// CronRemoveTool — sensitive (constants.SensitiveTools), gated by confirmation.
// ---------------------------------------------------------------------------

type CronRemoveTool struct {
	store *scheduler.Store
}

func NewCronRemoveTool(store *scheduler.Store) *CronRemoveTool {
	return &CronRemoveTool{store: store}
}

func (t *CronRemoveTool) Name() string        { return "cron_remove" }
func (t *CronRemoveTool) Description() string { return "Cancel a scheduled job by ID. Requires user confirmation." }
func (t *CronRemoveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": "string", "description": "Job ID returned by cron_add or cron_list"},
		},
		"required": []string{"id"},
	}
}

func (t *CronRemoveTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	if !t.store.Remove(id) {
		return ErrorResult(fmt.Sprintf("Error: no job with id %q", id))
	}
	return SilentResult(fmt.Sprintf("Removed job %s", id))
}
