// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Session keys follow a flat "{channel}:{rest}" format (this runtime is
// single-agent, so there is no agent-id segment the way a multi-tenant
// gateway would need):
//
//	DM/group:    {channel}:{chat_id}
//	Forum topic: {channel}:{chat_id}:topic:{topic_id}
//	Subagent:    subagent:{parent_key}:{label}
//	Cron:        cron:{job_id}:run:{run_id}
package session

import (
	"fmt"
	"strings"
)

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(channel, chatID string) string {
	return fmt.Sprintf("%s:%s", channel, chatID)
}

// BuildTopicKey builds the session key for a forum/thread topic scoped
// within a channel conversation (spec SUPPLEMENTED FEATURES #4).
func BuildTopicKey(channel, chatID, topicID string) string {
	return fmt.Sprintf("%s:%s:topic:%s", channel, chatID, topicID)
}

// BuildSubagentKey builds the session key for a bounded subagent run,
// derived from the parent session's own key (spec.md §4.10) so a child's
// history and cleanup can always be traced back to the session that
// spawned it. parentKey is empty for a subagent spawned outside any
// session (e.g. a cron firing with no chat context).
func BuildSubagentKey(parentKey, label string) string {
	if parentKey == "" {
		return fmt.Sprintf("subagent::%s", label)
	}
	return fmt.Sprintf("subagent:%s:%s", parentKey, label)
}

// BuildCronKey builds the session key for one scheduled-job firing.
func BuildCronKey(jobID, runID string) string {
	return fmt.Sprintf("cron:%s:run:%s", jobID, runID)
}

// ParseKey splits a session key into its channel and the remainder.
func ParseKey(key string) (channel, rest string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) < 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// IsSubagentKey reports whether key identifies a subagent session.
func IsSubagentKey(key string) bool {
	return strings.HasPrefix(key, "subagent:")
}

// IsCronKey reports whether key identifies a scheduled-job session.
func IsCronKey(key string) bool {
	return strings.HasPrefix(key, "cron:")
}
