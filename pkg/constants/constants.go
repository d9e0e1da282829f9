// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package constants holds fixed vocabularies shared across the orchestrator:
// internal channel names, outbound metadata types, sensitive tool names, and
// dedup/confirmation wording the rest of the tree does not derive at runtime.
package constants

import "time"

// internalChannels are channels whose messages are never relayed back to a
// human-facing transport (used by processSystemMessage to suppress user
// echo).
var internalChannels = map[string]bool{
	"system":   true,
	"cli":      true,
	"subagent": true,
	"cron":     true,
}

// IsInternalChannel reports whether a channel name is an internal routing
// channel rather than a real human-facing transport.
func IsInternalChannel(channel string) bool {
	return internalChannels[channel]
}

// Outbound metadata.type values (spec.md §3).
const (
	OutboundTypeMessage          = "message"
	OutboundTypeChunk            = "chunk"
	OutboundTypeThinking         = "thinking"
	OutboundTypeTyping           = "typing"
	OutboundTypeStopTyping       = "stop_typing"
	OutboundTypeToolExecution    = "tool_execution"
	OutboundTypeActivity         = "activity"
	OutboundTypeFile             = "file"
	OutboundTypeEmbed            = "embed"
	OutboundTypeWhatsAppQR       = "whatsapp_qr"
	OutboundTypeWhatsAppStatus   = "whatsapp_status"
	OutboundTypeNotification     = "notification"
	OutboundTypeRateLimitError   = "rate_limit_error"
	OutboundTypeCancellation     = "cancellation"
)

// Tool execution status values carried in tool_execution outbound events.
const (
	ToolStatusRunning             = "running"
	ToolStatusWaitingConfirmation = "waiting_confirmation"
	ToolStatusCompleted           = "completed"
	ToolStatusError               = "error"
)

// SensitiveTools is the fixed set of tool names that require confirmation
// gating (spec.md §4.4) unless session-whitelisted or channel-auto-approved.
var SensitiveTools = map[string]bool{
	"delete_file": true,
	"run_command": true,
	"write_file":  true,
	"cron_remove": true,
}

// IsSensitive reports whether a tool name is in the sensitive set.
func IsSensitive(name string) bool {
	return SensitiveTools[name]
}

// Error-prefixed result strings that must never be written to the tool
// cache (spec.md §4.3). A batch is flagged blocked only by the confirmation
// gate, not by these prefixes.
var CachePoisonPrefixes = []string{
	"Error:",
	"Failed:",
	"Action Blocked:",
	"ACTION CANCELLED:",
	"ACTION BLOCKED:",
}

// HasErrorPrefix reports whether s begins with one of CachePoisonPrefixes.
func HasErrorPrefix(s string) bool {
	for _, p := range CachePoisonPrefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// ApproveWords / DenyWords are the normalized tokens recognized by the
// confirmation intercept (spec.md §4.8 step 2). Matched either as the whole
// normalized message or as its leading token.
var ApproveWords = map[string]bool{
	"proceed": true, "yes": true, "approve": true, "confirm": true,
	"ok": true, "sure": true, "y": true, "go": true, "run": true, "do it": true,
}

var DenyWords = map[string]bool{
	"no": true, "cancel": true, "deny": true, "stop": true,
	"reject": true, "n": true, "abort": true, "nope": true,
}

// Per-tool result truncation limits applied before a tool result becomes a
// `tool` history turn (spec.md §4.4 step 3).
var ToolResultTruncateLimits = map[string]int{
	"read_file":      8000,
	"search_memory":  3000,
	"browser_extract": 5000,
}

// DefaultToolResultTruncateLimit is used for any tool not listed above.
const DefaultToolResultTruncateLimit = 2000

// Timeouts fixed by the spec.
const (
	DedupWindow           = 2 * time.Second
	ConfirmationTTL        = 300 * time.Second
	DefaultToolTimeout     = 120 * time.Second
	RAGSoftTimeout         = 200 * time.Millisecond
	SchedulerTick          = 1 * time.Second
	StablePromptTTL        = 30 * time.Second
	IndexDebounce          = 2 * time.Second
	StreamFlushBytes       = 256
	StreamFlushInterval    = 80 * time.Millisecond
	MaxToolIterations      = 30
	SubagentMaxIterations  = 10
	HistoryTokenBudget     = 12000
	ToolCacheDefaultTTL    = 300 * time.Second
	ToolCacheDefaultSize   = 100
)
