// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package agent implements the orchestrator (C8) and its prompt assembler
// (C6). PromptAssembler builds the two-layer system prompt spec.md §4.6
// describes: a stable part — persona files, channel style, tool-calling
// instructions, per-user profile, allowed-paths/whitelist constraints —
// cached per (sender_id, channel) for 30s and invalidated on soul/identity
// update, plus a volatile suffix appended per message (recalled memory,
// episodic summary, timestamp).
package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/constants"
	"github.com/sipeed/picoclaw/pkg/media"
	"github.com/sipeed/picoclaw/pkg/persona"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// setupInterviewPrompt is the stable-part replacement used while persona
// files fail the completeness check (spec.md §4.6). Completion is detected
// by persona.IsComplete on the saved SOUL.md and IDENTITY.md, which is
// stricter than tagparser's own validation of the save_soul/save_identity
// tags that write them.
const setupInterviewPrompt = `# Getting Acquainted

You don't yet have a persona configured. Before doing anything else, have a
short conversation with whoever is talking to you to learn who you should
be: your core values and boundaries (what truly matters to you, what you
won't do), and your name and conversational style.

Once you have enough to work with, save what you've learned using the
save_soul and save_identity tags — do this as soon as you reasonably can,
rather than waiting for a long interview. save_soul needs at least a couple
of sentences about values/boundaries/personality; save_identity needs at
least a Name and a Style.`

// channelStyleOverlay are short, channel-specific delivery notes appended to
// the stable prompt. Channels not listed get no overlay.
var channelStyleOverlay = map[string]string{
	"discord":  "You are replying in Discord. Markdown is supported. You may use discord_embed for rich structured replies.",
	"telegram": "You are replying in Telegram. Keep formatting simple (Telegram's subset of Markdown).",
	"cli":      "You are replying on a local terminal. Plain text, no markup.",
	"slack":    "You are replying in Slack. Slack's mrkdwn subset is supported.",
}

const toolInstructions = `## Tool Use

Call tools directly when you need to act — never describe an action instead
of taking it. Tool results come back as their own turn; incorporate them
before replying.

## Persona & Memory Tags

Use these tags, inline in your reply, to persist durable facts about
yourself or the user. Their bodies are stripped from what the user sees:
<save_soul>...</save_soul>, <save_identity>...</save_identity>,
<save_mood>...</save_mood>, <save_relationship>...</save_relationship>,
<save_user sender_id="...">...</save_user>, <log_memory>...</log_memory>,
<save_memory>...</save_memory>. Use discord_send/discord_embed only when you
need to push a message to Discord outside the current reply channel.`

type stableEntry struct {
	text      string
	expiresAt time.Time
}

// PromptAssembler builds system prompts per spec.md §4.6.
type PromptAssembler struct {
	workspace string
	persona   *persona.Store
	tools     ToolDefinitionsSource

	mu     sync.Mutex
	stable map[string]stableEntry // key = sender_id + "\x00" + channel
}

// ToolDefinitionsSource is the subset of *tools.ToolRegistry the assembler
// needs; declared as an interface here so pkg/agent doesn't import pkg/tools
// just to read tool names.
type ToolDefinitionsSource interface {
	ToProviderDefinitions() []providers.ToolDefinition
}

// NewPromptAssembler creates an assembler rooted at workspace, backed by a
// persona store. SetToolsRegistry may be called later once the registry
// exists.
func NewPromptAssembler(workspace string, personaStore *persona.Store) *PromptAssembler {
	return &PromptAssembler{
		workspace: workspace,
		persona:   personaStore,
		stable:    make(map[string]stableEntry),
	}
}

// SetToolsRegistry wires the registry used to list allowed tool names in the
// stable prompt's whitelist-constraints section.
func (a *PromptAssembler) SetToolsRegistry(tools ToolDefinitionsSource) {
	a.tools = tools
}

func stableKey(senderID, channel string) string {
	return senderID + "\x00" + channel
}

// InvalidateStable drops the cached stable prompt for one sender/channel
// pair, called when a save_soul/save_identity tag fires (spec.md §4.8 step
// 11).
func (a *PromptAssembler) InvalidateStable(senderID, channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stable, stableKey(senderID, channel))
}

// stablePrompt returns the cached stable part for (senderID, channel),
// rebuilding it if absent or past its 30s TTL.
func (a *PromptAssembler) stablePrompt(senderID, channel string) string {
	key := stableKey(senderID, channel)

	a.mu.Lock()
	if e, ok := a.stable[key]; ok && time.Now().Before(e.expiresAt) {
		a.mu.Unlock()
		return e.text
	}
	a.mu.Unlock()

	text := a.buildStable(senderID, channel)

	a.mu.Lock()
	a.stable[key] = stableEntry{text: text, expiresAt: time.Now().Add(constants.StablePromptTTL)}
	a.mu.Unlock()

	return text
}

func (a *PromptAssembler) buildStable(senderID, channel string) string {
	soul := a.persona.Soul()
	identity := a.persona.Identity()

	if !persona.IsComplete(soul, identity) {
		return setupInterviewPrompt
	}

	var parts []string
	parts = append(parts, "# Persona\n\n"+soul)
	parts = append(parts, "# Identity\n\n"+identity)

	if mood := a.persona.Mood(); mood != "" {
		parts = append(parts, "# Current Mood\n\n"+mood)
	}
	if rel := a.persona.Relationships(); rel != "" {
		parts = append(parts, "# Relationships\n\n"+rel)
	}
	if style, ok := channelStyleOverlay[channel]; ok {
		parts = append(parts, "# Channel Style\n\n"+style)
	}

	parts = append(parts, toolInstructions)

	if profile := a.persona.UserProfile(senderID); profile != "" {
		parts = append(parts, "# This User\n\n"+profile)
	}

	parts = append(parts, a.allowedPathsSection())

	return strings.Join(parts, "\n\n---\n\n")
}

func (a *PromptAssembler) allowedPathsSection() string {
	section := fmt.Sprintf("# Filesystem Access\n\nYour workspace is: %s\nFile tools are restricted to this directory tree unless explicitly configured otherwise.", a.workspace)

	if a.tools == nil {
		return section
	}
	defs := a.tools.ToProviderDefinitions()
	if len(defs) == 0 {
		return section
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	return section + "\n\nAvailable tools: " + strings.Join(names, ", ") + "."
}

// volatileSuffix builds the per-message suffix: recalled memory snippets,
// episodic summary, wall-clock timestamp (spec.md §4.6).
func volatileSuffix(ragSnippets, episodicSummary string) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n---\n\n# Current Time\n\n%s", now)
	if ragSnippets != "" {
		b.WriteString("\n\n# Recalled Memory\n\n" + ragSnippets)
	}
	if episodicSummary != "" {
		b.WriteString("\n\n# Episodic Summary\n\n" + episodicSummary)
	}
	return b.String()
}

// BuildMessages assembles the full message list for one turn: system prompt
// (stable + volatile), optional context-summary turn, history, and the
// current user turn (with optional multimodal parts).
func (a *PromptAssembler) BuildMessages(senderID, channel, chatID string, history []providers.Message, contextSummary, ragSnippets, episodicSummary, currentMessage string, mediaParts []media.ContentPart) []providers.Message {
	systemPrompt := a.stablePrompt(senderID, channel) + volatileSuffix(ragSnippets, episodicSummary)
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n# Current Session\n\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	messages := make([]providers.Message, 0, len(history)+3)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})

	if contextSummary != "" {
		messages = append(messages, providers.Message{Role: "system", Content: "CONTEXT SUMMARY\n\n" + contextSummary})
	}

	// History never begins with anything other than a single system turn
	// (spec.md §3 invariant); strip any leading orphaned tool turns a prior
	// truncation may have left behind.
	for len(history) > 0 && history[0].Role == "tool" {
		history = history[1:]
	}
	messages = append(messages, history...)

	userMsg := providers.Message{Role: "user", Content: currentMessage}
	if len(mediaParts) > 0 {
		userMsg.ContentParts = mediaParts
	}
	messages = append(messages, userMsg)

	return messages
}
