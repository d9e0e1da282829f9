// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/constants"
	"github.com/sipeed/picoclaw/pkg/persona"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/session"
)

// subagentOrigin marks a session's origin as a bounded child spawned via
// spawn_subagent, distinct from the transports it fronts (discord, etc.).
const subagentOrigin = "subagent"

// subagentSystemPrompt holds a spawned child's bounded-task instructions;
// Execute places the parent's identity and soul above it (spec.md §4.10).
const subagentSystemPrompt = `You are a sub-agent spawned by the primary assistant to carry out one
bounded task. You share its persona above, but you act independently: finish
the task using the tools available to you, then give a single final answer.
You have at most %d tool-use iterations.

# Task

%s`

// SpawnSubagentConfig wires a SpawnSubagentTool to the parent's own model,
// tool registry, and persona, so the child reasons with the same voice and
// the same tool surface the parent has (spec.md §4.10: "may invoke any tool
// the parent may invoke").
type SpawnSubagentConfig struct {
	Provider providers.LLMProvider
	Model    string
	Tools    *ToolRegistry
	Persona  *persona.Store
	Bus      *bus.MessageBus
	Sessions *session.SessionManager
}

// SpawnSubagentTool runs a bounded child tool-loop (C10) synchronously and
// also files a REPORT back onto the bus's system channel, in
// processSystemMessage's existing "Result:\n" convention, so the sub-task's
// completion shows up in the orchestrator's logs.
type SpawnSubagentTool struct {
	cfg           SpawnSubagentConfig
	parentChannel string
	parentChatID  string
}

func NewSpawnSubagentTool(cfg SpawnSubagentConfig) *SpawnSubagentTool {
	return &SpawnSubagentTool{cfg: cfg}
}

func (t *SpawnSubagentTool) Name() string { return "spawn_subagent" }

func (t *SpawnSubagentTool) Description() string {
	return "Spawn a bounded sub-agent with its own conversation history to carry out a self-contained task, then return its final answer. Use for multi-step side tasks that would otherwise clutter the main conversation."
}

func (t *SpawnSubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "The self-contained task for the sub-agent to complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Optional short label identifying this task, for logging",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnSubagentTool) SetContext(channel, chatID string) {
	t.parentChannel, t.parentChatID = channel, chatID
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	if label == "" {
		label = uuid.NewString()[:8]
	}

	soul := ""
	identity := ""
	if t.cfg.Persona != nil {
		soul = t.cfg.Persona.Soul()
		identity = t.cfg.Persona.Identity()
	}
	system := fmt.Sprintf(subagentSystemPrompt, constants.SubagentMaxIterations, task)
	if soul != "" {
		system = "# Persona\n\n" + soul + "\n\n---\n\n" + system
	}
	if identity != "" {
		system = "# Identity\n\n" + identity + "\n\n---\n\n" + system
	}

	parentKey := ""
	if t.parentChannel != "" && t.parentChatID != "" {
		parentKey = session.BuildKey(t.parentChannel, t.parentChatID)
	}
	childKey := session.BuildSubagentKey(parentKey, label)
	channel, chatID := session.ParseKey(childKey)

	if t.cfg.Sessions != nil {
		t.cfg.Sessions.UpdateMeta(childKey, session.MetaUpdate{
			Origin:    subagentOrigin,
			Model:     t.cfg.Model,
			ParentKey: parentKey,
			Task:      task,
		})
	}

	messages := []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: task},
	}

	result, err := RunToolLoop(ctx, ToolLoopConfig{
		Provider:      t.cfg.Provider,
		Model:         t.cfg.Model,
		Tools:         t.cfg.Tools,
		MaxIterations: constants.SubagentMaxIterations,
	}, messages, channel, chatID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sub-agent %q failed: %v", label, err))
	}

	if t.cfg.Bus != nil && t.parentChannel != "" && t.parentChatID != "" {
		t.cfg.Bus.PublishInbound(bus.InboundMessage{
			Channel:  "system",
			SenderID: "subagent",
			ChatID:   t.parentChannel + ":" + t.parentChatID,
			Content:  fmt.Sprintf("Task %q completed.\n\nResult:\n%s", label, result.Content),
			Metadata: map[string]string{"source": "subagent", "label": label},
		})
	}

	return SilentResult(result.Content)
}
