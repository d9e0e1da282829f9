// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"fmt"

	"github.com/sipeed/picoclaw/pkg/constants"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// ToolLoopConfig configures a bounded sub-loop: repeated Chat calls against
// a tool-enabled provider until the model stops requesting tools or
// MaxIterations is reached. Used by consult_specialist and any other tool
// that needs its own scoped reasoning loop rather than the main
// orchestrator's streaming turn.
type ToolLoopConfig struct {
	Provider      providers.LLMProvider
	Model         string
	Tools         *ToolRegistry
	MaxIterations int
	LLMOptions    map[string]interface{}
}

// ToolLoopResult is the outcome of a bounded sub-loop.
type ToolLoopResult struct {
	Content    string
	Iterations int
}

// RunToolLoop drives messages through cfg.Provider, executing any tool
// calls the model requests via cfg.Tools, until the model returns a final
// answer with no tool calls or the iteration cap is hit. Sub-loops run
// autonomously: tool calls in this loop never hit the confirmation gate,
// since there is no external approval channel watching a subagent's own
// session.
func RunToolLoop(ctx context.Context, cfg ToolLoopConfig, messages []providers.Message, channel, chatID string) (*ToolLoopResult, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = constants.SubagentMaxIterations
	}

	defs := cfg.Tools.ToProviderDefinitions()
	sessionKey := fmt.Sprintf("%s:%s", channel, chatID)

	for i := 0; i < cfg.MaxIterations; i++ {
		resp, err := cfg.Provider.Chat(ctx, messages, defs, cfg.Model, cfg.LLMOptions)
		if err != nil {
			return nil, fmt.Errorf("tool loop chat call: %w", err)
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return &ToolLoopResult{Content: resp.Content, Iterations: i + 1}, nil
		}

		toolMsgs, _ := cfg.Tools.ExecuteBatch(ctx, resp.ToolCalls, BatchOptions{
			Channel:    channel,
			ChatID:     chatID,
			SessionKey: sessionKey,
			Autonomous: true,
		})
		messages = append(messages, toolMsgs...)
	}

	return &ToolLoopResult{
		Content:    "Reached the maximum number of tool iterations without a final answer.",
		Iterations: cfg.MaxIterations,
	}, nil
}
