package providers

import (
	"context"

	"github.com/sipeed/picoclaw/pkg/media"
)

// Message is one turn in a conversation passed to an LLMProvider. Role is
// one of "system", "user", "assistant", "tool". ContentParts carries
// multimodal content (images) alongside or instead of plain Content.
type Message struct {
	Role         string               `json:"role"`
	Content      string               `json:"content"`
	ContentParts []media.ContentPart  `json:"content_parts,omitempty"`
	ToolCalls    []ToolCall           `json:"tool_calls,omitempty"`
	ToolCallID   string               `json:"tool_call_id,omitempty"`
	Name         string               `json:"name,omitempty"`
}

// ToolCall is one tool invocation requested by the model, either already
// resolved to a Name/Arguments pair (Claude) or carried as an OpenAI-style
// Function envelope that callers resolve lazily.
type ToolCall struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Function  *FunctionCall          `json:"function,omitempty"`
}

// FunctionCall is the OpenAI-style function-call envelope: arguments arrive
// as a raw JSON string rather than a decoded map.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is the provider-agnostic tool schema handed to Chat/ChatStream.
type ToolDefinition struct {
	Type     string           `json:"type"`
	Function ToolFunctionSpec `json:"function"`
}

// ToolFunctionSpec is the JSON-schema shape of one callable tool.
type ToolFunctionSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// UsageInfo is normalized token accounting across providers.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is the provider-agnostic result of a Chat/ChatStream call.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// StreamCallback receives incremental text deltas during a streaming turn.
// It is called from the provider's read loop; implementations must not
// block for long (see bus.StreamNotifier for the throttled consumer used by
// the orchestrator).
type StreamCallback func(delta string)

// LLMProvider is the minimal contract every model backend implements.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamingProvider is implemented by providers that can stream text deltas
// as they arrive instead of blocking for the full response.
type StreamingProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error)
}
