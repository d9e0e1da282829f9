package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint.
// Passing a non-default baseURL lets the same type serve as the OpenRouter
// provider (cfg.Providers.OpenRouter.APIBase).
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: &client, defaultModel: defaultModel}
}

func (p *OpenAIProvider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	params := buildOpenAIParams(messages, tools, model, options)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai API call: %w", err)
	}
	return parseOpenAIResponse(resp), nil
}

// ChatStream streams text deltas via the chat-completions SSE stream.
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error) {
	params := buildOpenAIParams(messages, tools, model, options)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" && onContent != nil {
				onContent(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai streaming call: %w", err)
	}

	return parseOpenAIResponse(&acc.ChatCompletion), nil
}

func buildOpenAIParams(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion

	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "user":
			msgs = append(msgs, openai.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				assistantMsg := openai.ChatCompletionAssistantMessageParam{}
				if m.Content != "" {
					assistantMsg.Content.OfString = openai.String(m.Content)
				}
				for _, tc := range m.ToolCalls {
					argsJSON := "{}"
					if len(tc.Arguments) > 0 {
						if b, err := json.Marshal(tc.Arguments); err == nil {
							argsJSON = string(b)
						}
					} else if tc.Function != nil && tc.Function.Arguments != "" {
						argsJSON = tc.Function.Arguments
					}
					name := tc.Name
					if name == "" && tc.Function != nil {
						name = tc.Function.Name
					}
					assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      name,
							Arguments: argsJSON,
						},
					})
				}
				msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})
			} else {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
			}
		case "tool":
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	maxTokens := int64(4096)
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = int64(mt)
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(maxTokens),
	}

	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = openai.Float(temp)
	}

	if len(tools) > 0 {
		params.Tools = translateToolsForOpenAI(tools)
	}

	return params
}

func translateToolsForOpenAI(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  t.Function.Parameters,
		}))
	}
	return result
}

func parseOpenAIResponse(resp *openai.ChatCompletion) *LLMResponse {
	if len(resp.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop"}
	}

	choice := resp.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]interface{}{"raw": tc.Function.Arguments}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	finishReason := "stop"
	switch choice.FinishReason {
	case "tool_calls":
		finishReason = "tool_calls"
	case "length":
		finishReason = "length"
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}
