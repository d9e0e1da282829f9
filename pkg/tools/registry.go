// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package tools implements the tool registry and batch executor (C4): the
// contract every built-in and externally-supplied (MCP, skill) tool is
// called through, including the cache lookup, confirmation gate, and
// per-call timeout the orchestrator relies on.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sipeed/picoclaw/pkg/cache"
	"github.com/sipeed/picoclaw/pkg/constants"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/state"
)

// Tool is the contract every built-in tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ToolResult is the unified return value from a tool call.
type ToolResult struct {
	ForLLM  string
	IsError bool
	Silent  bool // suppress the normal completed/error echo to the user
	Err     error
}

// ErrorResult builds an error ToolResult.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// SilentResult builds a non-error ToolResult that should not itself trigger
// a user-visible reply (the tool already delivered its own side effect, or
// the content is for the LLM's eyes only).
func SilentResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, Silent: true}
}

// ContextualTool is implemented by tools that need to know the inbound
// channel/chat for the current turn (e.g. message, consult_specialist).
type ContextualTool interface {
	SetContext(channel, chatID string)
}

// MetadataAwareTool is implemented by tools that need the inbound message's
// raw metadata (e.g. message's thread_id passthrough for forum topics).
type MetadataAwareTool interface {
	SetMetadata(metadata map[string]string)
}

// SenderAwareTool is implemented by tools that attribute their side effects
// to the triggering sender (e.g. cron_add records who scheduled a job).
type SenderAwareTool interface {
	SetSenderID(senderID string)
}

// record is a registered tool plus the bookkeeping the executor needs that
// the Tool interface itself doesn't carry.
type record struct {
	tool       Tool
	sideEffect string // "read", "write", or "sensitive"
	cacheable  bool
}

// ToolExecutionEvent mirrors one tool_execution outbound event
// (spec.md §4.4). The orchestrator turns these into OutboundMessages.
type ToolExecutionEvent struct {
	ToolCallID string
	ToolName   string
	Args       map[string]interface{}
	Status     string // running, waiting_confirmation, completed, error
	Summary    string
	Preview    string
}

// BatchOptions carries the per-turn context ExecuteBatch needs for the
// confirmation gate and event emission. Emit and AutoApprove may be nil.
type BatchOptions struct {
	Channel     string
	ChatID      string
	SessionKey  string
	Autonomous  bool
	AutoApprove func(toolName string) bool
	Emit        func(ToolExecutionEvent)
}

// ExternalExecutor handles a tool call for a name not found in the local
// registry (an MCP server tool or skill).
type ExternalExecutor func(ctx context.Context, name string, args map[string]interface{}) *ToolResult

// ToolRegistry holds the local tool set, externally-supplied tool groups
// (MCP servers, skills), the shared result cache, and per-session
// confirmation/whitelist state for the sensitivity gate.
type ToolRegistry struct {
	mu             sync.RWMutex
	tools          map[string]*record
	externalGroups map[string][]providers.ToolDefinition
	externalExec   ExternalExecutor

	cache   *cache.ToolCache
	confirm *state.ConfirmationStore

	whitelistMu sync.Mutex
	whitelist   map[string]map[string]bool // sessionKey -> toolName -> true
}

// NewToolRegistry creates an empty registry backed by c for result caching
// and confirm for the sensitivity gate. Either may be nil (caching/gating
// disabled).
func NewToolRegistry(c *cache.ToolCache, confirm *state.ConfirmationStore) *ToolRegistry {
	return &ToolRegistry{
		tools:          make(map[string]*record),
		externalGroups: make(map[string][]providers.ToolDefinition),
		cache:          c,
		confirm:        confirm,
		whitelist:      make(map[string]map[string]bool),
	}
}

// Register adds a local tool under its own Name(). sideEffect must be one
// of "read", "write", "sensitive"; cacheable enables cache lookups for
// read-only tools whose results are safe to reuse across identical args.
func (r *ToolRegistry) Register(t Tool, sideEffect string, cacheable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = &record{tool: t, sideEffect: sideEffect, cacheable: cacheable}
}

// Get returns a registered local tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rec.tool, true
}

// SetExternalExecutor installs the callback used to execute tool calls for
// names not present in the local registry.
func (r *ToolRegistry) SetExternalExecutor(exec ExternalExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.externalExec = exec
}

// RegisterExternalGroup merges an externally-supplied tool group (an MCP
// server's tool list, a skill bundle) into the definitions ToProviderDefs
// exposes. Execution for these names is routed through the external
// executor rather than the local registry.
func (r *ToolRegistry) RegisterExternalGroup(groupName string, defs []providers.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.externalGroups[groupName] = defs
}

// UnregisterExternalGroup removes a previously registered external group
// (an MCP server going offline, a skill being disabled).
func (r *ToolRegistry) UnregisterExternalGroup(groupName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.externalGroups, groupName)
}

// ToProviderDefinitions inflates every local and external tool into the
// JSON-schema shape the LLM requires.
func (r *ToolRegistry) ToProviderDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, rec := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSpec{
				Name:        rec.tool.Name(),
				Description: rec.tool.Description(),
				Parameters:  rec.tool.Parameters(),
			},
		})
	}
	for _, group := range r.externalGroups {
		defs = append(defs, group...)
	}
	return defs
}

// ApplyContext propagates the current turn's channel/chat to every
// ContextualTool in the registry.
func (r *ToolRegistry) ApplyContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.tools {
		if ct, ok := rec.tool.(ContextualTool); ok {
			ct.SetContext(channel, chatID)
		}
	}
}

// ApplyMetadata propagates the current inbound message's metadata to every
// MetadataAwareTool in the registry.
func (r *ToolRegistry) ApplyMetadata(metadata map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.tools {
		if mt, ok := rec.tool.(MetadataAwareTool); ok {
			mt.SetMetadata(metadata)
		}
	}
}

// ApplySender propagates the current turn's sender ID to every
// SenderAwareTool in the registry.
func (r *ToolRegistry) ApplySender(senderID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.tools {
		if st, ok := rec.tool.(SenderAwareTool); ok {
			st.SetSenderID(senderID)
		}
	}
}

// Whitelist marks toolName as pre-approved for sessionKey, bypassing the
// confirmation gate on subsequent calls within the session.
func (r *ToolRegistry) Whitelist(sessionKey, toolName string) {
	r.whitelistMu.Lock()
	defer r.whitelistMu.Unlock()
	if r.whitelist[sessionKey] == nil {
		r.whitelist[sessionKey] = make(map[string]bool)
	}
	r.whitelist[sessionKey][toolName] = true
}

func (r *ToolRegistry) isWhitelisted(sessionKey, toolName string) bool {
	r.whitelistMu.Lock()
	defer r.whitelistMu.Unlock()
	return r.whitelist[sessionKey][toolName]
}

// ExecuteBatch runs every call from a single assistant turn in parallel and
// returns one "tool" history message per call, in the same order as calls,
// plus whether any call in the batch was blocked by the confirmation gate
// (spec.md §4.4).
func (r *ToolRegistry) ExecuteBatch(ctx context.Context, calls []providers.ToolCall, opts BatchOptions) ([]providers.Message, bool) {
	results := make([]providers.Message, len(calls))
	blocked := make([]bool, len(calls))

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()
			results[i], blocked[i] = r.executeOne(ctx, tc, opts)
		}(i, tc)
	}
	wg.Wait()

	anyBlocked := false
	for _, b := range blocked {
		if b {
			anyBlocked = true
			break
		}
	}
	return results, anyBlocked
}

func (r *ToolRegistry) executeOne(ctx context.Context, tc providers.ToolCall, opts BatchOptions) (providers.Message, bool) {
	name := toolCallName(tc)
	args := resolveArguments(tc)

	emit(opts, ToolExecutionEvent{
		ToolCallID: tc.ID,
		ToolName:   name,
		Args:       args,
		Status:     constants.ToolStatusRunning,
	})

	rec, isLocal := r.lookup(name)

	cacheKey := ""
	if isLocal && rec.cacheable && r.cache != nil {
		cacheKey = cache.Key(name, args)
		if cached, ok := r.cache.Get(cacheKey); ok {
			emit(opts, ToolExecutionEvent{ToolCallID: tc.ID, ToolName: name, Status: constants.ToolStatusCompleted, Preview: previewOf(cached)})
			return toolMessage(tc.ID, name, truncate(name, cached)), false
		}
	}

	if isLocal && rec.sideEffect == "sensitive" {
		if blocked, msg := r.gate(ctx, name, args, opts); blocked {
			return toolMessage(tc.ID, name, msg), true
		}
	}

	content, isError := r.invoke(ctx, name, args, isLocal, rec)

	status := constants.ToolStatusCompleted
	if isError {
		status = constants.ToolStatusError
	}
	emit(opts, ToolExecutionEvent{ToolCallID: tc.ID, ToolName: name, Status: status, Preview: previewOf(content)})

	if isLocal && rec.cacheable && r.cache != nil && !isError && !constants.HasErrorPrefix(content) {
		r.cache.Set(name, cacheKey, content)
	}

	return toolMessage(tc.ID, name, truncate(name, content)), false
}

// gate applies the sensitivity confirmation flow. It returns (true, msg) if
// the call was cancelled/timed out and must not be invoked.
func (r *ToolRegistry) gate(ctx context.Context, name string, args map[string]interface{}, opts BatchOptions) (bool, string) {
	if opts.Autonomous || r.confirm == nil {
		return false, ""
	}
	if opts.SessionKey != "" && r.isWhitelisted(opts.SessionKey, name) {
		return false, ""
	}
	if opts.AutoApprove != nil && opts.AutoApprove(name) {
		return false, ""
	}

	summary := fmt.Sprintf("%s(%s)", name, previewOf(argsJSON(args)))
	pc := r.confirm.Create(opts.SessionKey, name, summary, constants.ConfirmationTTL)

	emit(opts, ToolExecutionEvent{
		ToolName: name,
		Status:   constants.ToolStatusWaitingConfirmation,
		Summary:  summary,
	})

	select {
	case approved, ok := <-pc.Resolved():
		if ok && approved {
			return false, ""
		}
		return true, fmt.Sprintf("ACTION CANCELLED: User denied %q.", name)
	case <-ctx.Done():
		return true, fmt.Sprintf("ACTION CANCELLED: context ended while awaiting confirmation for %q.", name)
	}
}

func (r *ToolRegistry) lookup(name string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tools[name]
	return rec, ok
}

func (r *ToolRegistry) invoke(ctx context.Context, name string, args map[string]interface{}, isLocal bool, rec *record) (content string, isError bool) {
	callCtx, cancel := context.WithTimeout(ctx, constants.DefaultToolTimeout)
	defer cancel()

	resCh := make(chan *ToolResult, 1)
	go func() {
		if isLocal {
			resCh <- rec.tool.Execute(callCtx, args)
			return
		}
		r.mu.RLock()
		exec := r.externalExec
		r.mu.RUnlock()
		if exec == nil {
			resCh <- ErrorResult(fmt.Sprintf("Error: unknown tool %q", name))
			return
		}
		resCh <- exec(callCtx, name, args)
	}()

	select {
	case res := <-resCh:
		if res == nil {
			return "", false
		}
		return res.ForLLM, res.IsError
	case <-callCtx.Done():
		return fmt.Sprintf("Error: Tool '%s' timed out after %s", name, constants.DefaultToolTimeout), true
	}
}

func toolMessage(toolCallID, name, content string) providers.Message {
	return providers.Message{Role: "tool", ToolCallID: toolCallID, Name: name, Content: content}
}

func emit(opts BatchOptions, ev ToolExecutionEvent) {
	if opts.Emit != nil {
		opts.Emit(ev)
	}
}

func toolCallName(tc providers.ToolCall) string {
	if tc.Name != "" {
		return tc.Name
	}
	if tc.Function != nil {
		return tc.Function.Name
	}
	return ""
}

// resolveArguments canonicalizes a tool call's arguments, repairing the
// known malformed "{}{}" pattern and falling back to an empty object on
// any parse failure so tools always receive a usable map (spec.md §4.4a).
func resolveArguments(tc providers.ToolCall) map[string]interface{} {
	if tc.Arguments != nil {
		return tc.Arguments
	}
	if tc.Function == nil {
		return map[string]interface{}{}
	}

	raw := strings.TrimSpace(tc.Function.Arguments)
	if raw == "{}{}" {
		raw = "{}"
	}
	if raw == "" {
		raw = "{}"
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.WarnCF("tools", "malformed tool arguments, substituting empty object", map[string]interface{}{
			"tool":  tc.Function.Name,
			"error": err.Error(),
		})
		return map[string]interface{}{}
	}
	return args
}

func argsJSON(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func previewOf(s string) string {
	const maxPreview = 200
	if len(s) <= maxPreview {
		return s
	}
	return s[:maxPreview] + "..."
}

func truncate(toolName, s string) string {
	limit, ok := constants.ToolResultTruncateLimits[toolName]
	if !ok {
		limit = constants.DefaultToolResultTruncateLimit
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}
