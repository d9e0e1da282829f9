// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/cache"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/constants"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/mcp"
	"github.com/sipeed/picoclaw/pkg/media"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/metrics"
	"github.com/sipeed/picoclaw/pkg/persona"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/scheduler"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/specialists"
	"github.com/sipeed/picoclaw/pkg/state"
	"github.com/sipeed/picoclaw/pkg/tagparser"
	"github.com/sipeed/picoclaw/pkg/tools"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// thinkTagRe matches <think>...</think> reasoning blocks (including multiline).
var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

func stripThinkingTags(s string) string {
	return strings.TrimSpace(thinkTagRe.ReplaceAllString(s, ""))
}

// stripThinkingTagsForStream strips both closed and unclosed <think> blocks.
// Used during streaming where the closing tag may not have arrived yet.
func stripThinkingTagsForStream(s string) string {
	s = thinkTagRe.ReplaceAllString(s, "")
	if idx := strings.LastIndex(s, "<think>"); idx != -1 {
		if !strings.Contains(s[idx:], "</think>") {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// AgentLoop is the orchestrator (C8): the per-message state machine
// described in spec.md §4.8, wired to every other component (bus, session
// store, tool registry, prompt assembler, tag parser, scheduler, MCP).
type AgentLoop struct {
	bus           *bus.MessageBus
	provider      providers.LLMProvider
	cfg           *config.Config
	workspace     string
	model         string
	contextWindow int // context window size in tokens; half of it caps the size of one message fed to summarization
	maxIterations int

	sessions  *session.SessionManager
	persona   *persona.Store
	assembler *PromptAssembler
	tools     *tools.ToolRegistry
	toolCache *cache.ToolCache
	confirm   *state.ConfirmationStore

	running        atomic.Bool
	summarizing    sync.Map // session key -> true while a summarization is in flight
	streamUpdateFn func(channel, chatID string) func(fullText string)

	vectorStore *memory.VectorStore
	extractor   *memory.KnowledgeExtractor

	topicMappings    *state.TopicMappingStore
	specialistLoader *specialists.SpecialistLoader

	schedulerStore *scheduler.Store
	scheduler      *scheduler.Scheduler

	mcpManager *mcp.MCPManager
	metrics    *metrics.Tracker

	// dedup guards against stale re-submissions of the same message
	// (spec.md §4.8 step 1).
	dedupMu sync.Mutex
	dedup   map[string]dedupEntry

	// Message injection: routes new messages to the active session or the
	// pending queue.
	pendingMu     sync.Mutex
	pendingMsgs   chan bus.InboundMessage
	interruptCh   chan bus.InboundMessage
	activeSession string
}

type dedupEntry struct {
	hash string
	at   time.Time
}

// processOptions configures how a message is processed.
type processOptions struct {
	SessionKey      string
	Channel         string
	ChatID          string
	SenderID        string
	UserMessage     string
	Media           []media.ContentPart
	DefaultResponse string
	SendResponse    bool
	Specialist      string
	Metadata        map[string]string
}

// createToolRegistry builds the tool set shared by the main agent and by
// spawned sub-agents: filesystem, shell, web, memory search, scheduling,
// specialist management, and messaging. c and confirm back the cache and
// confirmation gate every sensitive/cacheable tool relies on.
func createToolRegistry(workspace string, restrict bool, cfg *config.Config, msgBus *bus.MessageBus, vectorStore *memory.VectorStore, c *cache.ToolCache, confirm *state.ConfirmationStore, schedStore *scheduler.Store) *tools.ToolRegistry {
	registry := tools.NewToolRegistry(c, confirm)

	registry.Register(tools.NewReadFileTool(workspace, restrict), "read", true)
	registry.Register(tools.NewWriteFileTool(workspace, restrict), "sensitive", false)
	registry.Register(tools.NewListDirTool(workspace, restrict), "read", true)
	registry.Register(tools.NewEditFileTool(workspace, restrict), "write", false)
	registry.Register(tools.NewAppendFileTool(workspace, restrict), "write", false)
	registry.Register(tools.NewDeleteFileTool(workspace, restrict), "sensitive", false)

	registry.Register(tools.NewExecTool(workspace, restrict), "sensitive", false)

	if searchTool := tools.NewWebSearchTool(tools.WebSearchToolOptions{
		BraveAPIKey:          cfg.Tools.Web.Brave.APIKey,
		BraveMaxResults:      cfg.Tools.Web.Brave.MaxResults,
		BraveEnabled:         cfg.Tools.Web.Brave.Enabled,
		DuckDuckGoMaxResults: cfg.Tools.Web.DuckDuckGo.MaxResults,
		DuckDuckGoEnabled:    cfg.Tools.Web.DuckDuckGo.Enabled,
	}); searchTool != nil {
		registry.Register(searchTool, "read", true)
	}
	registry.Register(tools.NewWebFetchTool(50000), "read", true)

	if vectorStore != nil {
		registry.Register(tools.NewMemorySearchTool(vectorStore), "read", true)
	}

	registry.Register(tools.NewThinkTool(), "read", false)

	if schedStore != nil {
		registry.Register(tools.NewCronAddTool(schedStore), "write", false)
		registry.Register(tools.NewCronListTool(schedStore), "read", false)
		registry.Register(tools.NewCronRemoveTool(schedStore), "sensitive", false)
	}

	// Message tool — available to both the main agent and sub-agents, who
	// use it to talk to the user directly rather than waiting on a
	// synchronous return value.
	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string, metadata map[string]string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel:  channel,
			ChatID:   chatID,
			Content:  content,
			Metadata: metadata,
		})
		return nil
	})
	registry.Register(messageTool, "write", false)

	return registry
}

// createSpecialistToolRegistry builds a restricted, read-only tool set for
// specialist sub-conversations — no exec, no writes, no messaging.
func createSpecialistToolRegistry(workspace string, cfg *config.Config, c *cache.ToolCache, confirm *state.ConfirmationStore, vectorStore *memory.VectorStore) *tools.ToolRegistry {
	registry := tools.NewToolRegistry(c, confirm)

	registry.Register(tools.NewReadFileTool(workspace, true), "read", true)
	registry.Register(tools.NewListDirTool(workspace, true), "read", true)

	if searchTool := tools.NewWebSearchTool(tools.WebSearchToolOptions{
		BraveAPIKey:          cfg.Tools.Web.Brave.APIKey,
		BraveMaxResults:      cfg.Tools.Web.Brave.MaxResults,
		BraveEnabled:         cfg.Tools.Web.Brave.Enabled,
		DuckDuckGoMaxResults: cfg.Tools.Web.DuckDuckGo.MaxResults,
		DuckDuckGoEnabled:    cfg.Tools.Web.DuckDuckGo.Enabled,
	}); searchTool != nil {
		registry.Register(searchTool, "read", true)
	}
	registry.Register(tools.NewWebFetchTool(50000), "read", true)

	if vectorStore != nil {
		registry.Register(tools.NewMemorySearchTool(vectorStore), "read", true)
	}

	return registry
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider) *AgentLoop {
	workspace := cfg.WorkspacePath()
	os.MkdirAll(workspace, 0755)

	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	var vectorStore *memory.VectorStore
	var extractor *memory.KnowledgeExtractor

	if cfg.Tools.Memory.SemanticSearch {
		embeddingFn := resolveEmbeddingFunc(cfg)
		if embeddingFn != nil {
			vs, err := memory.NewVectorStore(workspace, embeddingFn)
			if err != nil {
				logger.WarnCF("agent", "Failed to initialize vector store, semantic memory disabled", map[string]interface{}{
					"error": err.Error(),
				})
			} else {
				vectorStore = vs
				if cfg.Tools.Memory.KnowledgeExtract {
					extractor = memory.NewKnowledgeExtractor(provider, cfg.Agents.Defaults.Model, vs)
				}
				logger.InfoCF("agent", "Semantic memory initialized", map[string]interface{}{
					"knowledge_extract": cfg.Tools.Memory.KnowledgeExtract,
				})
			}
		} else {
			logger.InfoCF("agent", "No embedding API key available, semantic memory disabled", nil)
		}
	}

	toolCache := cache.New(constants.ToolCacheDefaultSize, constants.ToolCacheDefaultTTL, nil)
	confirmStore := state.NewConfirmationStore()
	personaStore := persona.New(workspace)
	schedStore := scheduler.NewStore(workspace)
	sessionsManager := session.NewSessionManager(filepath.Join(workspace, "sessions"))

	toolsRegistry := createToolRegistry(workspace, restrict, cfg, msgBus, vectorStore, toolCache, confirmStore, schedStore)

	specialistLoader := specialists.NewSpecialistLoader(workspace)
	specialistTools := createSpecialistToolRegistry(workspace, cfg, toolCache, confirmStore, vectorStore)
	consultTool := tools.NewConsultSpecialistTool(tools.ConsultSpecialistConfig{
		Loader:      specialistLoader,
		Provider:    provider,
		Model:       cfg.Agents.Defaults.Model,
		Tools:       specialistTools,
		VectorStore: vectorStore,
		Extractor:   extractor,
		MaxIter:     cfg.Agents.Defaults.MaxToolIterations,
		Workspace:   workspace,
	})
	toolsRegistry.Register(consultTool, "write", false)
	toolsRegistry.Register(tools.NewCreateSpecialistTool(specialistLoader, provider, cfg.Agents.Defaults.Model, workspace, extractor, vectorStore), "write", false)
	toolsRegistry.Register(tools.NewFeedSpecialistTool(specialistLoader, vectorStore, extractor), "write", false)

	topicMappings := state.NewTopicMappingStore(workspace)
	toolsRegistry.Register(tools.NewLinkTopicTool(topicMappings, specialistLoader), "write", false)

	// The spawned child shares the parent's own tool registry, so it can
	// invoke any tool the parent can (spec.md §4.10), including spawning
	// further bounded children of its own.
	toolsRegistry.Register(tools.NewSpawnSubagentTool(tools.SpawnSubagentConfig{
		Provider: provider,
		Model:    cfg.Agents.Defaults.Model,
		Tools:    toolsRegistry,
		Persona:  personaStore,
		Bus:      msgBus,
		Sessions: sessionsManager,
	}), "write", false)

	mcpManager := mcp.NewMCPManager()
	if len(cfg.MCPServers) > 0 {
		mcpManager.StartFromConfig(cfg.MCPServers)
		if n := mcp.RegisterMCPTools(mcpManager, toolsRegistry); n > 0 {
			logger.InfoCF("agent", "Registered MCP tools", map[string]interface{}{"count": n})
		}
	}

	assembler := NewPromptAssembler(workspace, personaStore)
	assembler.SetToolsRegistry(toolsRegistry)

	al := &AgentLoop{
		bus:              msgBus,
		provider:         provider,
		cfg:              cfg,
		workspace:        workspace,
		model:            cfg.Agents.Defaults.Model,
		contextWindow:    cfg.Agents.Defaults.MaxTokens,
		maxIterations:    cfg.Agents.Defaults.MaxToolIterations,
		sessions:         sessionsManager,
		persona:          personaStore,
		assembler:        assembler,
		tools:            toolsRegistry,
		toolCache:        toolCache,
		confirm:          confirmStore,
		vectorStore:      vectorStore,
		extractor:        extractor,
		topicMappings:    topicMappings,
		specialistLoader: specialistLoader,
		schedulerStore:   schedStore,
		mcpManager:       mcpManager,
		metrics:          metrics.NewTracker(workspace),
		dedup:            make(map[string]dedupEntry),
	}
	al.scheduler = scheduler.New(schedStore, msgBus)

	return al
}

func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	al.pendingMsgs = make(chan bus.InboundMessage, 100)
	al.interruptCh = make(chan bus.InboundMessage, 10)

	go al.routeMessages(ctx)
	go al.scheduler.Run(ctx)

	for al.running.Load() {
		select {
		case <-ctx.Done():
			al.mcpManager.StopAll()
			return nil
		case msg, ok := <-al.pendingMsgs:
			if !ok {
				return nil
			}

			al.pendingMu.Lock()
			al.activeSession = msg.SessionKey()
			al.pendingMu.Unlock()

			response, err := al.processMessage(ctx, msg)
			if err != nil {
				response = fmt.Sprintf("Error processing message: %v", err)
			}

			al.pendingMu.Lock()
			al.activeSession = ""
			al.pendingMu.Unlock()

			if response != "" {
				alreadySent := false
				if tool, ok := al.tools.Get("message"); ok {
					if mt, ok := tool.(*tools.MessageTool); ok {
						alreadySent = mt.HasSentInRound()
					}
				}
				if !alreadySent {
					replyMeta := map[string]string{"reply_to": msg.SenderID}
					for k, v := range msg.Metadata {
						replyMeta[k] = v
					}
					al.bus.PublishOutbound(bus.OutboundMessage{
						Channel:  msg.Channel,
						ChatID:   msg.ChatID,
						Content:  response,
						Metadata: replyMeta,
					})
				}
			}
		}
	}

	return nil
}

// routeMessages reads from the bus and routes messages to either the
// interrupt channel (if the message targets the session currently being
// processed) or the pending queue. Stale duplicates of the last message
// seen for a session not currently active are dropped here (spec.md §4.8
// step 1): a session actively in flight is never deduped, only a
// re-submission that arrives while nothing is happening for that session.
func (al *AgentLoop) routeMessages(ctx context.Context) {
	for {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		key := msg.SessionKey()

		al.pendingMu.Lock()
		active := al.activeSession
		al.pendingMu.Unlock()

		if active != "" && key == active && msg.Channel != "system" {
			logger.InfoCF("agent", "Routing message to interrupt channel",
				map[string]interface{}{"session_key": key, "preview": utils.Truncate(msg.Content, 60)})
			select {
			case al.interruptCh <- msg:
			default:
				select {
				case al.pendingMsgs <- msg:
				default:
					logger.ErrorCF("agent", "Both interrupt and pending channels full, dropping message",
						map[string]interface{}{"session_key": key})
				}
			}
			continue
		}

		if al.isDuplicate(key, msg.Content) {
			logger.InfoCF("agent", "Dropping stale duplicate message", map[string]interface{}{"session_key": key})
			continue
		}

		select {
		case al.pendingMsgs <- msg:
		default:
			logger.ErrorCF("agent", "Pending channel full, dropping message", map[string]interface{}{"session_key": key})
		}
	}
}

// isDuplicate reports whether content matches the last message seen for
// sessionKey within the dedup window, recording content as the new last-seen
// value either way.
func (al *AgentLoop) isDuplicate(sessionKey, content string) bool {
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])

	al.dedupMu.Lock()
	defer al.dedupMu.Unlock()

	prev, ok := al.dedup[sessionKey]
	al.dedup[sessionKey] = dedupEntry{hash: hash, at: time.Now()}
	if ok && prev.hash == hash && time.Since(prev.at) < constants.DedupWindow {
		return true
	}
	return false
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) RegisterTool(t tools.Tool, sideEffect string, cacheable bool) {
	al.tools.Register(t, sideEffect, cacheable)
}

func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, sessionKey, "cli", "direct")
}

func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	return al.runAgentLoop(ctx, processOptions{
		SessionKey:      sessionKey,
		Channel:         channel,
		ChatID:          chatID,
		SenderID:        "cron",
		UserMessage:     content,
		DefaultResponse: "I've completed processing but have no response to give.",
		SendResponse:    false,
	})
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	var logContent string
	if strings.Contains(msg.Content, "Error:") || strings.Contains(msg.Content, "error") {
		logContent = msg.Content
	} else {
		logContent = utils.Truncate(msg.Content, 80)
	}
	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, logContent),
		map[string]interface{}{
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
			"sender_id":   msg.SenderID,
			"session_key": msg.SessionKey(),
		})

	if msg.Channel == "system" {
		return al.processSystemMessage(ctx, msg)
	}

	// Confirmation intercept (spec.md §4.8 step 2). Channels with their own
	// structured approve/deny UI (websocket) don't need the freeform
	// text-matching fallback.
	if msg.Channel != "websocket" {
		if resp, handled := al.tryConfirmationIntercept(msg); handled {
			return resp, nil
		}
	}

	if resp, handled := al.handleModelCommand(msg.Content); handled {
		return resp, nil
	}
	if resp, handled := al.handleLinkCommand(msg); handled {
		return resp, nil
	}

	var specialist string
	if threadID, ok := msg.Metadata["thread_id"]; ok && threadID != "" {
		specialist = al.topicMappings.LookupSpecialist(msg.ChatID, threadID)
	}

	return al.runAgentLoop(ctx, processOptions{
		SessionKey:      msg.SessionKey(),
		Channel:         msg.Channel,
		ChatID:          msg.ChatID,
		SenderID:        msg.SenderID,
		UserMessage:     msg.Content,
		Media:           msg.Media,
		DefaultResponse: "I've completed processing but have no response to give.",
		SendResponse:    false,
		Specialist:      specialist,
		Metadata:        msg.Metadata,
	})
}

// tryConfirmationIntercept resolves a pending confirmation if msg's content
// normalizes to an approve/deny word (spec.md §4.8 step 2).
func (al *AgentLoop) tryConfirmationIntercept(msg bus.InboundMessage) (string, bool) {
	sessionKey := msg.SessionKey()
	if !al.confirm.HasPendingForSession(sessionKey) {
		return "", false
	}

	normalized := strings.ToLower(strings.TrimSpace(msg.Content))
	leading := normalized
	if idx := strings.IndexAny(normalized, " \t\n"); idx > 0 {
		leading = normalized[:idx]
	}

	approve := constants.ApproveWords[normalized] || constants.ApproveWords[leading]
	deny := constants.DenyWords[normalized] || constants.DenyWords[leading]
	if !approve && !deny {
		return "", false
	}

	n := al.confirm.ResolveAllForSession(sessionKey, approve)
	if n == 0 {
		return "", false
	}
	if approve {
		return fmt.Sprintf("Approved %d pending action(s).", n), true
	}
	return fmt.Sprintf("Denied %d pending action(s).", n), true
}

func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if msg.Channel != "system" {
		return "", fmt.Errorf("processSystemMessage called with non-system message channel: %s", msg.Channel)
	}

	logger.InfoCF("agent", "Processing system message",
		map[string]interface{}{"sender_id": msg.SenderID, "chat_id": msg.ChatID})

	var originChannel string
	if idx := strings.Index(msg.ChatID, ":"); idx > 0 {
		originChannel = msg.ChatID[:idx]
	} else {
		originChannel = "cli"
	}

	content := msg.Content
	if idx := strings.Index(content, "Result:\n"); idx >= 0 {
		content = content[idx+8:]
	}

	if constants.IsInternalChannel(originChannel) {
		logger.InfoCF("agent", "Sub-agent completed (internal channel)",
			map[string]interface{}{"sender_id": msg.SenderID, "content_len": len(content), "channel": originChannel})
		return "", nil
	}

	// The dispatcher only logs here — a sub-agent's own "message" tool call
	// is how it talks to the user; this REPORT exists for observability.
	logger.InfoCF("agent", "Sub-agent completed",
		map[string]interface{}{"sender_id": msg.SenderID, "channel": originChannel, "content_len": len(content)})
	return "", nil
}

// handleModelCommand intercepts /model commands from the user.
func (al *AgentLoop) handleModelCommand(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/model") {
		return "", false
	}

	parts := strings.Fields(trimmed)
	if len(parts) == 1 {
		return fmt.Sprintf("Current model: `%s`", al.model), true
	}

	newModel := parts[1]
	oldModel := al.model
	al.model = newModel
	logger.InfoCF("agent", fmt.Sprintf("Model switched: %s -> %s", oldModel, newModel), nil)
	return fmt.Sprintf("Model switched: `%s` -> `%s`", oldModel, newModel), true
}

// handleLinkCommand handles /link commands for topic-specialist mapping.
func (al *AgentLoop) handleLinkCommand(msg bus.InboundMessage) (string, bool) {
	trimmed := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(trimmed, "/link") {
		return "", false
	}

	threadID, ok := msg.Metadata["thread_id"]
	if !ok || threadID == "" {
		return "The /link command must be used from within a forum topic.", true
	}

	parts := strings.Fields(trimmed)
	if len(parts) == 1 {
		current := al.topicMappings.LookupSpecialist(msg.ChatID, threadID)
		if current == "" {
			return "This topic is not linked to any specialist.", true
		}
		return fmt.Sprintf("This topic is linked to specialist: `%s`", current), true
	}

	name := parts[1]
	if name == "none" || name == "unlink" {
		if err := al.topicMappings.RemoveMapping(msg.ChatID, threadID); err != nil {
			return fmt.Sprintf("Failed to unlink topic: %v", err), true
		}
		return "Topic unlinked from specialist.", true
	}

	if !al.specialistLoader.Exists(name) {
		available := al.specialistLoader.ListSpecialists()
		var names []string
		for _, s := range available {
			names = append(names, s.Name)
		}
		return fmt.Sprintf("Specialist `%s` not found. Available: %s", name, strings.Join(names, ", ")), true
	}

	if err := al.topicMappings.SetMapping(msg.ChatID, threadID, name); err != nil {
		return fmt.Sprintf("Failed to link topic: %v", err), true
	}
	return fmt.Sprintf("Topic linked to specialist: `%s`", name), true
}

// SetModel changes the active model at runtime.
func (al *AgentLoop) SetModel(model string) { al.model = model }

// GetModel returns the current active model.
func (al *AgentLoop) GetModel() string { return al.model }

// SetStreamUpdater sets the function used to create streaming update
// callbacks for channels that support progressive message editing.
func (al *AgentLoop) SetStreamUpdater(fn func(channel, chatID string) func(fullText string)) {
	al.streamUpdateFn = fn
}

// runAgentLoop drives one full pass of spec.md §4.8's state machine: typing
// indicator, history load and RAG lookup (run one after the other), prompt assembly, history-budget
// enforcement, the streaming tool-use loop, tag processing, and persistence.
func (al *AgentLoop) runAgentLoop(ctx context.Context, opts processOptions) (string, error) {
	al.tools.ApplyContext(opts.Channel, opts.ChatID)
	al.tools.ApplySender(opts.SenderID)
	al.tools.ApplyMetadata(opts.Metadata)

	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  opts.Channel,
		ChatID:   opts.ChatID,
		Metadata: map[string]string{"type": constants.OutboundTypeTyping},
	})
	defer al.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  opts.Channel,
		ChatID:   opts.ChatID,
		Metadata: map[string]string{"type": constants.OutboundTypeStopTyping},
	})

	al.sessions.UpdateMeta(opts.SessionKey, session.MetaUpdate{Origin: opts.Channel, Model: al.model})

	history := al.sessions.GetHistory(opts.SessionKey)
	ragSnippets := al.doRAG(ctx, opts.UserMessage)

	al.enforceHistoryBudget(opts.SessionKey)
	history = al.sessions.GetHistory(opts.SessionKey)
	summary := al.sessions.GetSummary(opts.SessionKey)

	var messages []providers.Message
	if opts.Specialist != "" {
		messages = al.buildSpecialistMessages(opts.Specialist, history, summary, ragSnippets, opts)
	} else {
		messages = al.assembler.BuildMessages(opts.SenderID, opts.Channel, opts.ChatID, history, summary, ragSnippets, "", opts.UserMessage, opts.Media)
	}

	al.sessions.AddMessage(opts.SessionKey, "user", opts.UserMessage)

	finalContent, iteration, usedSpecialist, err := al.runLLMIteration(ctx, messages, opts)
	if err != nil {
		return "", err
	}

	tagResult := tagparser.Process(finalContent, opts.SenderID, tagparser.Deps{
		Persona:       al.persona,
		Bus:           al.bus,
		DefaultChatID: opts.ChatID,
	})
	finalContent = tagResult.CleanText
	if tagResult.SoulUpdated || tagResult.IdentityUpdated || tagResult.MoodUpdated || tagResult.RelationshipUpdated {
		al.assembler.InvalidateStable(opts.SenderID, opts.Channel)
	}

	if finalContent == "" {
		finalContent = opts.DefaultResponse
	}

	al.sessions.AddMessage(opts.SessionKey, "assistant", finalContent)
	al.sessions.Save(opts.SessionKey)

	if al.vectorStore != nil {
		go al.vectorStore.IndexConversation(context.Background(), opts.SessionKey, opts.Channel, opts.ChatID, opts.UserMessage, finalContent)
		if al.extractor != nil && !usedSpecialist && opts.Specialist == "" {
			go al.extractor.ExtractAndConsolidate(context.Background(), opts.UserMessage, finalContent, opts.SessionKey, "", memory.KnowledgeIndexOpts{})
		} else if al.extractor != nil && opts.Specialist != "" {
			go func() {
				bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				al.extractor.ExtractAndConsolidateSpecialist(bgCtx, finalContent, opts.UserMessage, opts.SessionKey, opts.Specialist, memory.KnowledgeIndexOpts{
					Specialist: opts.Specialist,
					SourceType: "conversation",
				})
			}()
		}
	}

	if opts.SendResponse {
		replyMeta := map[string]string{"reply_to": opts.SenderID}
		for k, v := range opts.Metadata {
			replyMeta[k] = v
		}
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  opts.Channel,
			ChatID:   opts.ChatID,
			Content:  finalContent,
			Metadata: replyMeta,
		})
	}

	responsePreview := utils.Truncate(finalContent, 120)
	logger.InfoCF("agent", fmt.Sprintf("Response: %s", responsePreview),
		map[string]interface{}{
			"session_key":  opts.SessionKey,
			"iterations":   iteration,
			"final_length": len(finalContent),
		})

	return finalContent, nil
}

// buildSpecialistMessages assembles a specialist-scoped message list: the
// specialist's own SPECIALIST.md body replaces the normal persona/identity
// stable prompt, but channel style and tool instructions still apply.
func (al *AgentLoop) buildSpecialistMessages(name string, history []providers.Message, summary, ragSnippets string, opts processOptions) []providers.Message {
	body, ok := al.specialistLoader.LoadSpecialist(name)
	if !ok {
		body = fmt.Sprintf("You are the %q specialist. No additional instructions were found.", name)
	}

	systemPrompt := "# Specialist: " + name + "\n\n" + body + volatileSuffix(ragSnippets, "")

	messages := make([]providers.Message, 0, len(history)+3)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	if summary != "" {
		messages = append(messages, providers.Message{Role: "system", Content: "CONTEXT SUMMARY\n\n" + summary})
	}
	for len(history) > 0 && history[0].Role == "tool" {
		history = history[1:]
	}
	messages = append(messages, history...)

	userMsg := providers.Message{Role: "user", Content: opts.UserMessage}
	if len(opts.Media) > 0 {
		userMsg.ContentParts = opts.Media
	}
	messages = append(messages, userMsg)
	return messages
}

// doRAG issues a bounded semantic/keyword memory search (spec.md §4.8 step
// 4), skipping short or command-like messages that aren't worth the round
// trip. On timeout or a miss it silently proceeds with no context.
func (al *AgentLoop) doRAG(ctx context.Context, query string) string {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 12 || strings.HasPrefix(trimmed, "/") {
		return ""
	}

	rctx, cancel := context.WithTimeout(ctx, constants.RAGSoftTimeout)
	defer cancel()

	if al.vectorStore != nil {
		results, err := al.vectorStore.Search(rctx, trimmed, 5, "")
		if err == nil && len(results) > 0 {
			return formatMemoryResults(results)
		}
	}

	select {
	case <-rctx.Done():
		return ""
	default:
	}
	return al.keywordScanMemory(trimmed)
}

func formatMemoryResults(results []memory.MemoryResult) string {
	seen := make(map[string]bool, len(results))
	var b strings.Builder
	for _, r := range results {
		c := strings.TrimSpace(r.Content)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return strings.TrimSpace(b.String())
}

// keywordScanMemory is the fallback when the vector store is unavailable or
// returns nothing: a plain substring scan over MEMORY.md and the dated
// memory log files, matching any query token longer than 3 characters.
func (al *AgentLoop) keywordScanMemory(query string) string {
	tokens := make([]string, 0)
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) > 3 {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return ""
	}

	matches := make([]string, 0, 5)
	scan := func(text string) {
		for _, line := range strings.Split(text, "\n") {
			low := strings.ToLower(line)
			for _, tok := range tokens {
				if strings.Contains(low, tok) {
					matches = append(matches, strings.TrimSpace(line))
					break
				}
			}
			if len(matches) >= 5 {
				return
			}
		}
	}

	scan(al.persona.Memory())

	memDir := filepath.Join(al.workspace, "persona", "memory")
	if entries, err := os.ReadDir(memDir); err == nil {
		for _, e := range entries {
			if len(matches) >= 5 {
				break
			}
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(memDir, e.Name()))
			if err == nil {
				scan(string(data))
			}
		}
	}

	if len(matches) == 0 {
		return ""
	}
	return "- " + strings.Join(matches, "\n- ")
}

// enforceHistoryBudget summarizes a session's history synchronously when it
// exceeds the fixed token budget (spec.md §4.8 step 7), before the prompt
// for this turn is assembled.
func (al *AgentLoop) enforceHistoryBudget(sessionKey string) {
	history := al.sessions.GetHistory(sessionKey)
	if al.estimateTokens(history) <= constants.HistoryTokenBudget {
		return
	}
	if _, loading := al.summarizing.LoadOrStore(sessionKey, true); loading {
		return
	}
	defer al.summarizing.Delete(sessionKey)
	al.summarizeSession(sessionKey)
}

// runLLMIteration executes the LLM call loop with tool handling (spec.md
// §4.8 steps 8-9). Returns the final content, iteration count, whether
// consult_specialist was used, and any error.
func (al *AgentLoop) runLLMIteration(ctx context.Context, messages []providers.Message, opts processOptions) (string, int, bool, error) {
	iteration := 0
	var finalContent string
	usedSpecialist := false

	for iteration < al.maxIterations {
		iteration++
		messages = al.drainInterrupts(messages, opts.SessionKey)

		providerToolDefs := al.tools.ToProviderDefinitions()

		logger.DebugCF("agent", "LLM iteration",
			map[string]interface{}{"iteration": iteration, "max": al.maxIterations})
		logger.DebugCF("agent", "Full LLM request",
			map[string]interface{}{
				"iteration":     iteration,
				"messages_json": formatMessagesForLog(messages),
				"tools_json":    formatToolsForLog(providerToolDefs),
			})

		llmOpts := map[string]interface{}{
			"max_tokens":  8192,
			"temperature": 0.7,
		}

		response, err := al.callLLMWithRetry(ctx, messages, providerToolDefs, llmOpts, opts)
		if err != nil {
			logger.ErrorCF("agent", "LLM call failed", map[string]interface{}{"iteration": iteration, "error": err.Error()})
			return "", iteration, usedSpecialist, fmt.Errorf("LLM call failed: %w", err)
		}

		if al.metrics != nil && response.Usage != nil {
			al.metrics.Record(metrics.TokenEvent{
				SessionKey:   opts.SessionKey,
				Model:        al.model,
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
				Specialist:   opts.Specialist,
				Iteration:    iteration,
			})
		}

		response.Content = stripThinkingTags(response.Content)

		if len(response.ToolCalls) == 0 {
			finalContent = response.Content

			messages = append(messages, providers.Message{Role: "assistant", Content: finalContent})
			injected := al.drainInterrupts(messages, opts.SessionKey)
			if len(injected) > len(messages) {
				al.sessions.AddMessage(opts.SessionKey, "assistant", finalContent)
				al.bus.PublishOutbound(bus.OutboundMessage{
					Channel:  opts.Channel,
					ChatID:   opts.ChatID,
					Content:  finalContent,
					Metadata: opts.Metadata,
				})
				messages = injected
				finalContent = ""
				continue
			}
			messages = messages[:len(messages)-1]

			logger.InfoCF("agent", "LLM response without tool calls (direct answer)",
				map[string]interface{}{"iteration": iteration, "content_chars": len(finalContent)})
			break
		}

		toolNames := make([]string, 0, len(response.ToolCalls))
		for _, tc := range response.ToolCalls {
			toolNames = append(toolNames, tc.Name)
			if tc.Name == "consult_specialist" {
				usedSpecialist = true
			}
		}
		logger.InfoCF("agent", "LLM requested tool calls",
			map[string]interface{}{"tools": toolNames, "count": len(response.ToolCalls), "iteration": iteration})

		assistantMsg := providers.Message{Role: "assistant", Content: response.Content}
		for _, tc := range response.ToolCalls {
			argumentsJSON, _ := json.Marshal(tc.Arguments)
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, providers.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: &providers.FunctionCall{
					Name:      tc.Name,
					Arguments: string(argumentsJSON),
				},
			})
		}
		messages = append(messages, assistantMsg)
		al.sessions.AddFullMessage(opts.SessionKey, assistantMsg)

		channelCfg := al.channelConfig(opts.Channel)
		toolMsgs, anyBlocked := al.tools.ExecuteBatch(ctx, response.ToolCalls, tools.BatchOptions{
			Channel:    opts.Channel,
			ChatID:     opts.ChatID,
			SessionKey: opts.SessionKey,
			Autonomous: al.cfg != nil && al.cfg.Agents.Defaults.Autonomous,
			AutoApprove: func(toolName string) bool {
				return channelCfg.AutoApproves(toolName)
			},
			Emit: func(ev tools.ToolExecutionEvent) {
				al.emitToolExecution(opts, ev)
			},
		})
		messages = append(messages, toolMsgs...)
		for _, m := range toolMsgs {
			al.sessions.AddFullMessage(opts.SessionKey, m)
		}
		_ = anyBlocked // a blocked call's "ACTION CANCELLED" text is already in its tool message
	}

	return finalContent, iteration, usedSpecialist, nil
}

// channelConfig returns the per-channel confirmation overrides for channel,
// or a zero-value ChannelConfig (no auto-approvals) if unconfigured.
func (al *AgentLoop) channelConfig(channel string) config.ChannelConfig {
	if al.cfg == nil {
		return config.ChannelConfig{}
	}
	switch channel {
	case "cli":
		return al.cfg.Channels.CLI
	case "discord":
		return al.cfg.Channels.Discord
	case "telegram":
		return al.cfg.Channels.Telegram
	case "slack":
		return al.cfg.Channels.Slack
	case "lark":
		return al.cfg.Channels.Lark
	case "dingtalk":
		return al.cfg.Channels.DingTalk
	case "websocket":
		return al.cfg.Channels.WebSocket
	case "qq":
		return al.cfg.Channels.QQ
	default:
		return config.ChannelConfig{}
	}
}

// emitToolExecution turns one ToolExecutionEvent into a tool_execution
// outbound event (spec.md §4.4, §6).
func (al *AgentLoop) emitToolExecution(opts processOptions, ev tools.ToolExecutionEvent) {
	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel: opts.Channel,
		ChatID:  opts.ChatID,
		Content: ev.Summary,
		Metadata: map[string]string{
			"type":        constants.OutboundTypeToolExecution,
			"tool_name":   ev.ToolName,
			"tool_status": ev.Status,
			"preview":     ev.Preview,
		},
	})
}

// callLLMWithRetry wraps the streaming (or non-streaming) LLM call with
// exponential backoff on transient failures (spec.md §4.8.1): base 5s, 3
// attempts, a user-visible warning on the first retry, a user-visible
// failure on exhaustion.
func (al *AgentLoop) callLLMWithRetry(ctx context.Context, messages []providers.Message, toolDefs []providers.ToolDefinition, llmOpts map[string]interface{}, opts processOptions) (*providers.LLMResponse, error) {
	const maxAttempts = 3
	const baseDelay = 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		response, err := al.callLLM(ctx, messages, toolDefs, llmOpts, opts)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !isTransientLLMError(err) || attempt == maxAttempts {
			break
		}

		if attempt == 1 {
			al.bus.PublishOutbound(bus.OutboundMessage{
				Channel: opts.Channel,
				ChatID:  opts.ChatID,
				Content: "The model is temporarily unavailable, retrying...",
				Metadata: map[string]string{
					"type": constants.OutboundTypeNotification,
				},
			})
		}

		delay := baseDelay * time.Duration(1<<(attempt-1))
		logger.WarnCF("agent", "Retrying LLM call after transient error",
			map[string]interface{}{"attempt": attempt, "delay": delay.String(), "error": err.Error()})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel: opts.Channel,
		ChatID:  opts.ChatID,
		Content: "The model call failed after multiple attempts. Please try again shortly.",
		Metadata: map[string]string{
			"type": constants.OutboundTypeRateLimitError,
		},
	})
	return nil, lastErr
}

// isTransientLLMError reports whether err looks like a rate-limit, 5xx,
// connection-lost, or service-unavailable failure worth retrying.
func isTransientLLMError(err error) bool {
	msg := strings.ToLower(err.Error())
	transientMarkers := []string{
		"rate limit", "rate_limit", "429", "500", "502", "503", "504",
		"connection reset", "connection refused", "timeout", "eof",
		"service unavailable", "overloaded",
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// callLLM issues one streaming (if the provider and a stream updater are
// available) or non-streaming LLM call.
func (al *AgentLoop) callLLM(ctx context.Context, messages []providers.Message, toolDefs []providers.ToolDefinition, llmOpts map[string]interface{}, opts processOptions) (*providers.LLMResponse, error) {
	sp, canStream := al.provider.(providers.StreamingProvider)

	var streamCb func(fullText string)
	if canStream && al.streamUpdateFn != nil {
		streamCb = al.streamUpdateFn(opts.Channel, opts.ChatID)
	}

	if canStream && streamCb != nil {
		filteredCb := func(fullText string) {
			if cleaned := stripThinkingTagsForStream(fullText); cleaned != "" {
				streamCb(cleaned)
			}
		}
		notifier := bus.NewStreamNotifier(constants.StreamFlushBytes, constants.StreamFlushInterval, filteredCb)
		response, err := sp.ChatStream(ctx, messages, toolDefs, al.model, llmOpts, func(delta string) {
			notifier.Append(delta)
		})
		notifier.Flush()
		return response, err
	}

	return al.provider.Chat(ctx, messages, toolDefs, al.model, llmOpts)
}

// drainInterrupts non-blocking reads all pending messages from interruptCh
// and appends them as user messages to the conversation. Returns the
// updated messages slice (unchanged if no interrupts).
func (al *AgentLoop) drainInterrupts(messages []providers.Message, sessionKey string) []providers.Message {
	if al.interruptCh == nil {
		return messages
	}

	injected := false
	for {
		select {
		case msg := <-al.interruptCh:
			if msg.SessionKey() != sessionKey {
				select {
				case al.pendingMsgs <- msg:
				default:
					logger.ErrorCF("agent", "Pending channel full, dropping misrouted interrupt",
						map[string]interface{}{"target_session": msg.SessionKey(), "active_session": sessionKey})
				}
				continue
			}
			userMsg := providers.Message{Role: "user", Content: msg.Content}
			if len(msg.Media) > 0 {
				userMsg.ContentParts = msg.Media
			}
			messages = append(messages, userMsg)
			al.sessions.AddMessage(sessionKey, "user", msg.Content)
			injected = true
			logger.InfoCF("agent", "Injected interrupt message into conversation",
				map[string]interface{}{"session_key": sessionKey, "preview": utils.Truncate(msg.Content, 60)})
		default:
			if injected {
				logger.InfoCF("agent", "Interrupt injection complete", map[string]interface{}{"total_messages": len(messages)})
			}
			return messages
		}
	}
}

// GetStartupInfo returns information about loaded tools and specialists for
// logging at startup.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	info := make(map[string]interface{})

	defs := al.tools.ToProviderDefinitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	info["tools"] = map[string]interface{}{"count": len(names), "names": names}

	specs := al.specialistLoader.ListSpecialists()
	specNames := make([]string, 0, len(specs))
	for _, s := range specs {
		specNames = append(specNames, s.Name)
	}
	info["specialists"] = map[string]interface{}{"count": len(specNames), "names": specNames}

	return info
}

func formatMessagesForLog(messages []providers.Message) string {
	if len(messages) == 0 {
		return "[]"
	}
	var result string
	result += "[\n"
	for i, msg := range messages {
		result += fmt.Sprintf("  [%d] Role: %s\n", i, msg.Role)
		if len(msg.ToolCalls) > 0 {
			result += "  ToolCalls:\n"
			for _, tc := range msg.ToolCalls {
				result += fmt.Sprintf("    - ID: %s, Type: %s, Name: %s\n", tc.ID, tc.Type, tc.Name)
				if tc.Function != nil {
					result += fmt.Sprintf("      Arguments: %s\n", utils.Truncate(tc.Function.Arguments, 200))
				}
			}
		}
		if msg.Content != "" {
			result += fmt.Sprintf("  Content: %s\n", utils.Truncate(msg.Content, 200))
		}
		if msg.ToolCallID != "" {
			result += fmt.Sprintf("  ToolCallID: %s\n", msg.ToolCallID)
		}
		result += "\n"
	}
	result += "]"
	return result
}

func formatToolsForLog(toolDefs []providers.ToolDefinition) string {
	if len(toolDefs) == 0 {
		return "[]"
	}
	var result string
	result += "[\n"
	for i, t := range toolDefs {
		result += fmt.Sprintf("  [%d] Type: %s, Name: %s\n", i, t.Type, t.Function.Name)
		result += fmt.Sprintf("      Description: %s\n", t.Function.Description)
		if len(t.Function.Parameters) > 0 {
			result += fmt.Sprintf("      Parameters: %s\n", utils.Truncate(fmt.Sprintf("%v", t.Function.Parameters), 200))
		}
	}
	result += "]"
	return result
}

// summarizeSession summarizes the conversation history for a session,
// keeping the last 4 turns for continuity (spec.md §4.8 step 7).
func (al *AgentLoop) summarizeSession(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	history := al.sessions.GetHistory(sessionKey)
	summary := al.sessions.GetSummary(sessionKey)

	if len(history) <= 4 {
		return
	}
	toSummarize := history[:len(history)-4]

	maxMessageTokens := al.contextWindow / 2
	if maxMessageTokens <= 0 {
		maxMessageTokens = constants.HistoryTokenBudget
	}
	validMessages := make([]providers.Message, 0)
	omitted := false

	for _, m := range toSummarize {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if len(m.Content)/4 > maxMessageTokens {
			omitted = true
			continue
		}
		validMessages = append(validMessages, m)
	}

	if len(validMessages) == 0 {
		// Nothing summarizable — fall back to plain FIFO eviction of all but
		// the last 4 messages; BuildMessages drops any tool turns this leaves
		// at the front.
		al.sessions.TruncateHistory(sessionKey, 4)
		al.sessions.Save(sessionKey)
		return
	}

	var finalSummary string
	if len(validMessages) > 10 {
		mid := len(validMessages) / 2
		part1, part2 := validMessages[:mid], validMessages[mid:]

		s1, _ := al.summarizeBatch(ctx, part1, "")
		s2, _ := al.summarizeBatch(ctx, part2, "")

		mergePrompt := fmt.Sprintf("Merge these two conversation summaries into one cohesive summary:\n\n1: %s\n\n2: %s", s1, s2)
		resp, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: mergePrompt}}, nil, al.model, map[string]interface{}{
			"max_tokens": 1024, "temperature": 0.3,
		})
		if err == nil {
			finalSummary = resp.Content
		} else {
			finalSummary = s1 + " " + s2
		}
	} else {
		finalSummary, _ = al.summarizeBatch(ctx, validMessages, summary)
	}

	if omitted && finalSummary != "" {
		finalSummary += "\n[Note: Some oversized messages were omitted from this summary for efficiency.]"
	}

	if finalSummary != "" {
		al.sessions.SetSummary(sessionKey, finalSummary)
		al.sessions.TruncateHistory(sessionKey, 4)
		al.sessions.Save(sessionKey)
	}
}

// summarizeBatch summarizes one batch of messages with a non-streaming LLM
// call (spec.md §4.8 step 7: "≤200 words: key decisions, user facts, task
// state").
func (al *AgentLoop) summarizeBatch(ctx context.Context, batch []providers.Message, existingSummary string) (string, error) {
	prompt := "Summarize this conversation segment in 200 words or fewer: key decisions, user facts, task state.\n"
	if existingSummary != "" {
		prompt += "Existing context: " + existingSummary + "\n"
	}
	prompt += "\nCONVERSATION:\n"
	for _, m := range batch {
		prompt += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}

	response, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, al.model, map[string]interface{}{
		"max_tokens": 1024, "temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// estimateTokens estimates the number of tokens in a message list using a
// rune count rather than a byte length, so CJK and other multi-byte
// characters aren't over-counted.
func (al *AgentLoop) estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}

// resolveEmbeddingFunc returns an OpenAI (or OpenAI-compatible) embedding
// function if an API key is available, trying a direct OpenAI key first and
// OpenRouter second. Returns nil if no key is available.
func resolveEmbeddingFunc(cfg *config.Config) chromem.EmbeddingFunc {
	model := cfg.Tools.Memory.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		return chromem.NewEmbeddingFuncOpenAI(cfg.Providers.OpenAI.APIKey, chromem.EmbeddingModelOpenAI(model))
	}

	if cfg.Providers.OpenRouter.APIKey != "" {
		baseURL := cfg.Providers.OpenRouter.APIBase
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		orModel := model
		if !strings.Contains(orModel, "/") {
			orModel = "openai/" + orModel
		}
		return chromem.NewEmbeddingFuncOpenAICompat(baseURL, cfg.Providers.OpenRouter.APIKey, orModel, nil)
	}

	return nil
}
