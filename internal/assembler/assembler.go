// Package assembler builds the prompt payload for one turn: the agent's
// system prompt enriched with memory and knowledge sections, a bounded
// window of conversation history, the current user message, and the tool
// descriptors the agent's workspace policy allows.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/relay/internal/knowledge"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// defaultTopK is used when an agent enables knowledge retrieval without
// setting top_k.
const defaultTopK = 3

// Options tune assembly without changing its semantics.
type Options struct {
	// ContextWindowTokens is the assumed context size for models absent
	// from the built-in table. Zero falls back to DefaultContextWindow.
	ContextWindowTokens int
}

// Assembler produces llm.Payloads. Memory and knowledge are optional;
// a nil manager or retriever simply skips that section.
type Assembler struct {
	store     store.Store
	memory    *memory.Manager
	retriever knowledge.Retriever
	registry  *tools.Registry
	opts      Options
	logger    *slog.Logger
}

// New creates an Assembler. store is required; the rest may be nil.
func New(st store.Store, mem *memory.Manager, retr knowledge.Retriever, reg *tools.Registry, opts Options, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:     st,
		memory:    mem,
		retriever: retr,
		registry:  reg,
		opts:      opts,
		logger:    logger,
	}
}

// Request carries everything Build needs for one turn. The user message
// must already be persisted; Build excludes it from the history window and
// appends it as the final message itself.
type Request struct {
	Agent        *models.Agent
	Conversation *models.Conversation
	UserMessage  *models.Message
}

// Build assembles the prompt payload. Memory and knowledge failures are
// logged and skipped; an answer with less context beats no answer. A
// history load failure is fatal because the payload would misrepresent
// the conversation.
func (a *Assembler) Build(ctx context.Context, req *Request) (*llm.Payload, error) {
	if req == nil || req.Agent == nil || req.Conversation == nil || req.UserMessage == nil {
		return nil, fmt.Errorf("assemble: agent, conversation and user message are required")
	}
	agent := req.Agent

	var system strings.Builder
	system.WriteString(strings.TrimSpace(agent.SystemPrompt))

	if section := a.memorySection(ctx, req); section != "" {
		system.WriteString("\n\n")
		system.WriteString(section)
	}
	if section := a.knowledgeSection(ctx, req); section != "" {
		system.WriteString("\n\n")
		system.WriteString(section)
	}

	history, err := a.historyWindow(ctx, req)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		messages = append(messages, llm.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, llm.ChatMessage{
		Role:    models.RoleUser,
		Content: req.UserMessage.Content,
	})

	var defs []llm.ToolDef
	if a.registry != nil {
		descriptors := a.registry.Descriptors(agent.WorkspacePolicy)
		defs = make([]llm.ToolDef, 0, len(descriptors))
		for _, desc := range descriptors {
			defs = append(defs, llm.ToolDef{
				Name:        desc.Name,
				Description: desc.Description,
				Schema:      desc.Schema,
			})
		}
	}

	return &llm.Payload{
		OwnerID:  agent.OwnerID,
		ModelID:  agent.ModelID,
		System:   system.String(),
		Messages: messages,
		Tools:    defs,
		Params: llm.GenerationParams{
			Temperature: agent.Temperature,
			MaxTokens:   agent.MaxTokens,
		},
	}, nil
}

// memorySection renders the Memory Context block, or "" when memory is
// disabled, empty, or unavailable.
func (a *Assembler) memorySection(ctx context.Context, req *Request) string {
	policy := req.Agent.MemoryPolicy
	if a.memory == nil || (policy.ShortTermWindow <= 0 && !policy.LongTermEnabled) {
		return ""
	}
	recall, err := a.memory.Recall(ctx, req.Agent.ID, req.Conversation.ID, req.UserMessage.Content)
	if err != nil {
		a.logger.Warn("memory recall failed, assembling without it",
			"agent_id", req.Agent.ID, "conversation_id", req.Conversation.ID, "error", err)
		return ""
	}
	if recall.Empty() {
		return ""
	}
	return renderMemory(recall)
}

func renderMemory(recall *memory.Recall) string {
	var b strings.Builder
	b.WriteString("## Memory Context\n")
	if recall.Summary != "" {
		b.WriteString(recall.Summary)
		b.WriteString("\n")
	}
	if len(recall.RecentInteractions) > 0 {
		b.WriteString("\nRecent interactions:\n")
		for _, item := range recall.RecentInteractions {
			writeMemoryItem(&b, item)
		}
	}
	if len(recall.RelevantLessons) > 0 {
		b.WriteString("\nLessons learned:\n")
		for _, item := range recall.RelevantLessons {
			writeMemoryItem(&b, item)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeMemoryItem(b *strings.Builder, item *models.MemoryItem) {
	b.WriteString("- ")
	b.WriteString(item.Summary)
	if item.Details != "" {
		b.WriteString(": ")
		b.WriteString(item.Details)
	}
	b.WriteString("\n")
}

// knowledgeSection renders the Knowledge Base Context block, or "" when
// retrieval is disabled, empty, or unavailable.
func (a *Assembler) knowledgeSection(ctx context.Context, req *Request) string {
	policy := req.Agent.KnowledgePolicy
	if a.retriever == nil || !policy.Enabled {
		return ""
	}
	topK := policy.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	chunks, err := a.retriever.Retrieve(ctx, req.UserMessage.Content, topK)
	if err != nil {
		a.logger.Warn("knowledge retrieval failed, assembling without it",
			"agent_id", req.Agent.ID, "conversation_id", req.Conversation.ID, "error", err)
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}
	return renderKnowledge(chunks)
}

func renderKnowledge(chunks []knowledge.Chunk) string {
	var b strings.Builder
	b.WriteString("## Knowledge Base Context\n")
	for i, chunk := range chunks {
		source := chunk.Source
		if source == "" {
			source = chunk.ID
		}
		fmt.Fprintf(&b, "\n### Source %d: %s\n", i+1, source)
		// Chunk content is passed through verbatim.
		b.WriteString(chunk.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// historyWindow loads and bounds the conversation history. The window is
// capped at short_term_window exchanges (two messages each) and at
// HistoryBudgetShare of the model's context window, oldest dropped first.
func (a *Assembler) historyWindow(ctx context.Context, req *Request) ([]*models.Message, error) {
	window := req.Agent.MemoryPolicy.ShortTermWindow
	maxMessages := 0
	fetch := 0
	if window > 0 {
		maxMessages = window * 2
		// Headroom for messages the filter below removes.
		fetch = maxMessages + 8
	}

	history, err := a.store.History(ctx, req.Conversation.ID, fetch)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, msg := range history {
		if msg.ID == req.UserMessage.ID {
			// The current message is appended separately.
			continue
		}
		if msg.Status == models.StatusStreaming || msg.Status == models.StatusPending {
			continue
		}
		if msg.Content == "" {
			continue
		}
		// Messages posted after this turn's user message belong to turns
		// queued behind it, not to its history.
		if msg.CreatedAt.After(req.UserMessage.CreatedAt) {
			continue
		}
		filtered = append(filtered, msg)
	}

	budget := int(float64(a.contextWindow(req.Agent.ModelID)) * HistoryBudgetShare)
	return TrimHistory(filtered, maxMessages, budget), nil
}

func (a *Assembler) contextWindow(modelID string) int {
	if tokens, ok := ContextWindowForModel(modelID); ok {
		return tokens
	}
	if a.opts.ContextWindowTokens > 0 {
		return a.opts.ContextWindowTokens
	}
	return DefaultContextWindow
}
