package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. All returned values are clones; callers never share state with
// the store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message // conversationID → insert order
	byMessageID   map[string]*models.Message
	agents        map[string]*models.Agent
	memories      map[string]*models.MemoryItem
	memorySeq     map[string]int // insertion tie-break for equal created_at
	nextMemorySeq int
	audit         []models.ApprovalAuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		byMessageID:   map[string]*models.Message{},
		agents:        map[string]*models.Agent{},
		memories:      map[string]*models.MemoryItem{},
		memorySeq:     map[string]int{},
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *conv
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	m.conversations[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range m.conversations {
		if ownerID != "" && conv.OwnerID != ownerID {
			continue
		}
		clone := *conv
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Conversation{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], clone)
	m.byMessageID[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.byMessageID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) AppendContent(ctx context.Context, messageID, delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMessageID[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Status.Terminal() {
		return ErrTerminal
	}
	msg.Content += delta
	return nil
}

func (m *MemoryStore) FinishMessage(ctx context.Context, messageID string, status models.MessageStatus, meta models.MessageMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byMessageID[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Status.Terminal() {
		return ErrTerminal
	}
	msg.Status = status
	msg.Metadata = cloneMetadata(meta)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*models.Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *agent
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	agent.ID = clone.ID
	agent.CreatedAt = clone.CreatedAt
	m.agents[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *agent
	return &clone, nil
}

func (m *MemoryStore) PutMemory(ctx context.Context, item *models.MemoryItem) error {
	if item == nil {
		return errors.New("memory item is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneMemory(item)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	item.ID = clone.ID
	item.CreatedAt = clone.CreatedAt
	m.memories[clone.ID] = clone
	if _, ok := m.memorySeq[clone.ID]; !ok {
		m.nextMemorySeq++
		m.memorySeq[clone.ID] = m.nextMemorySeq
	}
	return nil
}

func (m *MemoryStore) ListMemories(ctx context.Context, q MemoryQuery) ([]*models.MemoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.MemoryItem
	for _, item := range m.memories {
		if q.AgentID != "" && item.AgentID != q.AgentID {
			continue
		}
		if q.SessionID != "" && item.SessionID != q.SessionID {
			continue
		}
		if q.Tier != "" && item.Tier != q.Tier {
			continue
		}
		if q.Category != "" && item.Category != q.Category {
			continue
		}
		if q.MinImportance > 0 && item.Importance < q.MinImportance {
			continue
		}
		out = append(out, cloneMemory(item))
	}
	// Newest first; insertion order breaks created_at ties.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return m.memorySeq[out[i].ID] > m.memorySeq[out[j].ID]
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PromoteMemory(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.memories[id]
	if !ok {
		return ErrNotFound
	}
	item.Tier = models.TierLongTerm
	return nil
}

func (m *MemoryStore) PruneShortTerm(ctx context.Context, agentID, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var shortTerm []*models.MemoryItem
	for _, item := range m.memories {
		if item.AgentID != agentID || item.SessionID != sessionID || item.Tier != models.TierShortTerm {
			continue
		}
		shortTerm = append(shortTerm, item)
	}
	if len(shortTerm) <= keep {
		return 0, nil
	}
	sort.Slice(shortTerm, func(i, j int) bool {
		if shortTerm[i].CreatedAt.Equal(shortTerm[j].CreatedAt) {
			return m.memorySeq[shortTerm[i].ID] > m.memorySeq[shortTerm[j].ID]
		}
		return shortTerm[i].CreatedAt.After(shortTerm[j].CreatedAt)
	})
	removed := 0
	for _, item := range shortTerm[keep:] {
		delete(m.memories, item.ID)
		delete(m.memorySeq, item.ID)
		removed++
	}
	return removed, nil
}

func (m *MemoryStore) RecordApproval(ctx context.Context, entry models.ApprovalAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ApprovalCounts(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, 4)
	for _, entry := range m.audit {
		counts[entry.Decision]++
	}
	return counts, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	clone.Metadata = cloneMetadata(msg.Metadata)
	return &clone
}

func cloneMetadata(meta models.MessageMetadata) models.MessageMetadata {
	clone := meta
	if len(meta.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCallRecord{}, meta.ToolCalls...)
	}
	if meta.TokenUsage != nil {
		usage := *meta.TokenUsage
		clone.TokenUsage = &usage
	}
	return clone
}

func cloneMemory(item *models.MemoryItem) *models.MemoryItem {
	if item == nil {
		return nil
	}
	clone := *item
	if len(item.Tags) > 0 {
		clone.Tags = append([]string{}, item.Tags...)
	}
	return &clone
}
