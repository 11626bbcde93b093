// Package store persists conversations, messages, agents, memory items and
// approval audit rows. Three backends implement the same interface: an
// in-memory store for tests and local runs, SQLite for single-node
// deployments, and Postgres for shared ones.
package store

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTerminal is returned when a write targets a message that has
	// already reached a terminal status. Terminal content is immutable.
	ErrTerminal = errors.New("store: message already terminal")
)

// ListOptions bounds list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// MemoryQuery filters memory listings. Zero values match everything.
type MemoryQuery struct {
	AgentID       string
	SessionID     string
	Tier          models.MemoryTier
	Category      models.MemoryCategory
	MinImportance float64
	Limit         int
}

// Store is the persistence interface the broker and memory manager depend on.
type Store interface {
	// Conversations.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Conversation, error)

	// Messages. AppendContent and FinishMessage reject terminal messages
	// with ErrTerminal; FinishMessage performs the single allowed terminal
	// transition. History returns messages in chronological order, ties
	// broken by insert order.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	AppendContent(ctx context.Context, messageID, delta string) error
	FinishMessage(ctx context.Context, messageID string, status models.MessageStatus, meta models.MessageMetadata) error
	History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// Agents.
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)

	// Memory items. PruneShortTerm keeps the most recent `keep` short-term
	// items for an agent+session and deletes the rest, returning how many
	// were removed. PromoteMemory moves an item to the long-term tier.
	PutMemory(ctx context.Context, item *models.MemoryItem) error
	ListMemories(ctx context.Context, q MemoryQuery) ([]*models.MemoryItem, error)
	PromoteMemory(ctx context.Context, id string) error
	PruneShortTerm(ctx context.Context, agentID, sessionID string, keep int) (int, error)

	// Approval audit.
	RecordApproval(ctx context.Context, entry models.ApprovalAuditEntry) error
	ApprovalCounts(ctx context.Context) (map[string]int, error)

	Close() error
}
