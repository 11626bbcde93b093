package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func seedConversation(t *testing.T, s Store) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{OwnerID: "owner-1", AgentID: "agent-1"}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestMemoryStoreConversations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv := seedConversation(t, s)
	if conv.ID == "" {
		t.Fatal("expected generated conversation ID")
	}

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.OwnerID != "owner-1" || got.AgentID != "agent-1" {
		t.Fatalf("got %+v, want owner-1/agent-1", got)
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	list, err := s.ListConversations(ctx, "owner-1", ListOptions{})
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
}

func TestMemoryStoreMessageLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	conv := seedConversation(t, s)

	msg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Status:         models.StatusStreaming,
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := s.AppendContent(ctx, msg.ID, "hello "); err != nil {
		t.Fatalf("append content: %v", err)
	}
	if err := s.AppendContent(ctx, msg.ID, "world"); err != nil {
		t.Fatalf("append content: %v", err)
	}

	meta := models.MessageMetadata{ModelID: "m", TokenUsage: &models.TokenUsage{InputTokens: 3, OutputTokens: 7}}
	if err := s.FinishMessage(ctx, msg.ID, models.StatusComplete, meta); err != nil {
		t.Fatalf("finish message: %v", err)
	}

	// Terminal content is immutable; the second transition must fail.
	if err := s.AppendContent(ctx, msg.ID, "!"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("append after terminal: err = %v, want ErrTerminal", err)
	}
	if err := s.FinishMessage(ctx, msg.ID, models.StatusFailed, models.MessageMetadata{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second finish: err = %v, want ErrTerminal", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "hello world" {
		t.Fatalf("content = %q, want %q", got.Content, "hello world")
	}
	if got.Status != models.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.Metadata.TokenUsage == nil || got.Metadata.TokenUsage.OutputTokens != 7 {
		t.Fatalf("metadata not persisted: %+v", got.Metadata)
	}

	if err := s.AppendContent(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to missing: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreHistoryOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	conv := seedConversation(t, s)

	// Same created_at for all three; insert order must break the tie.
	at := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        fmt.Sprintf("msg-%d", i),
			Status:         models.StatusComplete,
			CreatedAt:      at,
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	history, err := s.History(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len = %d, want 3", len(history))
	}
	for i, msg := range history {
		want := fmt.Sprintf("msg-%d", i)
		if msg.Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, msg.Content, want)
		}
	}

	limited, err := s.History(ctx, conv.ID, 2)
	if err != nil {
		t.Fatalf("history limited: %v", err)
	}
	if len(limited) != 2 || limited[0].Content != "msg-1" {
		t.Fatalf("limited history = %+v, want last two", limited)
	}
}

func TestMemoryStoreMemories(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		item := &models.MemoryItem{
			AgentID:    "agent-1",
			SessionID:  "conv-1",
			Tier:       models.TierShortTerm,
			Category:   models.CategoryInteraction,
			Summary:    fmt.Sprintf("interaction %d", i),
			Importance: 0.1 * float64(i+1),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.PutMemory(ctx, item); err != nil {
			t.Fatalf("put memory %d: %v", i, err)
		}
	}

	recent, err := s.ListMemories(ctx, MemoryQuery{AgentID: "agent-1", Tier: models.TierShortTerm, Limit: 2})
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(recent) != 2 || recent[0].Summary != "interaction 4" {
		t.Fatalf("recent = %+v, want newest first", recent)
	}

	important, err := s.ListMemories(ctx, MemoryQuery{AgentID: "agent-1", MinImportance: 0.4})
	if err != nil {
		t.Fatalf("list by importance: %v", err)
	}
	if len(important) != 2 {
		t.Fatalf("len = %d, want 2 with importance >= 0.4", len(important))
	}

	if err := s.PromoteMemory(ctx, recent[0].ID); err != nil {
		t.Fatalf("promote: %v", err)
	}
	longTerm, err := s.ListMemories(ctx, MemoryQuery{AgentID: "agent-1", Tier: models.TierLongTerm})
	if err != nil {
		t.Fatalf("list long term: %v", err)
	}
	if len(longTerm) != 1 {
		t.Fatalf("long term len = %d, want 1", len(longTerm))
	}

	removed, err := s.PruneShortTerm(ctx, "agent-1", "conv-1", 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	rest, err := s.ListMemories(ctx, MemoryQuery{AgentID: "agent-1", Tier: models.TierShortTerm})
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("short term after prune = %d, want 2", len(rest))
	}
}

func TestMemoryStoreApprovalCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, decision := range []string{"approved", "approved", "rejected", "timeout"} {
		err := s.RecordApproval(ctx, models.ApprovalAuditEntry{
			TurnID:         "turn-1",
			ConversationID: "conv-1",
			Kind:           models.ApprovalCommandExecution,
			Risk:           models.RiskHigh,
			Decision:       decision,
		})
		if err != nil {
			t.Fatalf("record approval: %v", err)
		}
	}

	counts, err := s.ApprovalCounts(ctx)
	if err != nil {
		t.Fatalf("approval counts: %v", err)
	}
	if counts["approved"] != 2 || counts["rejected"] != 1 || counts["timeout"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestMemoryStoreClonesAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	conv := seedConversation(t, s)

	msg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        "original",
		Status:         models.StatusStreaming,
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Content = "mutated"

	again, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Content != "original" {
		t.Fatalf("store state leaked through returned clone: %q", again.Content)
	}
}
