package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	agent := &models.Agent{
		OwnerID:      "owner-1",
		ModelID:      "claude-sonnet-4",
		SystemPrompt: "be useful",
		Temperature:  0.5,
		MaxTokens:    2048,
		WorkspacePolicy: models.WorkspacePolicy{
			AllowActions:      true,
			AllowContextReads: true,
		},
		MemoryPolicy: models.MemoryPolicy{ShortTermWindow: 10, LongTermEnabled: true, LongTermImportanceThreshold: 0.7},
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	gotAgent, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !gotAgent.WorkspacePolicy.AllowActions || gotAgent.MemoryPolicy.ShortTermWindow != 10 {
		t.Fatalf("policies not round-tripped: %+v", gotAgent)
	}

	conv := &models.Conversation{OwnerID: "owner-1", AgentID: agent.ID, Title: "t"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	gotConv, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if gotConv.AgentID != agent.ID {
		t.Fatalf("agent id = %s, want %s", gotConv.AgentID, agent.ID)
	}
}

func TestSQLiteMessageTerminalOnce(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	conv := &models.Conversation{OwnerID: "o", AgentID: "a"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := &models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Status: models.StatusStreaming}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := s.AppendContent(ctx, msg.ID, "abc"); err != nil {
		t.Fatalf("append content: %v", err)
	}
	if err := s.AppendContent(ctx, msg.ID, "def"); err != nil {
		t.Fatalf("append content: %v", err)
	}

	meta := models.MessageMetadata{
		ModelID:   "m",
		ToolCalls: []models.ToolCallRecord{{ID: "tc-1", ToolName: "read_file", Status: models.ToolCallCompleted, Success: true}},
	}
	if err := s.FinishMessage(ctx, msg.ID, models.StatusComplete, meta); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.FinishMessage(ctx, msg.ID, models.StatusStopped, models.MessageMetadata{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second finish: err = %v, want ErrTerminal", err)
	}
	if err := s.AppendContent(ctx, msg.ID, "x"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("append after terminal: err = %v, want ErrTerminal", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "abcdef" {
		t.Fatalf("content = %q, want abcdef", got.Content)
	}
	if len(got.Metadata.ToolCalls) != 1 || got.Metadata.ToolCalls[0].ToolName != "read_file" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}

	history, err := s.History(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Fatalf("history = %+v", history)
	}
}

func TestSQLiteMemoryPruneAndPromote(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	var last string
	for i := 0; i < 4; i++ {
		item := &models.MemoryItem{
			AgentID:    "agent-1",
			SessionID:  "conv-1",
			Tier:       models.TierShortTerm,
			Category:   models.CategoryInteraction,
			Summary:    "s",
			Importance: 0.8,
			Tags:       []string{"a", "b"},
		}
		if err := s.PutMemory(ctx, item); err != nil {
			t.Fatalf("put memory: %v", err)
		}
		last = item.ID
	}

	if err := s.PromoteMemory(ctx, last); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := s.PromoteMemory(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("promote missing: err = %v, want ErrNotFound", err)
	}

	removed, err := s.PruneShortTerm(ctx, "agent-1", "conv-1", 1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2 (three short-term, keep one)", removed)
	}

	items, err := s.ListMemories(ctx, MemoryQuery{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2 (one short-term kept + one promoted)", len(items))
	}
	if len(items[0].Tags) != 2 {
		t.Fatalf("tags not round-tripped: %+v", items[0])
	}
}

func TestSQLiteApprovalAudit(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	for _, decision := range []string{"approved", "rejected", "approved"} {
		err := s.RecordApproval(ctx, models.ApprovalAuditEntry{
			TurnID:         "turn-1",
			ConversationID: "conv-1",
			Kind:           models.ApprovalGitOp,
			Risk:           models.RiskMedium,
			Decision:       decision,
		})
		if err != nil {
			t.Fatalf("record approval: %v", err)
		}
	}

	counts, err := s.ApprovalCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["approved"] != 2 || counts["rejected"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSQLiteMigratorStatus(t *testing.T) {
	s := openTestSQLite(t)

	migrator, err := NewMigrator(s.DB(), DialectSQLite)
	if err != nil {
		t.Fatalf("new migrator: %v", err)
	}
	applied, pending, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected at least one applied migration after OpenSQLite")
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}
