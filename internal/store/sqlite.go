package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// SQLiteStore implements Store on a local SQLite file. It is the default
// backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteDSN builds the connection string for path with the pragmas the
// store relies on.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
}

// OpenSQLite opens (and migrates) a SQLite store at the given path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying connection for the migrator and status command.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, agent_id, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.AgentID, conv.Title, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, agent_id, title, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.OwnerID, &conv.AgentID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Conversation, error) {
	query := `SELECT id, owner_id, agent_id, title, created_at FROM conversations`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &conv.AgentID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, status, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Status, string(metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	var metadata []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, status, metadata, created_at FROM messages WHERE id = ?`, id,
	).Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Status, &metadata, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return msg, nil
}

// AppendContent appends delta to a non-terminal message. The status guard in
// the WHERE clause is what keeps terminal content immutable under concurrent
// writers.
func (s *SQLiteStore) AppendContent(ctx context.Context, messageID, delta string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = content || ? WHERE id = ? AND status NOT IN ('complete', 'stopped', 'failed')`,
		delta, messageID,
	)
	if err != nil {
		return fmt.Errorf("append content: %w", err)
	}
	return s.explainZeroRows(ctx, res, messageID)
}

func (s *SQLiteStore) FinishMessage(ctx context.Context, messageID string, status models.MessageStatus, meta models.MessageMetadata) error {
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, metadata = ? WHERE id = ? AND status NOT IN ('complete', 'stopped', 'failed')`,
		status, string(metadata), messageID,
	)
	if err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return s.explainZeroRows(ctx, res, messageID)
}

// explainZeroRows turns a zero-row guarded update into ErrNotFound or
// ErrTerminal depending on whether the message exists.
func (s *SQLiteStore) explainZeroRows(ctx context.Context, res sql.Result, messageID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, messageID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	return ErrTerminal
}

func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, status, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var metadata []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Status, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	workspace, err := json.Marshal(agent.WorkspacePolicy)
	if err != nil {
		return fmt.Errorf("marshal workspace policy: %w", err)
	}
	memory, err := json.Marshal(agent.MemoryPolicy)
	if err != nil {
		return fmt.Errorf("marshal memory policy: %w", err)
	}
	knowledge, err := json.Marshal(agent.KnowledgePolicy)
	if err != nil {
		return fmt.Errorf("marshal knowledge policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, model_id, system_prompt, temperature, max_tokens,
		 workspace_policy, memory_policy, knowledge_policy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.OwnerID, agent.ModelID, agent.SystemPrompt, agent.Temperature, agent.MaxTokens,
		string(workspace), string(memory), string(knowledge), agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var workspace, memory, knowledge []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, model_id, system_prompt, temperature, max_tokens,
		 workspace_policy, memory_policy, knowledge_policy, created_at
		 FROM agents WHERE id = ?`, id,
	).Scan(&agent.ID, &agent.OwnerID, &agent.ModelID, &agent.SystemPrompt, &agent.Temperature,
		&agent.MaxTokens, &workspace, &memory, &knowledge, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if err := unmarshalPolicies(workspace, memory, knowledge, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func unmarshalPolicies(workspace, memory, knowledge []byte, agent *models.Agent) error {
	if len(workspace) > 0 {
		if err := json.Unmarshal(workspace, &agent.WorkspacePolicy); err != nil {
			return fmt.Errorf("unmarshal workspace policy: %w", err)
		}
	}
	if len(memory) > 0 {
		if err := json.Unmarshal(memory, &agent.MemoryPolicy); err != nil {
			return fmt.Errorf("unmarshal memory policy: %w", err)
		}
	}
	if len(knowledge) > 0 {
		if err := json.Unmarshal(knowledge, &agent.KnowledgePolicy); err != nil {
			return fmt.Errorf("unmarshal knowledge policy: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) PutMemory(ctx context.Context, item *models.MemoryItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(item.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, agent_id, session_id, tier, category, summary, details, importance, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tier = excluded.tier, summary = excluded.summary,
		 details = excluded.details, importance = excluded.importance, tags = excluded.tags`,
		item.ID, item.AgentID, item.SessionID, item.Tier, item.Category,
		item.Summary, item.Details, item.Importance, string(tags), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMemories(ctx context.Context, q MemoryQuery) ([]*models.MemoryItem, error) {
	query := `SELECT id, agent_id, session_id, tier, category, summary, details, importance, tags, created_at FROM memories WHERE 1=1`
	args := []any{}
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, q.Tier)
	}
	if q.Category != "" {
		query += ` AND category = ?`
		args = append(args, q.Category)
	}
	if q.MinImportance > 0 {
		query += ` AND importance >= ?`
		args = append(args, q.MinImportance)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanMemory(rows *sql.Rows) (*models.MemoryItem, error) {
	item := &models.MemoryItem{}
	var tags []byte
	if err := rows.Scan(&item.ID, &item.AgentID, &item.SessionID, &item.Tier, &item.Category,
		&item.Summary, &item.Details, &item.Importance, &tags, &item.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	if len(tags) > 0 && string(tags) != "null" {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return item, nil
}

func (s *SQLiteStore) PromoteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET tier = ? WHERE id = ?`, models.TierLongTerm, id,
	)
	if err != nil {
		return fmt.Errorf("promote memory: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PruneShortTerm(ctx context.Context, agentID, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			WHERE agent_id = ? AND session_id = ? AND tier = ?
			ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`,
		agentID, sessionID, models.TierShortTerm, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune short term: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLiteStore) RecordApproval(ctx context.Context, entry models.ApprovalAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_audit (id, turn_id, conversation_id, kind, risk, decision, reason, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TurnID, entry.ConversationID, entry.Kind, entry.Risk, entry.Decision, entry.Reason, entry.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ApprovalCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT decision, COUNT(*) FROM approval_audit GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("approval counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, fmt.Errorf("scan approval count: %w", err)
		}
		counts[decision] = count
	}
	return counts, rows.Err()
}
