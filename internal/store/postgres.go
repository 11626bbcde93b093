package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/relay/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot message path.
	stmtCreateConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtAppendMessage      *sql.Stmt
	stmtGetMessage         *sql.Stmt
	stmtAppendContent      *sql.Stmt
	stmtFinishMessage      *sql.Stmt
	stmtHistory            *sql.Stmt
	stmtCreateAgent        *sql.Stmt
	stmtGetAgent           *sql.Stmt
	stmtPutMemory          *sql.Stmt
	stmtRecordApproval     *sql.Stmt
}

// OpenPostgres opens a Postgres store from a DSN/URL.
func OpenPostgres(ctx context.Context, dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing connection; used by tests.
func NewPostgresStoreFromDB(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

// DB exposes the underlying database connection for the migrator.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateConversation, err = s.db.Prepare(`
		INSERT INTO conversations (id, owner_id, agent_id, title, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	s.stmtGetConversation, err = s.db.Prepare(`
		SELECT id, owner_id, agent_id, title, created_at
		FROM conversations WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, conversation_id, role, content, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.stmtGetMessage, err = s.db.Prepare(`
		SELECT id, conversation_id, role, content, status, metadata, created_at
		FROM messages WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}

	s.stmtAppendContent, err = s.db.Prepare(`
		UPDATE messages SET content = content || $1
		WHERE id = $2 AND status NOT IN ('complete', 'stopped', 'failed')
	`)
	if err != nil {
		return fmt.Errorf("append content: %w", err)
	}

	s.stmtFinishMessage, err = s.db.Prepare(`
		UPDATE messages SET status = $1, metadata = $2
		WHERE id = $3 AND status NOT IN ('complete', 'stopped', 'failed')
	`)
	if err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	s.stmtHistory, err = s.db.Prepare(`
		SELECT id, conversation_id, role, content, status, metadata, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	s.stmtCreateAgent, err = s.db.Prepare(`
		INSERT INTO agents (id, owner_id, model_id, system_prompt, temperature, max_tokens,
		workspace_policy, memory_policy, knowledge_policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	s.stmtGetAgent, err = s.db.Prepare(`
		SELECT id, owner_id, model_id, system_prompt, temperature, max_tokens,
		workspace_policy, memory_policy, knowledge_policy, created_at
		FROM agents WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("get agent: %w", err)
	}

	s.stmtPutMemory, err = s.db.Prepare(`
		INSERT INTO memories (id, agent_id, session_id, tier, category, summary, details, importance, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET tier = excluded.tier, summary = excluded.summary,
		details = excluded.details, importance = excluded.importance, tags = excluded.tags
	`)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}

	s.stmtRecordApproval, err = s.db.Prepare(`
		INSERT INTO approval_audit (id, turn_id, conversation_id, kind, risk, decision, reason, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the connection.
func (s *PostgresStore) Close() error {
	stmts := []*sql.Stmt{
		s.stmtCreateConversation, s.stmtGetConversation,
		s.stmtAppendMessage, s.stmtGetMessage, s.stmtAppendContent,
		s.stmtFinishMessage, s.stmtHistory,
		s.stmtCreateAgent, s.stmtGetAgent,
		s.stmtPutMemory, s.stmtRecordApproval,
	}
	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	_, err := s.stmtCreateConversation.ExecContext(ctx,
		conv.ID, conv.OwnerID, conv.AgentID, conv.Title, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.stmtGetConversation.QueryRowContext(ctx, id).Scan(
		&conv.ID, &conv.OwnerID, &conv.AgentID, &conv.Title, &conv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, ownerID string, opts ListOptions) ([]*models.Conversation, error) {
	query := `SELECT id, owner_id, agent_id, title, created_at FROM conversations`
	args := []any{}
	argPos := 1
	if ownerID != "" {
		query += fmt.Sprintf(` WHERE owner_id = $%d`, argPos)
		args = append(args, ownerID)
		argPos++
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argPos)
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

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
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
	_, err = s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Status, metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	var metadata []byte
	err := s.stmtGetMessage.QueryRowContext(ctx, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Status, &metadata, &msg.CreatedAt,
	)
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

func (s *PostgresStore) AppendContent(ctx context.Context, messageID, delta string) error {
	res, err := s.stmtAppendContent.ExecContext(ctx, delta, messageID)
	if err != nil {
		return fmt.Errorf("append content: %w", err)
	}
	return s.explainZeroRows(ctx, res, messageID)
}

func (s *PostgresStore) FinishMessage(ctx context.Context, messageID string, status models.MessageStatus, meta models.MessageMetadata) error {
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.stmtFinishMessage.ExecContext(ctx, status, metadata, messageID)
	if err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return s.explainZeroRows(ctx, res, messageID)
}

func (s *PostgresStore) explainZeroRows(ctx context.Context, res sql.Result, messageID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = $1`, messageID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	return ErrTerminal
}

func (s *PostgresStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtHistory.QueryContext(ctx, conversationID, limit)
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

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
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
	_, err = s.stmtCreateAgent.ExecContext(ctx,
		agent.ID, agent.OwnerID, agent.ModelID, agent.SystemPrompt, agent.Temperature, agent.MaxTokens,
		workspace, memory, knowledge, agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var workspace, memory, knowledge []byte
	err := s.stmtGetAgent.QueryRowContext(ctx, id).Scan(
		&agent.ID, &agent.OwnerID, &agent.ModelID, &agent.SystemPrompt, &agent.Temperature,
		&agent.MaxTokens, &workspace, &memory, &knowledge, &agent.CreatedAt,
	)
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

func (s *PostgresStore) PutMemory(ctx context.Context, item *models.MemoryItem) error {
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
	_, err = s.stmtPutMemory.ExecContext(ctx,
		item.ID, item.AgentID, item.SessionID, item.Tier, item.Category,
		item.Summary, item.Details, item.Importance, tags, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMemories(ctx context.Context, q MemoryQuery) ([]*models.MemoryItem, error) {
	query := `SELECT id, agent_id, session_id, tier, category, summary, details, importance, tags, created_at FROM memories WHERE 1=1`
	args := []any{}
	argPos := 1
	add := func(clause string, value any) {
		query += fmt.Sprintf(clause, argPos)
		args = append(args, value)
		argPos++
	}
	if q.AgentID != "" {
		add(` AND agent_id = $%d`, q.AgentID)
	}
	if q.SessionID != "" {
		add(` AND session_id = $%d`, q.SessionID)
	}
	if q.Tier != "" {
		add(` AND tier = $%d`, string(q.Tier))
	}
	if q.Category != "" {
		add(` AND category = $%d`, string(q.Category))
	}
	if q.MinImportance > 0 {
		add(` AND importance >= $%d`, q.MinImportance)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		add(` LIMIT $%d`, q.Limit)
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

func (s *PostgresStore) PromoteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET tier = $1 WHERE id = $2`, models.TierLongTerm, id,
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

func (s *PostgresStore) PruneShortTerm(ctx context.Context, agentID, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id IN (
			SELECT id FROM memories
			WHERE agent_id = $1 AND session_id = $2 AND tier = $3
			ORDER BY created_at DESC, id DESC OFFSET $4
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

func (s *PostgresStore) RecordApproval(ctx context.Context, entry models.ApprovalAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = time.Now().UTC()
	}
	_, err := s.stmtRecordApproval.ExecContext(ctx,
		entry.ID, entry.TurnID, entry.ConversationID, entry.Kind, entry.Risk, entry.Decision, entry.Reason, entry.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApprovalCounts(ctx context.Context) (map[string]int, error) {
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
