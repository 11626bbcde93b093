// Package models defines the core data types for Relay.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks a message through its streaming lifecycle.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusStopped   MessageStatus = "stopped"
	StatusFailed    MessageStatus = "failed"
)

// Terminal reports whether the status is final. Content of a terminal
// message is immutable.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// WorkspacePolicy controls what an agent may do inside its workspace.
type WorkspacePolicy struct {
	AllowActions      bool `json:"allow_actions" yaml:"allow_actions"`
	AllowContextReads bool `json:"allow_context_reads" yaml:"allow_context_reads"`
}

// MemoryPolicy controls the agent's memory behavior.
type MemoryPolicy struct {
	ShortTermWindow             int     `json:"short_term_window" yaml:"short_term_window"`
	LongTermEnabled             bool    `json:"long_term_enabled" yaml:"long_term_enabled"`
	LongTermImportanceThreshold float64 `json:"long_term_importance_threshold" yaml:"long_term_importance_threshold"`
}

// KnowledgePolicy controls knowledge-base retrieval during context assembly.
type KnowledgePolicy struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	TopK    int  `json:"top_k" yaml:"top_k"`
}

// Agent is the immutable configuration for a persona. It is read once per
// turn and never mutated while the turn runs.
type Agent struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	ModelID         string          `json:"model_id"`
	SystemPrompt    string          `json:"system_prompt"`
	Temperature     float64         `json:"temperature"`
	MaxTokens       int             `json:"max_tokens"`
	WorkspacePolicy WorkspacePolicy `json:"workspace_policy"`
	MemoryPolicy    MemoryPolicy    `json:"memory_policy"`
	KnowledgePolicy KnowledgePolicy `json:"knowledge_policy"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Conversation is an ordered stream of messages between one user and one
// agent. Messages are totally ordered by CreatedAt, ties broken by insert
// order.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenUsage accumulates prompt and completion token counts for a turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add folds another usage sample into the total.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// MessageMetadata is the durable sidecar of a message: which model produced
// it, which tools ran, what it cost, and the error string when it failed.
type MessageMetadata struct {
	ModelID    string           `json:"model_id,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	TokenUsage *TokenUsage      `json:"token_usage,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Message is a single conversational turn contribution. It is created with
// StatusStreaming, its content is appended monotonically, and it transitions
// to a terminal status exactly once.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Status         MessageStatus   `json:"status"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RiskLevel grades how dangerous a proposed action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// severity maps risk levels onto a comparable scale.
func (r RiskLevel) severity() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is as severe as other or more so.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.severity() >= other.severity()
}

// ToolCallStatus tracks an in-flight tool call through the gated pipeline.
type ToolCallStatus string

const (
	ToolCallProposed         ToolCallStatus = "proposed"
	ToolCallAwaitingApproval ToolCallStatus = "awaiting_approval"
	ToolCallApproved         ToolCallStatus = "approved"
	ToolCallRejected         ToolCallStatus = "rejected"
	ToolCallExecuting        ToolCallStatus = "executing"
	ToolCallCompleted        ToolCallStatus = "completed"
	ToolCallFailed           ToolCallStatus = "failed"
	ToolCallTimedOut         ToolCallStatus = "timed_out"
)

// ToolCall is an in-flight tool invocation. It lives only for its turn; the
// durable record is ToolCallRecord.
type ToolCall struct {
	ID         string          `json:"id"`
	TurnID     string          `json:"turn_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	WorkingDir string          `json:"working_dir"`
	Status     ToolCallStatus  `json:"status"`
	Risk       RiskLevel       `json:"risk"`
	Result     *ToolResult     `json:"result,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at,omitempty"`
}

// ToolResult is the structured outcome of one tool execution.
type ToolResult struct {
	Success  bool            `json:"success"`
	Stdout   string          `json:"stdout,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	ExitCode *int            `json:"exit_code,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	PID      int             `json:"pid,omitempty"`
}

// ToolCallRecord is the durable post-mortem of a ToolCall, embedded in
// Message metadata.
type ToolCallRecord struct {
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Status     ToolCallStatus  `json:"status"`
	Risk       RiskLevel       `json:"risk"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
}

// ApprovalKind names the category of action awaiting approval. The kind
// picks the default response window.
type ApprovalKind string

const (
	ApprovalCommandExecution  ApprovalKind = "command_execution"
	ApprovalDependencyInstall ApprovalKind = "dependency_install"
	ApprovalFileWrite         ApprovalKind = "file_write"
	ApprovalFileDelete        ApprovalKind = "file_delete"
	ApprovalGitOp             ApprovalKind = "git_op"
)

// ApprovalRequest asks a human to confirm a side-effecting action.
// ExpiresAt is always strictly after CreatedAt.
type ApprovalRequest struct {
	ID                  string          `json:"id"`
	TurnID              string          `json:"turn_id"`
	Kind                ApprovalKind    `json:"kind"`
	Payload             json.RawMessage `json:"payload"`
	Risk                RiskLevel       `json:"risk"`
	EstimatedDurationMS int64           `json:"estimated_duration_ms,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// ApprovalDecision is the human's answer to an approval request.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
	DecisionModify  ApprovalDecision = "modify"
)

// ApprovalResponse carries one decision for one request. Only the first
// response per request is honored.
type ApprovalResponse struct {
	RequestID          string           `json:"request_id"`
	Decision           ApprovalDecision `json:"decision"`
	ModifiedArguments  json.RawMessage  `json:"modified_arguments,omitempty"`
	Reason             string           `json:"reason,omitempty"`
	DecidedAt          time.Time        `json:"decided_at"`
	RememberForSession bool             `json:"remember_for_session"`
}

// ApprovalAuditEntry is the durable record of one arbiter decision.
type ApprovalAuditEntry struct {
	ID             string       `json:"id"`
	TurnID         string       `json:"turn_id"`
	ConversationID string       `json:"conversation_id"`
	Kind           ApprovalKind `json:"kind"`
	Risk           RiskLevel    `json:"risk"`
	Decision       string       `json:"decision"`
	Reason         string       `json:"reason,omitempty"`
	DecidedAt      time.Time    `json:"decided_at"`
}

// MemoryTier separates the bounded recent window from promoted summaries.
type MemoryTier string

const (
	TierShortTerm MemoryTier = "short_term"
	TierLongTerm  MemoryTier = "long_term"
)

// MemoryCategory classifies what a memory item captures.
type MemoryCategory string

const (
	CategoryInteraction MemoryCategory = "interaction"
	CategoryLesson      MemoryCategory = "lesson"
	CategoryChallenge   MemoryCategory = "challenge"
	CategoryFeedback    MemoryCategory = "feedback"
)

// MemoryItem is one remembered fact or interaction summary owned by an
// agent. Importance is finite and within [0, 1].
type MemoryItem struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	SessionID  string         `json:"session_id"`
	Tier       MemoryTier     `json:"tier"`
	Category   MemoryCategory `json:"category"`
	Summary    string         `json:"summary"`
	Details    string         `json:"details,omitempty"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TaskPlanStatus tracks a milestone through its lifecycle.
type TaskPlanStatus string

const (
	MilestonePending    TaskPlanStatus = "pending"
	MilestoneInProgress TaskPlanStatus = "in_progress"
	MilestoneCompleted  TaskPlanStatus = "completed"
	MilestoneFailed     TaskPlanStatus = "failed"
)

// Milestone is one step of a task plan.
type Milestone struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	Type               string         `json:"type,omitempty"`
	EstimatedToolCalls int            `json:"estimated_tool_calls,omitempty"`
	RequiresApproval   bool           `json:"requires_approval,omitempty"`
	Status             TaskPlanStatus `json:"status"`
}

// TaskPlan is the optional milestone breakdown produced before a complex
// turn starts acting.
type TaskPlan struct {
	ID          string      `json:"id"`
	Objective   string      `json:"objective"`
	Description string      `json:"description,omitempty"`
	Milestones  []Milestone `json:"milestones"`
}
