package models

import (
	"encoding/json"
	"time"
)

// EventType is the stable wire identifier of a streaming event.
type EventType string

// Server-originated events.
const (
	EventMessageCreated      EventType = "message.created"
	EventMessageDelta        EventType = "message.delta"
	EventMessageCompleted    EventType = "message.completed"
	EventMessageStopped      EventType = "message.stopped"
	EventToolProposed        EventType = "tool.proposed"
	EventToolStarted         EventType = "tool.started"
	EventToolProgress        EventType = "tool.progress"
	EventToolCompleted       EventType = "tool.completed"
	EventToolFailed          EventType = "tool.failed"
	EventApprovalRequest     EventType = "approval.request"
	EventTaskPlan            EventType = "task.plan"
	EventTaskMilestoneUpdate EventType = "task.milestone_update"
	EventAgentActivity       EventType = "agent.activity"

	// EventSubscriptionOverflow is the terminal event a subscriber receives
	// when its buffer overflowed and it is being dropped.
	EventSubscriptionOverflow EventType = "subscription.overflow"

	// EventError reports a rejected client frame on a gateway socket.
	EventError EventType = "error"
)

// Client-originated events.
const (
	EventApprovalResponse EventType = "approval.response"
	EventStopGeneration   EventType = "stop_generation"
	EventSubscribe        EventType = "subscribe"
	EventUnsubscribe      EventType = "unsubscribe"
)

// Event is the envelope every streaming event travels in. Seq is strictly
// increasing within a (conversation, turn) pair.
type Event struct {
	Type           EventType       `json:"event"`
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id,omitempty"`
	Seq            uint64          `json:"seq"`
	TS             time.Time       `json:"ts"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// MessageCreatedData announces a new streaming message header.
type MessageCreatedData struct {
	MessageID string `json:"message_id"`
	Role      Role   `json:"role"`
}

// MessageDeltaData carries one content append.
type MessageDeltaData struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// MessageCompletedData terminates a message stream.
type MessageCompletedData struct {
	MessageID string          `json:"message_id"`
	Status    MessageStatus   `json:"status"`
	Metadata  MessageMetadata `json:"metadata"`
}

// MessageStoppedData reports a cancelled message.
type MessageStoppedData struct {
	MessageID string `json:"message_id"`
}

// ToolEventData is shared by tool.proposed/started/completed/failed.
type ToolEventData struct {
	ToolCallID       string      `json:"tool_call_id"`
	ToolName         string      `json:"tool_name"`
	ArgumentsPreview string      `json:"arguments_preview,omitempty"`
	Risk             RiskLevel   `json:"risk,omitempty"`
	Result           *ToolResult `json:"result,omitempty"`
}

// ApprovalRequestData is pushed to clients when a human decision is needed.
type ApprovalRequestData struct {
	RequestID           string          `json:"request_id"`
	Kind                ApprovalKind    `json:"kind"`
	Payload             json.RawMessage `json:"payload"`
	Risk                RiskLevel       `json:"risk"`
	ExpiresAt           time.Time       `json:"expires_at"`
	EstimatedDurationMS int64           `json:"estimated_duration_ms,omitempty"`
}

// ApprovalResponseData is the client's answer, inbound on the bus.
type ApprovalResponseData struct {
	RequestID          string          `json:"request_id"`
	Decision           string          `json:"decision"`
	ModifiedArguments  json.RawMessage `json:"modified_arguments,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	RememberForSession bool            `json:"remember_for_session,omitempty"`
	DecidedAt          time.Time       `json:"decided_at,omitempty"`
}

// TaskPlanData publishes a freshly generated plan.
type TaskPlanData struct {
	PlanID      string      `json:"plan_id"`
	Objective   string      `json:"objective"`
	Description string      `json:"description,omitempty"`
	Milestones  []Milestone `json:"milestones"`
}

// TaskMilestoneUpdateData reports one milestone transition.
type TaskMilestoneUpdateData struct {
	PlanID      string         `json:"plan_id"`
	MilestoneID string         `json:"milestone_id"`
	Status      TaskPlanStatus `json:"status"`
	ToolsUsed   []string       `json:"tools_used,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// AgentActivityData reports engine phase transitions for status lines.
type AgentActivityData struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// StopGenerationData asks the broker to cancel a turn.
type StopGenerationData struct {
	TurnID string `json:"turn_id"`
}

// SubscribeData scopes a socket to a conversation room.
type SubscribeData struct {
	ConversationID string `json:"conversation_id"`
}

// ErrorData explains a rejected client frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent builds an envelope with marshaled data. Marshaling failures are
// not possible for the payload types above, so errors collapse to an empty
// data field.
func NewEvent(t EventType, conversationID, turnID string, seq uint64, data any) Event {
	ev := Event{
		Type:           t,
		ConversationID: conversationID,
		TurnID:         turnID,
		Seq:            seq,
		TS:             time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}
