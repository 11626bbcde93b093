package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Outcome is the arbiter's answer for one proposed action.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeModified  Outcome = "modified"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Decision carries the outcome plus its sidecar data.
type Decision struct {
	Outcome           Outcome
	Reason            string
	ModifiedArguments json.RawMessage
	// Remembered is set when a prior remember_for_session approve elided
	// the prompt.
	Remembered bool
}

// Config holds the per-kind response windows.
type Config struct {
	CommandTimeout time.Duration
	InstallTimeout time.Duration
	FileOpTimeout  time.Duration
	GitOpTimeout   time.Duration
}

// DefaultConfig returns the standard response windows.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 60 * time.Second,
		InstallTimeout: 90 * time.Second,
		FileOpTimeout:  45 * time.Second,
		GitOpTimeout:   60 * time.Second,
	}
}

func (c Config) timeoutFor(kind models.ApprovalKind) time.Duration {
	switch kind {
	case models.ApprovalDependencyInstall:
		return c.InstallTimeout
	case models.ApprovalFileWrite, models.ApprovalFileDelete:
		return c.FileOpTimeout
	case models.ApprovalGitOp:
		return c.GitOpTimeout
	default:
		return c.CommandTimeout
	}
}

// AuditStore persists arbiter decisions.
type AuditStore interface {
	RecordApproval(ctx context.Context, entry models.ApprovalAuditEntry) error
}

// Arbiter gates side-effecting actions behind risk assessment and, when
// warranted, a blocking human approval round-trip over the event bus.
type Arbiter struct {
	bus     *bus.Bus
	audit   AuditStore
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	remember map[string]map[string]struct{} // conversation -> fingerprints approved for the session
}

// NewArbiter builds an arbiter. audit and metrics may be nil.
func NewArbiter(b *bus.Bus, config Config, audit AuditStore, logger *slog.Logger, metrics *observability.Metrics) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		bus:      b,
		audit:    audit,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		remember: make(map[string]map[string]struct{}),
	}
}

// Request describes one proposed action to arbitrate.
type Request struct {
	TurnID              string
	Kind                models.ApprovalKind
	Risk                models.RiskLevel
	Payload             any
	Fingerprint         string
	EstimatedDurationMS int64
	Policy              models.WorkspacePolicy
	// Emitter is the turn's event producer; the approval.request rides its
	// sequence.
	Emitter *bus.Emitter
}

// Decide runs the full approval policy for one action:
// low risk passes, disabled workspaces reject, remembered fingerprints
// pass, and everything else suspends on a human round-trip.
func (a *Arbiter) Decide(ctx context.Context, req Request) Decision {
	conversationID := req.Emitter.ConversationID()

	if !req.Risk.AtLeast(models.RiskMedium) {
		return a.finish(ctx, req, conversationID, Decision{Outcome: OutcomeApproved}, "auto_approved")
	}
	if !req.Policy.AllowActions {
		return a.finish(ctx, req, conversationID, Decision{
			Outcome: OutcomeRejected,
			Reason:  "workspace policy disables actions",
		}, "auto_rejected")
	}
	if a.remembered(conversationID, req.Fingerprint) {
		return a.finish(ctx, req, conversationID, Decision{Outcome: OutcomeApproved, Remembered: true}, "remembered")
	}

	decision := a.roundTrip(ctx, req, conversationID)
	return a.finish(ctx, req, conversationID, decision, string(decision.Outcome))
}

// roundTrip publishes approval.request and suspends until a response,
// the kind's timeout, or turn cancellation.
func (a *Arbiter) roundTrip(ctx context.Context, req Request, conversationID string) Decision {
	timeout := a.config.timeoutFor(req.Kind)
	now := time.Now().UTC()

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	request := models.ApprovalRequest{
		ID:                  uuid.NewString(),
		TurnID:              req.TurnID,
		Kind:                req.Kind,
		Payload:             payload,
		Risk:                req.Risk,
		EstimatedDurationMS: req.EstimatedDurationMS,
		CreatedAt:           now,
		ExpiresAt:           now.Add(timeout),
	}

	ev := req.Emitter.Stamp(models.EventApprovalRequest, models.ApprovalRequestData{
		RequestID:           request.ID,
		Kind:                request.Kind,
		Payload:             request.Payload,
		Risk:                request.Risk,
		ExpiresAt:           request.ExpiresAt,
		EstimatedDurationMS: request.EstimatedDurationMS,
	})

	reply, err := a.bus.RequestReply(ctx, request.ID, ev, timeout)
	switch {
	case errors.Is(err, bus.ErrReplyTimeout):
		return Decision{Outcome: OutcomeTimeout, Reason: "timeout"}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Decision{Outcome: OutcomeCancelled, Reason: "cancelled"}
	case err != nil:
		return Decision{Outcome: OutcomeRejected, Reason: err.Error()}
	}

	var response models.ApprovalResponseData
	if err := json.Unmarshal(reply.Data, &response); err != nil {
		a.logger.Warn("malformed approval response", "request_id", request.ID, "error", err)
		return Decision{Outcome: OutcomeRejected, Reason: "malformed response"}
	}

	switch models.ApprovalDecision(response.Decision) {
	case models.DecisionApprove:
		if response.RememberForSession && req.Fingerprint != "" {
			a.rememberFingerprint(conversationID, req.Fingerprint)
		}
		return Decision{Outcome: OutcomeApproved}
	case models.DecisionModify:
		if len(response.ModifiedArguments) == 0 {
			return Decision{Outcome: OutcomeRejected, Reason: "modify without arguments"}
		}
		if response.RememberForSession && req.Fingerprint != "" {
			a.rememberFingerprint(conversationID, req.Fingerprint)
		}
		return Decision{Outcome: OutcomeModified, ModifiedArguments: response.ModifiedArguments}
	case models.DecisionReject:
		reason := response.Reason
		if reason == "" {
			reason = "rejected"
		}
		return Decision{Outcome: OutcomeRejected, Reason: reason}
	default:
		return Decision{Outcome: OutcomeRejected, Reason: "unknown decision " + response.Decision}
	}
}

// ResolveResponse routes an inbound approval.response to its suspended
// request. Duplicates are ignored with a log line; the first response is
// authoritative.
func (a *Arbiter) ResolveResponse(conversationID string, data models.ApprovalResponseData) bool {
	if data.DecidedAt.IsZero() {
		data.DecidedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	ev := models.Event{
		Type:           models.EventApprovalResponse,
		ConversationID: conversationID,
		TS:             data.DecidedAt,
		Data:           raw,
	}
	if !a.bus.Resolve(data.RequestID, ev) {
		a.logger.Info("ignoring duplicate or expired approval response",
			"request_id", data.RequestID,
			"decision", data.Decision)
		return false
	}
	return true
}

func (a *Arbiter) remembered(conversationID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.remember[conversationID][fingerprint]
	return ok
}

func (a *Arbiter) rememberFingerprint(conversationID, fingerprint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remember[conversationID] == nil {
		a.remember[conversationID] = make(map[string]struct{})
	}
	a.remember[conversationID][fingerprint] = struct{}{}
}

// ForgetConversation clears the remember cache when a conversation ends.
func (a *Arbiter) ForgetConversation(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.remember, conversationID)
}

// finish records the decision to the audit store and metrics, then returns
// it unchanged.
func (a *Arbiter) finish(ctx context.Context, req Request, conversationID string, d Decision, label string) Decision {
	if a.metrics != nil {
		a.metrics.RecordApproval(string(req.Kind), label)
	}
	if a.audit != nil {
		entry := models.ApprovalAuditEntry{
			ID:             uuid.NewString(),
			TurnID:         req.TurnID,
			ConversationID: conversationID,
			Kind:           req.Kind,
			Risk:           req.Risk,
			Decision:       label,
			Reason:         d.Reason,
			DecidedAt:      time.Now().UTC(),
		}
		if err := a.audit.RecordApproval(ctx, entry); err != nil {
			a.logger.Warn("approval audit write failed", "error", err)
		}
	}
	return d
}
