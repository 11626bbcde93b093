package approval

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.ApprovalAuditEntry
}

func (r *recordingAudit) RecordApproval(_ context.Context, entry models.ApprovalAuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAudit) last(t *testing.T) models.ApprovalAuditEntry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return r.entries[len(r.entries)-1]
}

func allowAll() models.WorkspacePolicy {
	return models.WorkspacePolicy{AllowActions: true}
}

// respond watches the conversation room and answers the first
// approval.request it sees.
func respond(t *testing.T, a *Arbiter, b *bus.Bus, conversationID string, answer models.ApprovalResponseData) {
	t.Helper()
	sub := b.Subscribe(conversationID)
	go func() {
		defer sub.Close()
		for ev := range sub.Events() {
			if ev.Type != models.EventApprovalRequest {
				continue
			}
			var req models.ApprovalRequestData
			if err := json.Unmarshal(ev.Data, &req); err != nil {
				return
			}
			answer.RequestID = req.RequestID
			a.ResolveResponse(conversationID, answer)
			return
		}
	}()
}

func TestDecideAutoApprovesLowRisk(t *testing.T) {
	b := bus.New()
	audit := &recordingAudit{}
	a := NewArbiter(b, DefaultConfig(), audit, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	d := a.Decide(context.Background(), Request{
		TurnID: "turn-1",
		Kind:   models.ApprovalCommandExecution,
		Risk:   models.RiskLow,
		Policy: allowAll(),
		Emitter: em,
	})
	if d.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", d.Outcome)
	}
	if got := audit.last(t).Decision; got != "auto_approved" {
		t.Errorf("audit decision = %q, want auto_approved", got)
	}
}

func TestDecideRejectsWhenActionsDisabled(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	d := a.Decide(context.Background(), Request{
		TurnID: "turn-1",
		Kind:   models.ApprovalCommandExecution,
		Risk:   models.RiskHigh,
		Policy: models.WorkspacePolicy{AllowActions: false},
		Emitter: em,
	})
	if d.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", d.Outcome)
	}
	if d.Reason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestDecideApproveRoundTrip(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	respond(t, a, b, "conv-1", models.ApprovalResponseData{Decision: string(models.DecisionApprove)})

	d := a.Decide(context.Background(), Request{
		TurnID:      "turn-1",
		Kind:        models.ApprovalCommandExecution,
		Risk:        models.RiskMedium,
		Payload:     map[string]string{"command": "git push origin main"},
		Fingerprint: Fingerprint(models.ApprovalGitOp, "git push origin main"),
		Policy:      allowAll(),
		Emitter:     em,
	})
	if d.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", d.Outcome)
	}
	if d.Remembered {
		t.Error("first approval must not be marked remembered")
	}
}

func TestDecideRememberForSessionElidesSecondPrompt(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")
	fp := Fingerprint(models.ApprovalCommandExecution, "npm install express")

	respond(t, a, b, "conv-1", models.ApprovalResponseData{
		Decision:           string(models.DecisionApprove),
		RememberForSession: true,
	})

	req := Request{
		TurnID:      "turn-1",
		Kind:        models.ApprovalCommandExecution,
		Risk:        models.RiskMedium,
		Fingerprint: fp,
		Policy:      allowAll(),
		Emitter:     em,
	}
	if d := a.Decide(context.Background(), req); d.Outcome != OutcomeApproved {
		t.Fatalf("first outcome = %s, want approved", d.Outcome)
	}

	// No responder this time: a prompt would time out, so the pass must
	// come from the remember cache.
	a2cfg := a.config
	a2cfg.CommandTimeout = 100 * time.Millisecond
	a.config = a2cfg

	d := a.Decide(context.Background(), req)
	if d.Outcome != OutcomeApproved || !d.Remembered {
		t.Fatalf("second decision = %+v, want remembered approval", d)
	}

	// A different conversation must still prompt.
	em2 := b.NewEmitter("conv-2", "turn-2")
	req2 := req
	req2.TurnID = "turn-2"
	req2.Emitter = em2
	if d := a.Decide(context.Background(), req2); d.Outcome != OutcomeTimeout {
		t.Fatalf("other conversation outcome = %s, want timeout", d.Outcome)
	}
}

func TestDecideTimeout(t *testing.T) {
	b := bus.New()
	audit := &recordingAudit{}
	cfg := DefaultConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	a := NewArbiter(b, cfg, audit, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	d := a.Decide(context.Background(), Request{
		TurnID:  "turn-1",
		Kind:    models.ApprovalCommandExecution,
		Risk:    models.RiskHigh,
		Policy:  allowAll(),
		Emitter: em,
	})
	if d.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", d.Outcome)
	}
	if d.Reason != "timeout" {
		t.Errorf("reason = %q, want timeout", d.Reason)
	}
	if got := audit.last(t).Decision; got != "timeout" {
		t.Errorf("audit decision = %q, want timeout", got)
	}
}

func TestDecideCancelled(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := a.Decide(ctx, Request{
		TurnID:  "turn-1",
		Kind:    models.ApprovalCommandExecution,
		Risk:    models.RiskHigh,
		Policy:  allowAll(),
		Emitter: em,
	})
	if d.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", d.Outcome)
	}
}

func TestDecideModify(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	modified := json.RawMessage(`{"command":"npm install --save-dev express"}`)
	respond(t, a, b, "conv-1", models.ApprovalResponseData{
		Decision:          string(models.DecisionModify),
		ModifiedArguments: modified,
	})

	d := a.Decide(context.Background(), Request{
		TurnID:  "turn-1",
		Kind:    models.ApprovalDependencyInstall,
		Risk:    models.RiskMedium,
		Policy:  allowAll(),
		Emitter: em,
	})
	if d.Outcome != OutcomeModified {
		t.Fatalf("outcome = %s, want modified", d.Outcome)
	}
	if string(d.ModifiedArguments) != string(modified) {
		t.Errorf("modified arguments = %s", d.ModifiedArguments)
	}
}

func TestDecideModifyWithoutArgumentsRejects(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	respond(t, a, b, "conv-1", models.ApprovalResponseData{
		Decision: string(models.DecisionModify),
	})

	d := a.Decide(context.Background(), Request{
		TurnID:  "turn-1",
		Kind:    models.ApprovalCommandExecution,
		Risk:    models.RiskMedium,
		Policy:  allowAll(),
		Emitter: em,
	})
	if d.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", d.Outcome)
	}
}

func TestDecideRejectCarriesReason(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	em := b.NewEmitter("conv-1", "turn-1")

	respond(t, a, b, "conv-1", models.ApprovalResponseData{
		Decision: string(models.DecisionReject),
		Reason:   "not on my watch",
	})

	d := a.Decide(context.Background(), Request{
		TurnID:  "turn-1",
		Kind:    models.ApprovalCommandExecution,
		Risk:    models.RiskHigh,
		Policy:  allowAll(),
		Emitter: em,
	})
	if d.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", d.Outcome)
	}
	if d.Reason != "not on my watch" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestResolveResponseDuplicate(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)

	if a.ResolveResponse("conv-1", models.ApprovalResponseData{
		RequestID: "nonexistent",
		Decision:  string(models.DecisionApprove),
	}) {
		t.Error("resolving an unknown request must report false")
	}
}

func TestForgetConversationClearsRememberCache(t *testing.T) {
	b := bus.New()
	a := NewArbiter(b, DefaultConfig(), nil, nil, nil)
	a.rememberFingerprint("conv-1", "fp")

	if !a.remembered("conv-1", "fp") {
		t.Fatal("fingerprint should be remembered")
	}
	a.ForgetConversation("conv-1")
	if a.remembered("conv-1", "fp") {
		t.Error("fingerprint should be forgotten")
	}
}
