package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

// fastApprovals keeps accidental prompts from stalling a test run.
func fastApprovals() approval.Config {
	return approval.Config{
		CommandTimeout: 100 * time.Millisecond,
		InstallTimeout: 100 * time.Millisecond,
		FileOpTimeout:  100 * time.Millisecond,
		GitOpTimeout:   100 * time.Millisecond,
	}
}

// respondApproval answers the first approval.request seen on the room.
func respondApproval(t *testing.T, a *approval.Arbiter, b *bus.Bus, conversationID string, answer models.ApprovalResponseData) {
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

func drainEvents(sub *bus.Subscription) []models.Event {
	var out []models.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []models.Event, want models.EventType) bool {
	for _, ev := range events {
		if ev.Type == want {
			return true
		}
	}
	return false
}

type invokeRig struct {
	gateway *Gateway
	bus     *bus.Bus
	arbiter *approval.Arbiter
	sub     *bus.Subscription
	emitter *bus.Emitter
}

func newInvokeRig(t *testing.T, cfg approval.Config, register func(r *Registry)) *invokeRig {
	t.Helper()
	b := bus.New()
	a := approval.NewArbiter(b, cfg, nil, nil, nil)
	r := NewRegistry()
	if register != nil {
		register(r)
	}
	sub := b.Subscribe("conv-1")
	t.Cleanup(sub.Close)
	return &invokeRig{
		gateway: NewGateway(r, a, nil, nil),
		bus:     b,
		arbiter: a,
		sub:     sub,
		emitter: b.NewEmitter("conv-1", "turn-1"),
	}
}

func (rig *invokeRig) call(name string, args string) *models.ToolCall {
	return &models.ToolCall{
		ID:        "call-1",
		TurnID:    "turn-1",
		ToolName:  name,
		Arguments: json.RawMessage(args),
	}
}

func (rig *invokeRig) invoke(call *models.ToolCall, policy models.WorkspacePolicy) *models.ToolResult {
	return rig.gateway.Invoke(context.Background(), InvokeRequest{
		Call:    call,
		Policy:  policy,
		Emitter: rig.emitter,
	})
}

func TestInvokeLowRiskExecutesWithoutPrompt(t *testing.T) {
	executed := false
	rig := newInvokeRig(t, fastApprovals(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name:   "read_file",
			schema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				executed = true
				return &models.ToolResult{Success: true, Stdout: "package main"}, nil
			},
		}, Meta{Binding: BindingFilesystem, DefaultRisk: models.RiskLow})
	})

	call := rig.call("read_file", `{"path":"main.go"}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true, AllowContextReads: true})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if !executed {
		t.Error("executor never ran")
	}
	if call.Status != models.ToolCallCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
	if call.Risk != models.RiskLow {
		t.Errorf("risk = %s, want low", call.Risk)
	}
	if call.EndedAt.IsZero() {
		t.Error("ended_at not set")
	}

	events := drainEvents(rig.sub)
	for _, want := range []models.EventType{models.EventToolProposed, models.EventToolStarted, models.EventToolCompleted} {
		if !hasEvent(events, want) {
			t.Errorf("missing %s event", want)
		}
	}
	if hasEvent(events, models.EventApprovalRequest) {
		t.Error("low risk call prompted for approval")
	}
}

func TestInvokeRejectNeverExecutes(t *testing.T) {
	executed := false
	rig := newInvokeRig(t, approval.DefaultConfig(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name: "execute_command",
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				executed = true
				return &models.ToolResult{Success: true}, nil
			},
		}, Meta{Binding: BindingShell, DefaultRisk: models.RiskCritical, ApprovalKind: models.ApprovalCommandExecution})
	})
	respondApproval(t, rig.arbiter, rig.bus, "conv-1", models.ApprovalResponseData{
		Decision: string(models.DecisionReject),
		Reason:   "not on this machine",
	})

	call := rig.call("execute_command", `{"command":"rm -rf /"}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true})

	if result.Success {
		t.Fatal("rejected call reported success")
	}
	if result.Reason != ReasonRejected {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonRejected)
	}
	if result.Error != "not on this machine" {
		t.Errorf("error = %q, want the human reason", result.Error)
	}
	if executed {
		t.Error("executor ran after rejection")
	}
	if call.Status != models.ToolCallRejected {
		t.Errorf("status = %s, want rejected", call.Status)
	}

	events := drainEvents(rig.sub)
	if !hasEvent(events, models.EventApprovalRequest) {
		t.Error("no approval prompt published")
	}
	if hasEvent(events, models.EventToolStarted) {
		t.Error("tool.started published for a rejected call")
	}
	if !hasEvent(events, models.EventToolFailed) {
		t.Error("no tool.failed published")
	}
}

func TestInvokeSchemaFailureSkipsEverything(t *testing.T) {
	executed := false
	rig := newInvokeRig(t, fastApprovals(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name:   "write_file",
			schema: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				executed = true
				return &models.ToolResult{Success: true}, nil
			},
		}, Meta{Binding: BindingFilesystem, DefaultRisk: models.RiskMedium, Mutating: true})
	})

	call := rig.call("write_file", `{"content":"no path"}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true})

	if result.Success {
		t.Fatal("invalid arguments reported success")
	}
	if result.Reason != ReasonSchema {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonSchema)
	}
	if executed {
		t.Error("executor ran on invalid arguments")
	}
	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %s, want failed", call.Status)
	}
	if hasEvent(drainEvents(rig.sub), models.EventApprovalRequest) {
		t.Error("approval prompted before validation passed")
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	rig := newInvokeRig(t, fastApprovals(), nil)

	result := rig.invoke(rig.call("no_such_tool", `{}`), models.WorkspacePolicy{AllowActions: true})

	if result.Success || result.Reason != ReasonSchema {
		t.Fatalf("result = %+v, want schema failure", result)
	}
}

func TestInvokeModifyRunsModifiedArguments(t *testing.T) {
	var mu sync.Mutex
	var got json.RawMessage
	rig := newInvokeRig(t, approval.DefaultConfig(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name:   "execute_command",
			schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				mu.Lock()
				got = args
				mu.Unlock()
				return &models.ToolResult{Success: true}, nil
			},
		}, Meta{Binding: BindingShell, DefaultRisk: models.RiskMedium, ApprovalKind: models.ApprovalCommandExecution})
	})
	respondApproval(t, rig.arbiter, rig.bus, "conv-1", models.ApprovalResponseData{
		Decision:          string(models.DecisionModify),
		ModifiedArguments: json.RawMessage(`{"command":"npm install --save-dev left-pad"}`),
	})

	call := rig.call("execute_command", `{"command":"npm install left-pad"}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true})

	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if string(got) != `{"command":"npm install --save-dev left-pad"}` {
		t.Errorf("executor args = %s, want the modified arguments", got)
	}
	if string(call.Arguments) != string(got) {
		t.Errorf("call.Arguments = %s, not updated to modified form", call.Arguments)
	}
	if call.Status != models.ToolCallCompleted {
		t.Errorf("status = %s, want completed", call.Status)
	}
}

func TestInvokeModifyWithInvalidArgumentsFails(t *testing.T) {
	executed := false
	rig := newInvokeRig(t, approval.DefaultConfig(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name:   "execute_command",
			schema: `{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`,
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				executed = true
				return &models.ToolResult{Success: true}, nil
			},
		}, Meta{Binding: BindingShell, DefaultRisk: models.RiskMedium, ApprovalKind: models.ApprovalCommandExecution})
	})
	respondApproval(t, rig.arbiter, rig.bus, "conv-1", models.ApprovalResponseData{
		Decision:          string(models.DecisionModify),
		ModifiedArguments: json.RawMessage(`{"command":42}`),
	})

	call := rig.call("execute_command", `{"command":"npm install left-pad"}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true})

	if result.Success {
		t.Fatal("invalid modified arguments reported success")
	}
	if result.Reason != ReasonSchema {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonSchema)
	}
	if executed {
		t.Error("executor ran on invalid modified arguments")
	}
}

func TestInvokeApprovalTimeoutMarksTimedOut(t *testing.T) {
	executed := false
	rig := newInvokeRig(t, fastApprovals(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name: "git_push",
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				executed = true
				return &models.ToolResult{Success: true}, nil
			},
		}, Meta{Binding: BindingGit, DefaultRisk: models.RiskMedium, ApprovalKind: models.ApprovalGitOp})
	})

	call := rig.call("git_push", `{}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true})

	if result.Success {
		t.Fatal("timed out call reported success")
	}
	if result.Reason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonTimeout)
	}
	if call.Status != models.ToolCallTimedOut {
		t.Errorf("status = %s, want timed_out", call.Status)
	}
	if executed {
		t.Error("executor ran after approval timeout")
	}
}

func TestInvokeActionsDisabledRejectsWithoutPrompt(t *testing.T) {
	executed := false
	rig := newInvokeRig(t, fastApprovals(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name: "delete_file",
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				executed = true
				return &models.ToolResult{Success: true}, nil
			},
		}, Meta{Binding: BindingFilesystem, DefaultRisk: models.RiskMedium, ApprovalKind: models.ApprovalFileDelete, Mutating: true})
	})

	call := rig.call("delete_file", `{}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: false})

	if result.Success {
		t.Fatal("disallowed action reported success")
	}
	if result.Reason != ReasonRejected {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonRejected)
	}
	if executed {
		t.Error("executor ran with actions disabled")
	}
	if hasEvent(drainEvents(rig.sub), models.EventApprovalRequest) {
		t.Error("prompt published despite actions being disabled")
	}
}

func TestInvokeExecutorErrorBecomesFailedResult(t *testing.T) {
	rig := newInvokeRig(t, fastApprovals(), func(r *Registry) {
		r.MustRegister(&stubTool{
			name: "read_file",
			execute: func(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error) {
				return nil, errors.New("disk fell over")
			},
		}, Meta{Binding: BindingFilesystem, DefaultRisk: models.RiskLow})
	})

	call := rig.call("read_file", `{}`)
	result := rig.invoke(call, models.WorkspacePolicy{AllowActions: true, AllowContextReads: true})

	if result.Success {
		t.Fatal("executor error reported success")
	}
	if result.Reason != ReasonToolExecution {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonToolExecution)
	}
	if result.Error != "disk fell over" {
		t.Errorf("error = %q", result.Error)
	}
	if call.Status != models.ToolCallFailed {
		t.Errorf("status = %s, want failed", call.Status)
	}
	if !hasEvent(drainEvents(rig.sub), models.EventToolFailed) {
		t.Error("no tool.failed published")
	}
}

func TestInvokeWritesTerminalLog(t *testing.T) {
	dir := t.TempDir()
	terminal, err := OpenTerminalLog(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	defer terminal.Close()

	rig := newInvokeRig(t, fastApprovals(), func(r *Registry) {
		r.MustRegister(&stubTool{name: "list_files"}, Meta{Binding: BindingFilesystem, DefaultRisk: models.RiskLow})
	})

	result := rig.gateway.Invoke(context.Background(), InvokeRequest{
		Call:     rig.call("list_files", `{}`),
		Policy:   models.WorkspacePolicy{AllowActions: true, AllowContextReads: true},
		Emitter:  rig.emitter,
		Terminal: terminal,
	})
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	terminal.Close()

	raw, err := os.ReadFile(filepath.Join(dir, TerminalLogName))
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if !strings.Contains(text, "$ list_files") || !strings.Contains(text, "ok list_files") {
		t.Errorf("terminal log missing activity lines:\n%s", text)
	}
}
