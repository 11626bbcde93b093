package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const previewLimit = 200

// Gateway routes every tool call through validation, risk assessment,
// the approval gate, and the bound executor.
type Gateway struct {
	registry *Registry
	arbiter  *approval.Arbiter
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewGateway builds the invocation pipeline. metrics may be nil.
func NewGateway(registry *Registry, arbiter *approval.Arbiter, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{registry: registry, arbiter: arbiter, logger: logger, metrics: metrics}
}

// Registry exposes the catalog for context assembly.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// InvokeRequest is one tool call plus its turn environment.
type InvokeRequest struct {
	Call   *models.ToolCall
	Policy models.WorkspacePolicy
	// Emitter is the turn's event producer.
	Emitter *bus.Emitter
	// Terminal receives the human-readable activity line; may be nil.
	Terminal *TerminalLog
}

// Invoke runs the full pipeline and returns the result. The call's
// Status, Risk, Result, and timestamps are updated in place; the result
// is never nil.
func (g *Gateway) Invoke(ctx context.Context, req InvokeRequest) *models.ToolResult {
	call := req.Call
	call.StartedAt = time.Now().UTC()
	preview := argumentsPreview(call.Arguments)

	req.Emitter.Emit(models.EventToolProposed, models.ToolEventData{
		ToolCallID:       call.ID,
		ToolName:         call.ToolName,
		ArgumentsPreview: preview,
	})

	tool, meta, ok := g.registry.Get(call.ToolName)
	if !ok {
		return g.fail(req, preview, ReasonSchema, "unknown tool "+call.ToolName)
	}

	if err := g.registry.ValidateArguments(call.ToolName, call.Arguments); err != nil {
		return g.fail(req, preview, ReasonSchema, err.Error())
	}

	env := Env{WorkingDir: call.WorkingDir}
	call.Risk = g.assessRisk(tool, meta, env, call.Arguments)

	decision := g.approve(ctx, req, tool, meta, env)
	switch decision.Outcome {
	case approval.OutcomeApproved:
	case approval.OutcomeModified:
		call.Arguments = decision.ModifiedArguments
		preview = argumentsPreview(call.Arguments)
		if err := g.registry.ValidateArguments(call.ToolName, call.Arguments); err != nil {
			return g.fail(req, preview, ReasonSchema, "modified arguments invalid: "+err.Error())
		}
	case approval.OutcomeTimeout:
		call.Status = models.ToolCallTimedOut
		return g.settle(req, preview, ErrorResult(ReasonTimeout, "approval timed out"))
	case approval.OutcomeCancelled:
		call.Status = models.ToolCallFailed
		return g.settle(req, preview, ErrorResult(ReasonCancelled, "turn cancelled"))
	default:
		call.Status = models.ToolCallRejected
		reason := decision.Reason
		if reason == "" {
			reason = "rejected"
		}
		return g.settle(req, preview, ErrorResult(ReasonRejected, reason))
	}

	call.Status = models.ToolCallExecuting
	req.Emitter.Emit(models.EventToolStarted, models.ToolEventData{
		ToolCallID:       call.ID,
		ToolName:         call.ToolName,
		ArgumentsPreview: preview,
		Risk:             call.Risk,
	})
	req.Terminal.Command(call.ToolName, preview)

	start := time.Now()
	result, err := tool.Execute(ctx, env, call.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		result = ErrorResult(ReasonToolExecution, err.Error())
	}
	if result == nil {
		result = ErrorResult(ReasonToolExecution, "tool returned no result")
	}

	if result.Success {
		call.Status = models.ToolCallCompleted
	} else {
		call.Status = models.ToolCallFailed
	}
	call.Result = result
	call.EndedAt = time.Now().UTC()

	req.Terminal.Result(call.ToolName, result.Success, result.Error, elapsed)
	if g.metrics != nil {
		status := "success"
		if !result.Success {
			status = "failure"
		}
		g.metrics.RecordToolExecution(call.ToolName, status, elapsed.Seconds())
	}

	eventType := models.EventToolCompleted
	if !result.Success {
		eventType = models.EventToolFailed
	}
	req.Emitter.Emit(eventType, models.ToolEventData{
		ToolCallID:       call.ID,
		ToolName:         call.ToolName,
		ArgumentsPreview: preview,
		Risk:             call.Risk,
		Result:           result,
	})

	g.logger.Info("tool executed",
		"tool", call.ToolName,
		"status", call.Status,
		"risk", call.Risk,
		"duration_ms", elapsed.Milliseconds())
	return result
}

func (g *Gateway) assessRisk(tool Tool, meta Meta, env Env, args json.RawMessage) models.RiskLevel {
	if assessor, ok := tool.(RiskAssessor); ok {
		return assessor.AssessRisk(env, args)
	}
	if meta.DefaultRisk != "" {
		return meta.DefaultRisk
	}
	return models.RiskLow
}

func (g *Gateway) approve(ctx context.Context, req InvokeRequest, tool Tool, meta Meta, env Env) approval.Decision {
	call := req.Call
	spec := ApprovalSpec{
		Kind:      meta.ApprovalKind,
		Payload:   json.RawMessage(call.Arguments),
		Canonical: string(call.Arguments),
	}
	if a, ok := tool.(Approvable); ok {
		spec = a.ApprovalSpec(env, call.Arguments)
	}
	if spec.Kind == "" {
		spec.Kind = models.ApprovalCommandExecution
	}
	if spec.EstimatedDurationMS == 0 {
		spec.EstimatedDurationMS = meta.EstimatedDurationMS
	}

	if call.Risk.AtLeast(models.RiskMedium) && req.Policy.AllowActions {
		call.Status = models.ToolCallAwaitingApproval
	}
	decision := g.arbiter.Decide(ctx, approval.Request{
		TurnID:              call.TurnID,
		Kind:                spec.Kind,
		Risk:                call.Risk,
		Payload:             spec.Payload,
		Fingerprint:         approval.Fingerprint(spec.Kind, spec.Canonical),
		EstimatedDurationMS: spec.EstimatedDurationMS,
		Policy:              req.Policy,
		Emitter:             req.Emitter,
	})
	if decision.Outcome == approval.OutcomeApproved || decision.Outcome == approval.OutcomeModified {
		call.Status = models.ToolCallApproved
	}
	return decision
}

// fail settles a call that never reached the executor.
func (g *Gateway) fail(req InvokeRequest, preview, reason, message string) *models.ToolResult {
	req.Call.Status = models.ToolCallFailed
	return g.settle(req, preview, ErrorResult(reason, message))
}

// settle records a pre-execution outcome and emits tool.failed.
func (g *Gateway) settle(req InvokeRequest, preview string, result *models.ToolResult) *models.ToolResult {
	call := req.Call
	call.Result = result
	call.EndedAt = time.Now().UTC()

	req.Terminal.Result(call.ToolName, false, result.Error, call.EndedAt.Sub(call.StartedAt))
	req.Emitter.Emit(models.EventToolFailed, models.ToolEventData{
		ToolCallID:       call.ID,
		ToolName:         call.ToolName,
		ArgumentsPreview: preview,
		Risk:             call.Risk,
		Result:           result,
	})
	g.logger.Info("tool call settled without execution",
		"tool", call.ToolName,
		"status", call.Status,
		"reason", result.Reason)
	return result
}

func argumentsPreview(args json.RawMessage) string {
	compact := string(args)
	if len(compact) > previewLimit {
		return compact[:previewLimit] + "..."
	}
	return compact
}
