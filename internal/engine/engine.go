// Package engine drives one user turn through alternating reasoning and
// acting phases: stream the model, parse tool-call envelopes out of the
// text, run the call through the gated tool pipeline, feed the observation
// back, and repeat until the model answers or the iteration budget runs
// out.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultMaxIterations bounds act-observe rounds per turn.
const DefaultMaxIterations = 3

// observationLimit caps how much tool output is fed back to the model.
const observationLimit = 2000

// finalPassInstruction forces an answer once the iteration budget is spent.
const finalPassInstruction = "You have no tool calls left for this turn. Answer with what you have."

// State names the engine's position in the turn lifecycle.
type State string

const (
	StateStart      State = "start"
	StatePlanning   State = "planning"
	StateReasoning  State = "reasoning"
	StateActing     State = "acting"
	StateObserving  State = "observing"
	StateFinalizing State = "finalizing"
	StateComplete   State = "complete"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Config tunes the engine.
type Config struct {
	// MaxIterations bounds act-observe rounds per turn. Zero means
	// DefaultMaxIterations.
	MaxIterations int
	// DisablePlanning skips the upfront plan call even when the user
	// message looks plan-worthy.
	DisablePlanning bool
}

// Engine is safe for concurrent turns; all per-turn state lives in Run.
type Engine struct {
	adapter llm.Adapter
	gateway *tools.Gateway
	config  Config
	logger  *slog.Logger
}

// New creates an engine over an adapter and a tool gateway.
func New(adapter llm.Adapter, gateway *tools.Gateway, config Config, logger *slog.Logger) *Engine {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{adapter: adapter, gateway: gateway, config: config, logger: logger}
}

// DeltaSink receives assistant content in stream order, ahead of the
// matching message.delta publish, so a reader can always fetch at least
// what events have announced.
type DeltaSink interface {
	AppendDelta(delta string)
}

// Turn is the in-memory execution context for one user message.
type Turn struct {
	ID             string
	ConversationID string
	// MessageID identifies the streaming assistant message.
	MessageID  string
	WorkingDir string
	// UserText is the raw user message, used by the planning heuristic.
	UserText string
	// Payload is the assembled prompt. The engine appends synthetic
	// turns to a copy; the payload itself is not mutated.
	Payload *llm.Payload
	Policy  models.WorkspacePolicy
	Emitter *bus.Emitter
	Sink    DeltaSink
	// Terminal is the per-turn activity log; may be nil.
	Terminal *tools.TerminalLog
	// MaxIterations overrides the engine config when positive.
	MaxIterations int
}

// Outcome is the terminal result of a turn.
type Outcome struct {
	State     State
	Content   string
	ToolCalls []models.ToolCallRecord
	Usage     models.TokenUsage
	Plan      *models.TaskPlan
	// Err is set when State is StateFailed.
	Err error
}

// Run executes the turn to a terminal state. It never returns nil. The
// caller owns the surrounding message lifecycle: message.created before
// Run, message.completed or message.stopped after.
func (e *Engine) Run(ctx context.Context, turn *Turn) *Outcome {
	out := &Outcome{State: StateFailed}
	if turn == nil || turn.Payload == nil || turn.Emitter == nil || turn.Sink == nil {
		out.Err = fmt.Errorf("turn payload, emitter and sink are required")
		return out
	}

	maxIter := turn.MaxIterations
	if maxIter <= 0 {
		maxIter = e.config.MaxIterations
	}

	var content strings.Builder
	emit := func(delta string) {
		content.WriteString(delta)
		turn.Sink.AppendDelta(delta)
		turn.Emitter.Emit(models.EventMessageDelta, models.MessageDeltaData{
			MessageID: turn.MessageID,
			Delta:     delta,
		})
	}

	e.activity(turn, StateStart, 0, "")

	var tracker *planTracker
	if !e.config.DisablePlanning && NeedsPlan(turn.UserText) {
		e.activity(turn, StatePlanning, 0, "")
		plan, usage := e.generatePlan(ctx, turn)
		out.Usage.Add(usage)
		if plan != nil {
			out.Plan = plan
			tracker = newPlanTracker(plan, turn.Emitter)
			turn.Emitter.Emit(models.EventTaskPlan, models.TaskPlanData{
				PlanID:      plan.ID,
				Objective:   plan.Objective,
				Description: plan.Description,
				Milestones:  plan.Milestones,
			})
		}
	}

	messages := append([]llm.ChatMessage(nil), turn.Payload.Messages...)

	for iteration := 1; iteration <= maxIter; iteration++ {
		e.activity(turn, StateReasoning, iteration, "")
		res, err := e.reason(ctx, turn, messages, true, emit)
		if err != nil {
			return e.settle(turn, tracker, out, &content, StateFailed, fmt.Errorf("llm stream: %w", err))
		}
		out.Usage.Add(res.usage)
		if res.err != nil {
			state := StateFailed
			if res.finish == llm.FinishCancelled || ctx.Err() != nil {
				state = StateStopped
			}
			return e.settle(turn, tracker, out, &content, state, res.err)
		}
		if res.finish == llm.FinishCancelled {
			return e.settle(turn, tracker, out, &content, StateStopped, nil)
		}

		if res.call == nil {
			e.activity(turn, StateFinalizing, iteration, "")
			return e.settle(turn, tracker, out, &content, StateComplete, nil)
		}

		e.activity(turn, StateActing, iteration, res.call.Name)
		tracker.advance()
		tracker.record(res.call.Name)

		call := &models.ToolCall{
			ID:         uuid.NewString(),
			TurnID:     turn.ID,
			ToolName:   res.call.Name,
			Arguments:  res.call.Arguments,
			WorkingDir: turn.WorkingDir,
			Status:     models.ToolCallProposed,
		}
		result := e.gateway.Invoke(ctx, tools.InvokeRequest{
			Call:     call,
			Policy:   turn.Policy,
			Emitter:  turn.Emitter,
			Terminal: turn.Terminal,
		})
		out.ToolCalls = append(out.ToolCalls, toolRecord(call))

		if ctx.Err() != nil {
			return e.settle(turn, tracker, out, &content, StateStopped, nil)
		}

		e.activity(turn, StateObserving, iteration, res.call.Name)
		messages = append(messages,
			llm.ChatMessage{Role: models.RoleAssistant, Content: res.text},
			llm.ChatMessage{Role: models.RoleSystem, Content: observe(res.call.Name, result)},
		)

		if result.Success {
			tracker.complete()
		} else if iteration == maxIter {
			// No rounds left to recover in.
			tracker.fail(result.Error)
		}
	}

	// Budget exhausted: one last pass, without tools, to produce prose.
	e.activity(turn, StateFinalizing, maxIter, "iteration budget exhausted")
	messages = append(messages, llm.ChatMessage{Role: models.RoleSystem, Content: finalPassInstruction})
	res, err := e.reason(ctx, turn, messages, false, emit)
	if err != nil {
		return e.settle(turn, tracker, out, &content, StateFailed, fmt.Errorf("llm stream: %w", err))
	}
	out.Usage.Add(res.usage)
	if res.err != nil {
		state := StateFailed
		if res.finish == llm.FinishCancelled || ctx.Err() != nil {
			state = StateStopped
		}
		return e.settle(turn, tracker, out, &content, state, res.err)
	}
	if res.finish == llm.FinishCancelled {
		return e.settle(turn, tracker, out, &content, StateStopped, nil)
	}
	return e.settle(turn, tracker, out, &content, StateComplete, nil)
}

// settle finalizes the outcome, closing out an in-progress milestone when
// the turn did not end cleanly.
func (e *Engine) settle(turn *Turn, tracker *planTracker, out *Outcome, content *strings.Builder, state State, err error) *Outcome {
	switch state {
	case StateComplete:
		tracker.complete()
	case StateStopped:
		tracker.fail("turn cancelled")
	case StateFailed:
		tracker.fail("turn failed")
	}
	out.State = state
	out.Content = content.String()
	out.Err = err

	e.logger.Info("turn settled",
		"turn_id", turn.ID,
		"conversation_id", turn.ConversationID,
		"state", state,
		"tool_calls", len(out.ToolCalls),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens)
	return out
}

// reasonResult is what one streaming pass produced.
type reasonResult struct {
	// text is the full streamed text of the pass, envelopes included.
	text string
	// call is the first well-formed tool call, nil when the pass was
	// pure prose.
	call   *ToolCallRequest
	finish llm.FinishReason
	usage  models.TokenUsage
	err    error
}

// reason streams one model pass. Every delta is emitted in order; the
// pending buffer is scanned for the first well-formed envelope. The stream
// is always drained so usage from the terminal chunk is never lost.
func (e *Engine) reason(ctx context.Context, turn *Turn, messages []llm.ChatMessage, withTools bool, emit func(string)) (*reasonResult, error) {
	payload := &llm.Payload{
		OwnerID:  turn.Payload.OwnerID,
		ModelID:  turn.Payload.ModelID,
		System:   turn.Payload.System,
		Messages: messages,
		Params:   turn.Payload.Params,
	}
	if withTools {
		payload.Tools = turn.Payload.Tools
	}

	stream, err := e.adapter.Chat(ctx, payload)
	if err != nil {
		return nil, err
	}

	res := &reasonResult{}
	buffer := ""
	for chunk := range stream {
		if chunk.DeltaText != "" {
			res.text += chunk.DeltaText
			emit(chunk.DeltaText)
			if res.call == nil {
				buffer += chunk.DeltaText
				for {
					call, rest, result := ScanToolCall(buffer)
					buffer = rest
					if result == ParseOK {
						res.call = call
						break
					}
					if result != ParseMalformed {
						break
					}
					// Malformed envelope consumed; rescan what follows.
				}
			}
		}
		if chunk.Terminal() {
			res.finish = chunk.FinishReason
			if chunk.Usage != nil {
				res.usage = *chunk.Usage
			}
			res.err = chunk.Err
		}
	}
	return res, nil
}

func (e *Engine) activity(turn *Turn, phase State, iteration int, detail string) {
	turn.Emitter.Emit(models.EventAgentActivity, models.AgentActivityData{
		Phase:     string(phase),
		Iteration: iteration,
		Detail:    detail,
	})
}

// observe renders the observation fed back to the model after a tool run.
func observe(toolName string, result *models.ToolResult) string {
	status := "success"
	if !result.Success {
		status = "failure"
	}
	return fmt.Sprintf("Tool %s → %s: %s", toolName, status, summarize(result))
}

func summarize(result *models.ToolResult) string {
	var s string
	if result.Success {
		switch {
		case strings.TrimSpace(result.Stdout) != "":
			s = strings.TrimSpace(result.Stdout)
		case len(result.Value) > 0:
			s = string(result.Value)
		default:
			s = "ok"
		}
	} else {
		switch {
		case result.Error != "":
			s = result.Error
		case strings.TrimSpace(result.Stderr) != "":
			s = strings.TrimSpace(result.Stderr)
		default:
			s = "failed"
		}
	}
	return truncateRunes(s, observationLimit)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + " [truncated]"
}

func toolRecord(call *models.ToolCall) models.ToolCallRecord {
	record := models.ToolCallRecord{
		ID:        call.ID,
		ToolName:  call.ToolName,
		Arguments: call.Arguments,
		Status:    call.Status,
		Risk:      call.Risk,
	}
	if call.Result != nil {
		record.Success = call.Result.Success
	}
	if !call.EndedAt.IsZero() && !call.StartedAt.IsZero() {
		record.DurationMS = call.EndedAt.Sub(call.StartedAt).Milliseconds()
	}
	return record
}
