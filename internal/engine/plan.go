package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// planTriggers are the substrings that route a turn through planning.
var planTriggers = []string{
	"create app",
	"build app",
	"setup project",
	"initialize project",
	"create react",
	"create next",
	"create vue",
	"implement",
	"develop",
	"build a",
}

// NeedsPlan reports whether a user message warrants a milestone plan.
func NeedsPlan(text string) bool {
	lower := strings.ToLower(text)
	for _, trigger := range planTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

const planningPrompt = `You are a planning assistant. Break the user's request into concrete milestones.
Respond with a single JSON object and nothing else:
{"objective": "one line goal", "description": "short paragraph", "milestones": [{"title": "...", "description": "...", "type": "setup|implementation|verification", "estimated_tool_calls": 2, "requires_approval": false}]}
Use at most six milestones, ordered by execution.`

type planDraft struct {
	Objective   string `json:"objective"`
	Description string `json:"description"`
	Milestones  []struct {
		Title              string `json:"title"`
		Description        string `json:"description"`
		Type               string `json:"type"`
		EstimatedToolCalls int    `json:"estimated_tool_calls"`
		RequiresApproval   bool   `json:"requires_approval"`
	} `json:"milestones"`
}

// generatePlan runs the dedicated planning call. Any failure, from the
// stream erroring to the response not containing a usable object, skips
// planning rather than failing the turn. The returned usage is folded into
// the turn total even when the plan is discarded.
func (e *Engine) generatePlan(ctx context.Context, turn *Turn) (*models.TaskPlan, models.TokenUsage) {
	var usage models.TokenUsage

	payload := &llm.Payload{
		OwnerID: turn.Payload.OwnerID,
		ModelID: turn.Payload.ModelID,
		System:  planningPrompt,
		Messages: []llm.ChatMessage{
			{Role: models.RoleUser, Content: turn.UserText},
		},
		Params: llm.GenerationParams{Temperature: 0.2, MaxTokens: 1024},
	}

	stream, err := e.adapter.Chat(ctx, payload)
	if err != nil {
		e.logger.Warn("planning call failed, skipping plan", "turn_id", turn.ID, "error", err)
		return nil, usage
	}

	var text strings.Builder
	failed := false
	for chunk := range stream {
		if chunk.DeltaText != "" {
			text.WriteString(chunk.DeltaText)
		}
		if chunk.Terminal() {
			if chunk.Usage != nil {
				usage.Add(*chunk.Usage)
			}
			if chunk.FinishReason == llm.FinishError || chunk.FinishReason == llm.FinishCancelled {
				failed = true
			}
		}
	}
	if failed {
		e.logger.Warn("planning stream did not finish, skipping plan", "turn_id", turn.ID)
		return nil, usage
	}

	plan := decodePlan(text.String())
	if plan == nil {
		e.logger.Warn("planning response had no usable plan, skipping", "turn_id", turn.ID)
	}
	return plan, usage
}

// decodePlan leniently extracts a TaskPlan from model output. Returns nil
// when no balanced object is present or the object is missing the
// essentials.
func decodePlan(response string) *models.TaskPlan {
	raw, ok := extractJSON(response)
	if !ok {
		return nil
	}
	var draft planDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return nil
	}
	if draft.Objective == "" || len(draft.Milestones) == 0 {
		return nil
	}

	plan := &models.TaskPlan{
		ID:          uuid.NewString(),
		Objective:   draft.Objective,
		Description: draft.Description,
	}
	for _, m := range draft.Milestones {
		if m.Title == "" {
			continue
		}
		plan.Milestones = append(plan.Milestones, models.Milestone{
			ID:                 uuid.NewString(),
			Title:              m.Title,
			Description:        m.Description,
			Type:               m.Type,
			EstimatedToolCalls: m.EstimatedToolCalls,
			RequiresApproval:   m.RequiresApproval,
			Status:             models.MilestonePending,
		})
	}
	if len(plan.Milestones) == 0 {
		return nil
	}
	return plan
}

// planTracker walks milestones through pending, in_progress, and a terminal
// status, publishing task.milestone_update on every transition. All methods
// are nil-safe so unplanned turns can call them unconditionally.
type planTracker struct {
	plan    *models.TaskPlan
	emitter *bus.Emitter
	current int
	tools   []string
}

func newPlanTracker(plan *models.TaskPlan, emitter *bus.Emitter) *planTracker {
	return &planTracker{plan: plan, emitter: emitter, current: -1}
}

// advance moves the next pending milestone to in_progress. A milestone
// already in progress stays current.
func (p *planTracker) advance() {
	if p == nil || p.current >= 0 {
		return
	}
	for i := range p.plan.Milestones {
		if p.plan.Milestones[i].Status == models.MilestonePending {
			p.plan.Milestones[i].Status = models.MilestoneInProgress
			p.current = i
			p.tools = nil
			p.publish(i, "")
			return
		}
	}
}

// record attributes a tool to the current milestone.
func (p *planTracker) record(toolName string) {
	if p == nil || p.current < 0 {
		return
	}
	p.tools = append(p.tools, toolName)
}

// complete settles the current milestone successfully.
func (p *planTracker) complete() {
	if p == nil || p.current < 0 {
		return
	}
	p.plan.Milestones[p.current].Status = models.MilestoneCompleted
	p.publish(p.current, "")
	p.current = -1
}

// fail settles the current milestone with an error.
func (p *planTracker) fail(reason string) {
	if p == nil || p.current < 0 {
		return
	}
	p.plan.Milestones[p.current].Status = models.MilestoneFailed
	p.publish(p.current, reason)
	p.current = -1
}

func (p *planTracker) publish(i int, errText string) {
	m := p.plan.Milestones[i]
	p.emitter.Emit(models.EventTaskMilestoneUpdate, models.TaskMilestoneUpdateData{
		PlanID:      p.plan.ID,
		MilestoneID: m.ID,
		Status:      m.Status,
		ToolsUsed:   p.tools,
		Error:       errText,
	})
}
