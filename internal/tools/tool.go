// Package tools catalogs the agent's invocable capabilities and routes
// every invocation through the validate, risk, approve, execute pipeline.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// Binding names the executor class behind a tool.
type Binding string

const (
	BindingFilesystem    Binding = "filesystem"
	BindingShell         Binding = "shell"
	BindingGit           Binding = "git"
	BindingEditorVirtual Binding = "editor_virtual"
	BindingSearch        Binding = "search"
)

// Env is the execution environment for one invocation. WorkingDir is
// absolute and already confined to the workspace root.
type Env struct {
	WorkingDir string
}

// Tool is one invocable capability.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the
	// tool does, used by the LLM to decide when to call it.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. args have already passed schema validation.
	// Failures the LLM should reason about come back in the result with
	// Success=false; a non-nil error means the executor itself broke.
	Execute(ctx context.Context, env Env, args json.RawMessage) (*models.ToolResult, error)
}

// RiskAssessor computes risk from the concrete arguments. Tools that do
// not implement it use their registered DefaultRisk.
type RiskAssessor interface {
	AssessRisk(env Env, args json.RawMessage) models.RiskLevel
}

// ApprovalSpec shapes the approval prompt for one invocation. Canonical
// is the normalized string folded into the session remember fingerprint.
type ApprovalSpec struct {
	Kind                models.ApprovalKind
	Payload             any
	Canonical           string
	EstimatedDurationMS int64
}

// Approvable lets a tool override the default approval request.
type Approvable interface {
	ApprovalSpec(env Env, args json.RawMessage) ApprovalSpec
}

// Meta is the routing information the registry keeps per tool.
type Meta struct {
	Binding             Binding
	DefaultRisk         models.RiskLevel
	ApprovalKind        models.ApprovalKind
	EstimatedDurationMS int64
	// Mutating marks tools that change workspace or repository state.
	// workspace_policy.allow_actions=false removes them from the catalog.
	Mutating bool
}

// Descriptor is the tool's catalog entry as exposed to the LLM and to
// policy filtering.
type Descriptor struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	Schema              json.RawMessage `json:"argument_schema"`
	Binding             Binding         `json:"executor_binding"`
	DefaultRisk         models.RiskLevel `json:"default_risk,omitempty"`
	EstimatedDurationMS int64           `json:"estimated_duration_ms,omitempty"`
}

// ErrorResult wraps a failure message as a structured result with the
// given taxonomy reason.
func ErrorResult(reason, message string) *models.ToolResult {
	return &models.ToolResult{Success: false, Error: message, Reason: reason}
}

// ValueResult marshals payload into the result's Value field.
func ValueResult(payload any) *models.ToolResult {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ErrorResult(ReasonToolExecution, "encode result: "+err.Error())
	}
	return &models.ToolResult{Success: true, Value: encoded}
}

// Failure reasons carried in ToolResult.Reason. They mirror the error
// taxonomy surfaced to clients.
const (
	ReasonSchema        = "schema"
	ReasonPathEscape    = "path_escape"
	ReasonTimeout       = "timeout"
	ReasonRejected      = "rejected"
	ReasonCancelled     = "cancelled"
	ReasonToolExecution = "tool_execution"
)
