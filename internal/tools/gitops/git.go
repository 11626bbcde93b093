// Package gitops implements the git tool set on top of the shell runner.
package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/shell"
	"github.com/haasonsaas/relay/pkg/models"
)

const gitTimeout = 60 * time.Second

// StatusTool implements git_status.
type StatusTool struct {
	runner shell.Runner
}

// NewStatusTool creates the status tool.
func NewStatusTool(runner shell.Runner) *StatusTool {
	return &StatusTool{runner: runner}
}

func (t *StatusTool) Name() string        { return "git_status" }
func (t *StatusTool) Description() string { return "Show the git working tree status." }

func (t *StatusTool) Schema() json.RawMessage {
	return emptySchema()
}

func (t *StatusTool) Execute(ctx context.Context, env tools.Env, _ json.RawMessage) (*models.ToolResult, error) {
	return runGit(ctx, t.runner, env, "git status --porcelain=v1 --branch")
}

// DiffTool implements git_diff.
type DiffTool struct {
	runner shell.Runner
}

// NewDiffTool creates the diff tool.
func NewDiffTool(runner shell.Runner) *DiffTool {
	return &DiffTool{runner: runner}
}

func (t *DiffTool) Name() string        { return "git_diff" }
func (t *DiffTool) Description() string { return "Show uncommitted changes, optionally for one path." }

func (t *DiffTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Limit the diff to one path.",
			},
			"staged": map[string]interface{}{
				"type":        "boolean",
				"description": "Diff the index instead of the working tree.",
			},
		},
		"additionalProperties": false,
	}
	return mustSchema(schema)
}

func (t *DiffTool) Execute(ctx context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path   string `json:"path"`
		Staged bool   `json:"staged"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	command := "git diff"
	if input.Staged {
		command += " --cached"
	}
	if path := strings.TrimSpace(input.Path); path != "" {
		command += " -- " + shellQuote(path)
	}
	return runGit(ctx, t.runner, env, command)
}

// CommitTool implements git_commit.
type CommitTool struct {
	runner shell.Runner
}

// NewCommitTool creates the commit tool.
func NewCommitTool(runner shell.Runner) *CommitTool {
	return &CommitTool{runner: runner}
}

func (t *CommitTool) Name() string        { return "git_commit" }
func (t *CommitTool) Description() string { return "Commit staged changes with a message." }

func (t *CommitTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Commit message.",
			},
			"all": map[string]interface{}{
				"type":        "boolean",
				"description": "Stage modified and deleted files before committing.",
			},
		},
		"required":             []string{"message"},
		"additionalProperties": false,
	}
	return mustSchema(schema)
}

func (t *CommitTool) commandFor(args json.RawMessage) (string, error) {
	var input struct {
		Message string `json:"message"`
		All     bool   `json:"all"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Message) == "" {
		return "", fmt.Errorf("message is required")
	}
	command := "git commit"
	if input.All {
		command += " -a"
	}
	return command + " -m " + shellQuote(input.Message), nil
}

func (t *CommitTool) AssessRisk(_ tools.Env, args json.RawMessage) models.RiskLevel {
	command, err := t.commandFor(args)
	if err != nil {
		return models.RiskMedium
	}
	return approval.ClassifyCommand(command)
}

func (t *CommitTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	command, _ := t.commandFor(args)
	return tools.ApprovalSpec{
		Kind:      models.ApprovalGitOp,
		Payload:   map[string]string{"command": command},
		Canonical: command,
	}
}

func (t *CommitTool) Execute(ctx context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	command, err := t.commandFor(args)
	if err != nil {
		return tools.ErrorResult(tools.ReasonSchema, err.Error()), nil
	}
	return runGit(ctx, t.runner, env, command)
}

// PushTool implements git_push.
type PushTool struct {
	runner shell.Runner
}

// NewPushTool creates the push tool.
func NewPushTool(runner shell.Runner) *PushTool {
	return &PushTool{runner: runner}
}

func (t *PushTool) Name() string        { return "git_push" }
func (t *PushTool) Description() string { return "Push commits to a remote." }

func (t *PushTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"remote": map[string]interface{}{
				"type":        "string",
				"description": "Remote name (default: origin).",
			},
			"branch": map[string]interface{}{
				"type":        "string",
				"description": "Branch to push (default: current).",
			},
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Force push. Requires elevated approval.",
			},
		},
		"additionalProperties": false,
	}
	return mustSchema(schema)
}

func (t *PushTool) commandFor(args json.RawMessage) (string, error) {
	var input struct {
		Remote string `json:"remote"`
		Branch string `json:"branch"`
		Force  bool   `json:"force"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", err
	}
	command := "git push"
	if input.Force {
		command += " --force"
	}
	if remote := strings.TrimSpace(input.Remote); remote != "" {
		command += " " + shellQuote(remote)
		if branch := strings.TrimSpace(input.Branch); branch != "" {
			command += " " + shellQuote(branch)
		}
	}
	return command, nil
}

func (t *PushTool) AssessRisk(_ tools.Env, args json.RawMessage) models.RiskLevel {
	command, err := t.commandFor(args)
	if err != nil {
		return models.RiskMedium
	}
	return approval.ClassifyCommand(command)
}

func (t *PushTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	command, _ := t.commandFor(args)
	return tools.ApprovalSpec{
		Kind:      models.ApprovalGitOp,
		Payload:   map[string]string{"command": command},
		Canonical: command,
	}
}

func (t *PushTool) Execute(ctx context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	command, err := t.commandFor(args)
	if err != nil {
		return tools.ErrorResult(tools.ReasonSchema, err.Error()), nil
	}
	return runGit(ctx, t.runner, env, command)
}

func runGit(ctx context.Context, runner shell.Runner, env tools.Env, command string) (*models.ToolResult, error) {
	result, err := runner.Run(ctx, shell.Request{
		Command: command,
		Dir:     env.WorkingDir,
		Timeout: gitTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return tools.ErrorResult(tools.ReasonCancelled, "git command cancelled"), nil
		}
		return tools.ErrorResult(tools.ReasonToolExecution, err.Error()), nil
	}

	code := result.ExitCode
	out := &models.ToolResult{
		Success:  code == 0 && !result.TimedOut,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: &code,
	}
	if result.TimedOut {
		out.Reason = tools.ReasonTimeout
		out.Error = "git command timed out"
	} else if code != 0 {
		out.Reason = tools.ReasonToolExecution
		out.Error = fmt.Sprintf("exit code %d", code)
	}
	return out, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func emptySchema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": false,
	})
}

func mustSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
