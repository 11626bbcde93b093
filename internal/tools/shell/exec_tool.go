package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/files"
	"github.com/haasonsaas/relay/pkg/models"
)

// ExecConfig bounds execute_command runs.
type ExecConfig struct {
	// ShortCommandTimeout is the default wall-clock limit.
	ShortCommandTimeout time.Duration
	// MaxCommandTimeout caps caller-supplied timeouts.
	MaxCommandTimeout time.Duration
	// DetectionWindow is how long a long-running command is observed
	// before returning with its PID.
	DetectionWindow time.Duration
}

// ExecTool implements execute_command.
type ExecTool struct {
	runner Runner
	config ExecConfig
}

// NewExecTool creates the shell tool on the given runner.
func NewExecTool(runner Runner, config ExecConfig) *ExecTool {
	if config.ShortCommandTimeout <= 0 {
		config.ShortCommandTimeout = 30 * time.Second
	}
	if config.MaxCommandTimeout <= 0 {
		config.MaxCommandTimeout = 300 * time.Second
	}
	if config.DetectionWindow <= 0 {
		config.DetectionWindow = defaultCaptureWindow
	}
	return &ExecTool{runner: runner, config: config}
}

func (t *ExecTool) Name() string {
	return "execute_command"
}

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace. Dev servers are left running and report their PID."
}

func (t *ExecTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to run.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory relative to the workspace (default: workspace root).",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Wall-clock limit in milliseconds (capped by the server).",
				"minimum":     0,
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// AssessRisk runs the command string through the ordered risk table.
func (t *ExecTool) AssessRisk(_ tools.Env, args json.RawMessage) models.RiskLevel {
	input, err := decodeArgs(args)
	if err != nil {
		return models.RiskMedium
	}
	return approval.ClassifyCommand(input.Command)
}

// ApprovalSpec previews the command for the approval prompt. Installer
// commands surface the package list instead of the raw command line.
func (t *ExecTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	input, err := decodeArgs(args)
	if err != nil {
		return tools.ApprovalSpec{Kind: models.ApprovalCommandExecution}
	}
	kind := approval.KindForCommand(input.Command)
	spec := tools.ApprovalSpec{
		Kind:      kind,
		Payload:   map[string]any{"command": input.Command},
		Canonical: input.Command,
	}
	if kind == models.ApprovalDependencyInstall {
		if packages := parsePackages(input.Command); len(packages) > 0 {
			spec.Payload = map[string]any{"packages": packages}
		}
	}
	return spec
}

type execArgs struct {
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	TimeoutMS int64  `json:"timeout_ms"`
}

func decodeArgs(args json.RawMessage) (execArgs, error) {
	var input execArgs
	err := json.Unmarshal(args, &input)
	return input, err
}

func (t *ExecTool) Execute(ctx context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	input, err := decodeArgs(args)
	if err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return tools.ErrorResult(tools.ReasonSchema, "command is required"), nil
	}

	dir := env.WorkingDir
	if strings.TrimSpace(input.Cwd) != "" {
		resolved, err := files.Resolver{Root: env.WorkingDir}.Resolve(input.Cwd)
		if err != nil {
			if errors.Is(err, files.ErrPathEscape) {
				return tools.ErrorResult(tools.ReasonPathEscape, err.Error()), nil
			}
			return tools.ErrorResult(tools.ReasonSchema, err.Error()), nil
		}
		dir = resolved
	}

	req := Request{
		Command: input.Command,
		Dir:     dir,
		Timeout: t.timeoutFor(input.TimeoutMS),
	}
	if IsLongRunning(input.Command) {
		req.Detach = true
		req.CaptureWindow = t.config.DetectionWindow
	}

	result, err := t.runner.Run(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return tools.ErrorResult(tools.ReasonCancelled, "command cancelled"), nil
		}
		return tools.ErrorResult(tools.ReasonToolExecution, err.Error()), nil
	}

	out := &models.ToolResult{
		Stdout: result.Stdout,
		Stderr: result.Stderr,
		PID:    result.PID,
	}
	switch {
	case result.Detached:
		out.Success = true
	case result.TimedOut:
		out.Success = false
		out.Reason = tools.ReasonTimeout
		out.Error = fmt.Sprintf("command exceeded %s", req.Timeout)
	default:
		code := result.ExitCode
		out.ExitCode = &code
		out.Success = code == 0
		if code != 0 {
			out.Reason = tools.ReasonToolExecution
			out.Error = fmt.Sprintf("exit code %d", code)
		}
	}
	return out, nil
}

func (t *ExecTool) timeoutFor(requestedMS int64) time.Duration {
	timeout := t.config.ShortCommandTimeout
	if requestedMS > 0 {
		timeout = time.Duration(requestedMS) * time.Millisecond
	}
	if timeout > t.config.MaxCommandTimeout {
		timeout = t.config.MaxCommandTimeout
	}
	return timeout
}

// parsePackages extracts package names from an installer command line.
func parsePackages(command string) []string {
	fields := strings.Fields(command)
	skip := map[string]bool{
		"npm": true, "yarn": true, "pnpm": true, "pip": true, "pip3": true,
		"go": true, "install": true, "add": true, "get": true, "i": true,
	}
	var packages []string
	for _, f := range fields {
		if skip[f] || strings.HasPrefix(f, "-") {
			continue
		}
		packages = append(packages, f)
	}
	return packages
}
