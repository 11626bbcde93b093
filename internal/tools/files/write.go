package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// WriteTool implements write_file.
type WriteTool struct{}

// NewWriteTool creates the workspace file writer.
func NewWriteTool() *WriteTool {
	return &WriteTool{}
}

func (t *WriteTool) Name() string {
	return "write_file"
}

func (t *WriteTool) Description() string {
	return "Write content to a workspace file, overwriting any existing content."
}

func (t *WriteTool) Schema() json.RawMessage {
	return pathContentSchema("Path to write (relative to the working directory).")
}

// AssessRisk returns medium when the write would overwrite an existing
// file, low for a fresh file.
func (t *WriteTool) AssessRisk(env tools.Env, args json.RawMessage) models.RiskLevel {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return models.RiskMedium
	}
	resolved, err := resolve(env, input.Path)
	if err != nil {
		return models.RiskMedium
	}
	if _, err := os.Stat(resolved); err == nil {
		return models.RiskMedium
	}
	return models.RiskLow
}

func (t *WriteTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	path := pathArgument(args)
	return tools.ApprovalSpec{
		Kind:      models.ApprovalFileWrite,
		Payload:   map[string]string{"path": path},
		Canonical: path,
	}
}

func (t *WriteTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	return writeFile(env, args, false)
}

// AppendTool implements append_file.
type AppendTool struct{}

// NewAppendTool creates the workspace file appender.
func NewAppendTool() *AppendTool {
	return &AppendTool{}
}

func (t *AppendTool) Name() string {
	return "append_file"
}

func (t *AppendTool) Description() string {
	return "Append content to a workspace file, creating it if missing."
}

func (t *AppendTool) Schema() json.RawMessage {
	return pathContentSchema("Path to append to (relative to the working directory).")
}

func (t *AppendTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	path := pathArgument(args)
	return tools.ApprovalSpec{
		Kind:      models.ApprovalFileWrite,
		Payload:   map[string]string{"path": path},
		Canonical: path,
	}
}

func (t *AppendTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	return writeFile(env, args, true)
}

func writeFile(env tools.Env, args json.RawMessage, appendMode bool) (*models.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	resolved, err := resolve(env, input.Path)
	if err != nil {
		return resolveError(err), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(input.Content)
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("write file: %v", err)), nil
	}

	return tools.ValueResult(map[string]interface{}{
		"path":          input.Path,
		"bytes_written": n,
		"append":        appendMode,
	}), nil
}

// MkdirTool implements create_directory.
type MkdirTool struct{}

// NewMkdirTool creates the directory maker.
func NewMkdirTool() *MkdirTool {
	return &MkdirTool{}
}

func (t *MkdirTool) Name() string {
	return "create_directory"
}

func (t *MkdirTool) Description() string {
	return "Create a workspace directory, including any missing parents."
}

func (t *MkdirTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to create (relative to the working directory).",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *MkdirTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	resolved, err := resolve(env, input.Path)
	if err != nil {
		return resolveError(err), nil
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("create directory: %v", err)), nil
	}

	return tools.ValueResult(map[string]interface{}{"path": input.Path, "created": true}), nil
}

func pathContentSchema(pathDescription string) json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": pathDescription,
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write.",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func pathArgument(args json.RawMessage) string {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return ""
	}
	return input.Path
}
