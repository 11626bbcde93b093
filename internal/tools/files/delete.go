package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// DeleteTool implements delete_file.
type DeleteTool struct{}

// NewDeleteTool creates the workspace file remover.
func NewDeleteTool() *DeleteTool {
	return &DeleteTool{}
}

func (t *DeleteTool) Name() string {
	return "delete_file"
}

func (t *DeleteTool) Description() string {
	return "Delete a workspace file or empty directory."
}

func (t *DeleteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to delete (relative to the working directory).",
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

func (t *DeleteTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	path := pathArgument(args)
	return tools.ApprovalSpec{
		Kind:      models.ApprovalFileDelete,
		Payload:   map[string]string{"path": path},
		Canonical: path,
	}
}

func (t *DeleteTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
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
	if err := os.Remove(resolved); err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("delete: %v", err)), nil
	}

	return tools.ValueResult(map[string]interface{}{"path": input.Path, "deleted": true}), nil
}
