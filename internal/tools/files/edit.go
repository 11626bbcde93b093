package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// EditTool implements edit_file, in-place find/replace edits.
type EditTool struct{}

// NewEditTool creates the workspace editor.
func NewEditTool() *EditTool {
	return &EditTool{}
}

func (t *EditTool) Name() string {
	return "edit_file"
}

func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a workspace file."
}

func (t *EditTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to edit (relative to the working directory).",
			},
			"edits": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"old_text": map[string]interface{}{
							"type":        "string",
							"description": "Text to replace.",
						},
						"new_text": map[string]interface{}{
							"type":        "string",
							"description": "Replacement text.",
						},
						"replace_all": map[string]interface{}{
							"type":        "boolean",
							"description": "Replace all occurrences (default: false).",
						},
					},
					"required": []string{"old_text", "new_text"},
				},
				"minItems": 1,
			},
		},
		"required":             []string{"path", "edits"},
		"additionalProperties": false,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Edits always touch existing content.
func (t *EditTool) AssessRisk(tools.Env, json.RawMessage) models.RiskLevel {
	return models.RiskMedium
}

func (t *EditTool) ApprovalSpec(_ tools.Env, args json.RawMessage) tools.ApprovalSpec {
	path := pathArgument(args)
	return tools.ApprovalSpec{
		Kind:      models.ApprovalFileWrite,
		Payload:   map[string]string{"path": path},
		Canonical: path,
	}
}

func (t *EditTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if len(input.Edits) == 0 {
		return tools.ErrorResult(tools.ReasonSchema, "edits are required"), nil
	}

	resolved, err := resolve(env, input.Path)
	if err != nil {
		return resolveError(err), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for _, edit := range input.Edits {
		if edit.OldText == "" {
			return tools.ErrorResult(tools.ReasonSchema, "old_text is required"), nil
		}
		if !strings.Contains(content, edit.OldText) {
			return tools.ErrorResult(tools.ReasonToolExecution, "old_text not found"), nil
		}
		if edit.ReplaceAll {
			replacements += strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("write file: %v", err)), nil
	}

	return tools.ValueResult(map[string]interface{}{
		"path":         input.Path,
		"replacements": replacements,
	}), nil
}
