package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config controls filesystem tool defaults.
type Config struct {
	MaxReadBytes int
}

// ReadTool implements read_file.
type ReadTool struct {
	maxReadLen int
}

// NewReadTool creates the workspace file reader.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadTool{maxReadLen: limit}
}

func (t *ReadTool) Name() string {
	return "read_file"
}

func (t *ReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to the working directory).",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Byte offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"max_bytes": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum bytes to read (capped by tool default).",
				"minimum":     0,
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

func (t *ReadTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if input.Offset < 0 {
		return tools.ErrorResult(tools.ReasonSchema, "offset must be >= 0"), nil
	}

	resolved, err := resolve(env, input.Path)
	if err != nil {
		return resolveError(err), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("stat file: %v", err)), nil
	}
	if input.Offset > 0 {
		if _, err := file.Seek(input.Offset, io.SeekStart); err != nil {
			return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxReadLen
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	remaining := int64(limit)
	if size := info.Size(); size > 0 {
		remaining = size - input.Offset
		if remaining < 0 {
			remaining = 0
		}
		if remaining > int64(limit) {
			remaining = int64(limit)
		}
	}

	buf, err := io.ReadAll(io.LimitReader(file, remaining))
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("read file: %v", err)), nil
	}

	return tools.ValueResult(map[string]interface{}{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": info.Size() > 0 && input.Offset+int64(len(buf)) < info.Size(),
	}), nil
}

// ListTool implements list_files.
type ListTool struct{}

// NewListTool creates the directory lister.
func NewListTool() *ListTool {
	return &ListTool{}
}

func (t *ListTool) Name() string {
	return "list_files"
}

func (t *ListTool) Description() string {
	return "List the entries of a workspace directory."
}

func (t *ListTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (default: the working directory).",
			},
		},
		"additionalProperties": false,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ListTool) Execute(_ context.Context, env tools.Env, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.ErrorResult(tools.ReasonSchema, fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		input.Path = "."
	}

	resolved, err := resolve(env, input.Path)
	if err != nil {
		return resolveError(err), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return tools.ErrorResult(tools.ReasonToolExecution, fmt.Sprintf("read directory: %v", err)), nil
	}

	type listing struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size,omitempty"`
	}
	items := make([]listing, 0, len(entries))
	for _, e := range entries {
		item := listing{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return tools.ValueResult(map[string]interface{}{
		"path":    input.Path,
		"entries": items,
	}), nil
}

func resolve(env tools.Env, path string) (string, error) {
	return Resolver{Root: env.WorkingDir}.Resolve(path)
}

func resolveError(err error) *models.ToolResult {
	if errors.Is(err, ErrPathEscape) {
		return tools.ErrorResult(tools.ReasonPathEscape, err.Error())
	}
	return tools.ErrorResult(tools.ReasonSchema, err.Error())
}
