// Package llm streams model output for a turn. A Router resolves the
// agent's model_id to one provider backend, binds the caller's
// credential, and supervises the stream with a chunk-idle watchdog and
// a bounded retry for transient failures.
package llm

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/haasonsaas/relay/pkg/models"
)

// FinishReason marks the terminal chunk of a stream.
type FinishReason string

const (
	// FinishStop means the model completed its answer.
	FinishStop FinishReason = "stop"
	// FinishLength means the output hit the max token limit.
	FinishLength FinishReason = "length"
	// FinishTool means the model stopped to call a tool.
	FinishTool FinishReason = "tool"
	// FinishError means the stream failed; Chunk.Err carries the cause.
	FinishError FinishReason = "error"
	// FinishCancelled means the caller cancelled the stream.
	FinishCancelled FinishReason = "cancelled"
)

// Chunk is one unit of a model stream. Non-terminal chunks carry only
// DeltaText. Every stream ends with exactly one terminal chunk, which
// may also carry token usage.
type Chunk struct {
	DeltaText    string
	FinishReason FinishReason
	Usage        *models.TokenUsage
	// Err is the structured cause when FinishReason is FinishError.
	Err error
}

// Terminal reports whether the chunk closes the stream.
func (c Chunk) Terminal() bool {
	return c.FinishReason != ""
}

// ErrorChunk builds the terminal chunk for a failed stream.
func ErrorChunk(err error) Chunk {
	return Chunk{FinishReason: FinishError, Err: err}
}

// ChatMessage is one prompt turn. Synthetic observations ride as
// system-role messages; providers that have no mid-conversation system
// role fold them into the user side.
type ChatMessage struct {
	Role    models.Role
	Content string
}

// ToolDef describes one invocable tool to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// GenerationParams tune one completion.
type GenerationParams struct {
	Temperature float64
	MaxTokens   int
}

// Payload is the fully assembled prompt for one completion. OwnerID
// selects the credential; ModelID selects the provider.
type Payload struct {
	OwnerID  string
	ModelID  string
	System   string
	Messages []ChatMessage
	Tools    []ToolDef
	Params   GenerationParams
}

// Adapter is the streaming completion interface the reasoning loop
// drives. The returned channel is finite and always ends with exactly
// one terminal chunk, including after cancellation; callers must drain
// it. The error return is reserved for payloads that cannot be resolved
// to a backend at all.
type Adapter interface {
	Chat(ctx context.Context, payload *Payload) (<-chan Chunk, error)
}

// Provider is one model backend. Implementations must honor ctx on
// every blocking operation, including channel sends, so a supervisor
// that stops reading does not leak the stream goroutine.
type Provider interface {
	Name() string
	Chat(ctx context.Context, payload *Payload) (<-chan Chunk, error)
}

// Factory builds a Provider bound to one credential. RequiresKey
// reports whether Chat needs a per-owner API key from the secret
// store; local backends and ambient-credential backends return false.
type Factory interface {
	Name() string
	RequiresKey() bool
	New(apiKey string) (Provider, error)
}

// Tool calls ride the text stream inside this envelope so every
// backend presents one wire shape to the reasoning loop. Providers
// that emit native structured tool-call deltas re-serialize them.
const (
	ToolCallOpen  = "<tool_call>"
	ToolCallClose = "</tool_call>"
)

type toolCallEnvelope struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// EncodeToolCall serializes one tool call into the stream envelope.
// Arguments that are not valid JSON are passed through untouched; the
// downstream parser rejects the envelope and the loop continues.
func EncodeToolCall(name string, args json.RawMessage) string {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(toolCallEnvelope{Name: name, Arguments: args})
	if err != nil {
		return ToolCallOpen + `{"name":` + strconv.Quote(name) + `,"arguments":` + string(args) + `}` + ToolCallClose
	}
	return ToolCallOpen + string(body) + ToolCallClose
}
