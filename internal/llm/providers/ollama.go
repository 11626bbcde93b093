package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultOllamaBaseURL is the local daemon address.
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaFactory builds the local Ollama backend. No credential is
// involved; the daemon trusts its socket.
type OllamaFactory struct {
	BaseURL string
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

func (f *OllamaFactory) Name() string { return "ollama" }

func (f *OllamaFactory) RequiresKey() bool { return false }

func (f *OllamaFactory) New(string) (llm.Provider, error) {
	base := strings.TrimRight(f.BaseURL, "/")
	if base == "" {
		base = DefaultOllamaBaseURL
	}
	client := f.Client
	if client == nil {
		// No overall timeout: streams are long-lived and the router's
		// idle watchdog handles stalls.
		client = &http.Client{Timeout: 0}
	}
	return &ollamaProvider{baseURL: base, client: client}, nil
}

type ollamaProvider struct {
	baseURL string
	client  *http.Client
}

func (p *ollamaProvider) Name() string { return "ollama" }

// Ollama speaks NDJSON over plain HTTP: one JSON object per line, the
// last carrying done=true plus eval counts. Tool definitions go up in
// the OpenAI function format, which Ollama adopted verbatim.
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (p *ollamaProvider) Chat(ctx context.Context, payload *llm.Payload) (<-chan llm.Chunk, error) {
	req := ollamaChatRequest{
		Model:    payload.ModelID,
		Stream:   true,
		Messages: ollamaMessages(payload),
	}
	if len(payload.Tools) > 0 {
		req.Tools = openAITools(payload.Tools)
	}
	options := map[string]any{}
	if payload.Params.MaxTokens > 0 {
		options["num_predict"] = payload.Params.MaxTokens
	}
	if payload.Params.Temperature > 0 {
		options["temperature"] = payload.Params.Temperature
	}
	if len(options) > 0 {
		req.Options = options
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.NewProviderError("ollama", payload.ModelID, fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewProviderError("ollama", payload.ModelID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError("ollama", payload.ModelID, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, llm.NewProviderError("ollama", payload.ModelID,
				fmt.Errorf("status %d (read body: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, llm.NewProviderError("ollama", payload.ModelID,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	out := make(chan llm.Chunk)
	go p.stream(ctx, resp.Body, out, payload.ModelID)
	return out, nil
}

func (p *ollamaProvider) stream(ctx context.Context, body io.ReadCloser, out chan<- llm.Chunk, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	// Some models repeat a tool call on consecutive lines; emit each
	// call once.
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			send(ctx, out, llm.ErrorChunk(llm.NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))))
			return
		}
		if resp.Error != "" {
			send(ctx, out, llm.ErrorChunk(llm.NewProviderError("ollama", model, errors.New(resp.Error))))
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				if !send(ctx, out, llm.Chunk{DeltaText: resp.Message.Content}) {
					return
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				key := tc.ID
				if key == "" {
					key = tc.Function.Name + string(tc.Function.Arguments)
				}
				if _, dup := emitted[key]; dup {
					continue
				}
				emitted[key] = struct{}{}
				envelope := llm.EncodeToolCall(strings.TrimSpace(tc.Function.Name), tc.Function.Arguments)
				if !send(ctx, out, llm.Chunk{DeltaText: envelope}) {
					return
				}
			}
		}

		if resp.Done {
			finish := llm.FinishStop
			switch {
			case resp.DoneReason == "length":
				finish = llm.FinishLength
			case len(emitted) > 0:
				finish = llm.FinishTool
			}
			send(ctx, out, llm.Chunk{
				FinishReason: finish,
				Usage: &models.TokenUsage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
				},
			})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, out, llm.ErrorChunk(llm.NewProviderError("ollama", model, err)))
		return
	}
	send(ctx, out, llm.ErrorChunk(llm.NewProviderError("ollama", model, errors.New("stream ended without done marker"))))
}

func ollamaMessages(payload *llm.Payload) []ollamaChatMessage {
	msgs := make([]ollamaChatMessage, 0, len(payload.Messages)+1)
	if payload.System != "" {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: payload.System})
	}
	for _, m := range payload.Messages {
		msgs = append(msgs, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

// openAITools renders tool definitions in the OpenAI function format,
// shared by the openai backend and Ollama's cloned API.
func openAITools(tools []llm.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Schema),
			},
		}
	}
	return result
}
