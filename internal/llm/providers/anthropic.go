package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// AnthropicFactory builds the Anthropic backend. BaseURL overrides the
// API host for proxies.
type AnthropicFactory struct {
	BaseURL string
}

func (f *AnthropicFactory) Name() string { return "anthropic" }

func (f *AnthropicFactory) RequiresKey() bool { return true }

func (f *AnthropicFactory) New(apiKey string) (llm.Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(f.BaseURL) != "" {
		options = append(options, option.WithBaseURL(f.BaseURL))
	}
	return &anthropicProvider{client: anthropic.NewClient(options...)}, nil
}

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Chat(ctx context.Context, payload *llm.Payload) (<-chan llm.Chunk, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(payload.ModelID),
		Messages:  p.convertMessages(payload.Messages),
		MaxTokens: int64(maxTokens(payload)),
	}
	if payload.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: payload.System}}
	}
	if payload.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(payload.Params.Temperature)
	}
	if len(payload.Tools) > 0 {
		tools, err := p.convertTools(payload.Tools)
		if err != nil {
			return nil, llm.NewProviderError("anthropic", payload.ModelID, err).WithReason(llm.FailoverInvalidRequest)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan llm.Chunk)
	go p.processStream(ctx, stream, out, payload.ModelID)
	return out, nil
}

func (p *anthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- llm.Chunk, model string) {
	defer close(out)
	defer stream.Close()

	var (
		toolName  string
		toolInput strings.Builder
		inTool    bool
		usage     models.TokenUsage
		stop      string
	)

	for stream.Next() {
		if ctx.Err() != nil {
			return
		}
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolName = toolUse.Name
				toolInput.Reset()
				inTool = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, out, llm.Chunk{DeltaText: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if inTool {
				envelope := llm.EncodeToolCall(toolName, json.RawMessage(toolInput.String()))
				if !send(ctx, out, llm.Chunk{DeltaText: envelope}) {
					return
				}
				inTool = false
				toolName = ""
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stop = string(delta.Delta.StopReason)
			}

		case "message_stop":
			finish := llm.FinishStop
			switch stop {
			case "max_tokens":
				finish = llm.FinishLength
			case "tool_use":
				finish = llm.FinishTool
			}
			send(ctx, out, llm.Chunk{FinishReason: finish, Usage: &usage})
			return

		case "error":
			send(ctx, out, llm.ErrorChunk(llm.NewProviderError("anthropic", model, errors.New("stream error event"))))
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, out, llm.ErrorChunk(p.wrapError(err, model)))
		return
	}
	send(ctx, out, llm.ErrorChunk(llm.NewProviderError("anthropic", model, errors.New("stream ended without message_stop"))))
}

func (p *anthropicProvider) convertMessages(messages []llm.ChatMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		// The Messages API has no mid-conversation system role;
		// synthetic observations ride the user side.
		if m.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(block))
		} else {
			result = append(result, anthropic.NewUserMessage(block))
		}
	}
	return result
}

func (p *anthropicProvider) convertTools(tools []llm.ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, errors.New("invalid schema for tool " + t.Name)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, errors.New("invalid tool definition for " + t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := llm.GetProviderError(err); ok {
		return err
	}
	pe := llm.NewProviderError("anthropic", model, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
				if payload.Error.Message != "" {
					pe.Message = payload.Error.Message
				}
				if payload.RequestID != "" {
					pe = pe.WithRequestID(payload.RequestID)
				}
			}
		}
	}
	return pe
}
