package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIFactory builds the OpenAI backend. BaseURL overrides the API
// host for compatible gateways.
type OpenAIFactory struct {
	BaseURL string
}

func (f *OpenAIFactory) Name() string { return "openai" }

func (f *OpenAIFactory) RequiresKey() bool { return true }

func (f *OpenAIFactory) New(apiKey string) (llm.Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if f.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(f.BaseURL, "/")
	}
	return &openaiProvider{client: openai.NewClientWithConfig(cfg)}, nil
}

type openaiProvider struct {
	client *openai.Client
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Chat(ctx context.Context, payload *llm.Payload) (<-chan llm.Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:         payload.ModelID,
		Messages:      p.convertMessages(payload),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if payload.Params.MaxTokens > 0 {
		req.MaxTokens = payload.Params.MaxTokens
	}
	if payload.Params.Temperature > 0 {
		req.Temperature = float32(payload.Params.Temperature)
	}
	if len(payload.Tools) > 0 {
		req.Tools = openAITools(payload.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.wrapError(err, payload.ModelID)
	}

	out := make(chan llm.Chunk)
	go p.processStream(ctx, stream, out, payload.ModelID)
	return out, nil
}

// pendingCall accumulates one tool call across stream chunks. OpenAI
// fragments the arguments JSON and keys fragments by call index.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *openaiProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- llm.Chunk, model string) {
	defer close(out)
	defer stream.Close()

	calls := make(map[int]*pendingCall)
	var usage *models.TokenUsage
	finish := llm.FinishStop

	flushCalls := func() bool {
		if len(calls) == 0 {
			return true
		}
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			if call.name == "" {
				continue
			}
			envelope := llm.EncodeToolCall(call.name, json.RawMessage(call.args.String()))
			if !send(ctx, out, llm.Chunk{DeltaText: envelope}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		return true
	}

	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushCalls() {
					return
				}
				send(ctx, out, llm.Chunk{FinishReason: finish, Usage: usage})
				return
			}
			send(ctx, out, llm.ErrorChunk(p.wrapError(err, model)))
			return
		}

		// The usage frame arrives after the last choice, with an empty
		// choice list.
		if resp.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, out, llm.Chunk{DeltaText: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finish = llm.FinishTool
			if !flushCalls() {
				return
			}
		case openai.FinishReasonLength:
			finish = llm.FinishLength
		case openai.FinishReasonContentFilter:
			send(ctx, out, llm.ErrorChunk((&llm.ProviderError{
				Reason:   llm.FailoverContentFilter,
				Provider: "openai",
				Model:    model,
				Message:  "completion blocked by content filter",
			})))
			return
		}
	}
}

func (p *openaiProvider) convertMessages(payload *llm.Payload) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(payload.Messages)+1)
	if payload.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: payload.System,
		})
	}
	for _, m := range payload.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func (p *openaiProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := llm.GetProviderError(err); ok {
		return err
	}
	pe := llm.NewProviderError("openai", model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok {
			pe = pe.WithCode(code)
		}
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
	}
	return pe
}
