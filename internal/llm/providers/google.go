package providers

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/genai"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// GoogleFactory builds the Gemini backend over the public Gemini API.
type GoogleFactory struct{}

func (f *GoogleFactory) Name() string { return "google" }

func (f *GoogleFactory) RequiresKey() bool { return true }

func (f *GoogleFactory) New(apiKey string) (llm.Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google: api key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &googleProvider{client: client}, nil
}

type googleProvider struct {
	client *genai.Client
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Chat(ctx context.Context, payload *llm.Payload) (<-chan llm.Chunk, error) {
	contents := p.convertMessages(payload.Messages)
	config := &genai.GenerateContentConfig{}
	if payload.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: payload.System}},
		}
	}
	config.MaxOutputTokens = int32(maxTokens(payload))
	if payload.Params.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(payload.Params.Temperature))
	}
	if len(payload.Tools) > 0 {
		config.Tools = p.convertTools(payload.Tools)
	}

	stream := p.client.Models.GenerateContentStream(ctx, payload.ModelID, contents, config)

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)

		var usage models.TokenUsage
		sawTool := false
		finish := llm.FinishStop

		for resp, err := range stream {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				send(ctx, out, llm.ErrorChunk(llm.NewProviderError("google", payload.ModelID, err)))
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				switch string(candidate.FinishReason) {
				case "MAX_TOKENS":
					finish = llm.FinishLength
				case "SAFETY", "PROHIBITED_CONTENT":
					send(ctx, out, llm.ErrorChunk((&llm.ProviderError{
						Reason:   llm.FailoverContentFilter,
						Provider: "google",
						Model:    payload.ModelID,
						Message:  "completion blocked by safety filter",
					})))
					return
				}
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if !send(ctx, out, llm.Chunk{DeltaText: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						args, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							args = []byte("{}")
						}
						envelope := llm.EncodeToolCall(part.FunctionCall.Name, args)
						if !send(ctx, out, llm.Chunk{DeltaText: envelope}) {
							return
						}
						sawTool = true
					}
				}
			}
		}

		if sawTool && finish == llm.FinishStop {
			finish = llm.FinishTool
		}
		send(ctx, out, llm.Chunk{FinishReason: finish, Usage: &usage})
	}()
	return out, nil
}

func (p *googleProvider) convertMessages(messages []llm.ChatMessage) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		// Gemini knows only user and model roles; synthetic system
		// observations ride the user side.
		role := genai.RoleUser
		if m.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return result
}

func (p *googleProvider) convertTools(tools []llm.ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(t.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  geminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema fragment into Gemini's typed form.
// Only the subset the tool catalog emits is mapped.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		switch t {
		case "object":
			schema.Type = genai.TypeObject
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		case "array":
			schema.Type = genai.TypeArray
		}
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}
