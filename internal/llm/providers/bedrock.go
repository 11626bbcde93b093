package providers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

// BedrockFactory builds the AWS Bedrock backend. Credentials come from
// the ambient AWS chain (env, shared config, instance role); static keys
// are for isolated deployments only. No per-owner key is involved.
type BedrockFactory struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	once   sync.Once
	client *bedrockruntime.Client
	err    error
}

func (f *BedrockFactory) Name() string { return "bedrock" }

func (f *BedrockFactory) RequiresKey() bool { return false }

func (f *BedrockFactory) New(string) (llm.Provider, error) {
	f.once.Do(func() {
		region := f.Region
		if region == "" {
			region = "us-east-1"
		}
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
		if f.AccessKeyID != "" && f.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.AccessKeyID, f.SecretAccessKey, ""),
			))
		}
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			f.err = err
			return
		}
		f.client = bedrockruntime.NewFromConfig(cfg)
	})
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockProvider{client: f.client}, nil
}

type bedrockProvider struct {
	client *bedrockruntime.Client
}

func (p *bedrockProvider) Name() string { return "bedrock" }

func (p *bedrockProvider) Chat(ctx context.Context, payload *llm.Payload) (<-chan llm.Chunk, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(payload.ModelID),
		Messages: p.convertMessages(payload.Messages),
	}
	if payload.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: payload.System},
		}
	}
	inference := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens(payload))),
	}
	if payload.Params.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(payload.Params.Temperature))
	}
	input.InferenceConfig = inference
	if len(payload.Tools) > 0 {
		input.ToolConfig = p.convertTools(payload.Tools)
	}

	stream, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, llm.NewProviderError("bedrock", payload.ModelID, err)
	}

	out := make(chan llm.Chunk)
	go p.processStream(ctx, stream, out, payload.ModelID)
	return out, nil
}

func (p *bedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- llm.Chunk, model string) {
	defer close(out)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var (
		toolName  string
		toolInput strings.Builder
		inTool    bool
		usage     models.TokenUsage
		stop      string
	)

	// The metadata frame with usage counts arrives after messageStop, so
	// the terminal chunk is held until metadata or channel close.
	finish := func() llm.Chunk {
		reason := llm.FinishStop
		switch stop {
		case "max_tokens":
			reason = llm.FinishLength
		case "tool_use":
			reason = llm.FinishTool
		}
		return llm.Chunk{FinishReason: reason, Usage: &usage}
	}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					send(ctx, out, llm.ErrorChunk(llm.NewProviderError("bedrock", model, err)))
					return
				}
				send(ctx, out, finish())
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolName = aws.ToString(toolUse.Value.Name)
					toolInput.Reset()
					inTool = true
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						if !send(ctx, out, llm.Chunk{DeltaText: delta.Value}) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if inTool {
					envelope := llm.EncodeToolCall(toolName, json.RawMessage(toolInput.String()))
					if !send(ctx, out, llm.Chunk{DeltaText: envelope}) {
						return
					}
					inTool = false
					toolName = ""
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stop = string(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
				send(ctx, out, finish())
				return
			}
		}
	}
}

func (p *bedrockProvider) convertMessages(messages []llm.ChatMessage) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return result
}

func (p *bedrockProvider) convertTools(tools []llm.ToolDef) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
