package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// bedrockStreamAPI abstracts the Bedrock runtime for testability. Requests
// are SigV4-signed by the SDK's credential chain.
type bedrockStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockAdapter implements Adapter via the AWS Bedrock Converse API. It
// serves both Anthropic models and direct (non-Anthropic) Bedrock models;
// the Converse API normalizes their differences.
type BedrockAdapter struct {
	client bedrockStreamAPI
	logger *slog.Logger
}

// NewBedrockAdapter creates a Bedrock adapter using the default AWS
// credential chain.
func NewBedrockAdapter(ctx context.Context, ep config.ProviderEndpoint, logger *slog.Logger) (*BedrockAdapter, error) {
	region := ep.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockAdapter{
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// newBedrockAdapterWithClient creates a BedrockAdapter with an injected
// client (for testing).
func newBedrockAdapterWithClient(client bedrockStreamAPI, logger *slog.Logger) *BedrockAdapter {
	return &BedrockAdapter{client: client, logger: logger}
}

// Name implements Adapter.
func (a *BedrockAdapter) Name() string { return domain.ProviderBedrock }

// StreamChat implements Adapter.
func (a *BedrockAdapter) StreamChat(ctx context.Context, req Request) (<-chan Chunk, error) {
	input := toBedrockStreamInput(req)

	output, err := a.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		// Tool-use input arrives as string fragments; assemble per block.
		var pendingTool *domain.ToolCall
		var pendingArgs strings.Builder

		flushTool := func() *Chunk {
			if pendingTool == nil {
				return nil
			}
			tc := *pendingTool
			args := pendingArgs.String()
			if args == "" {
				args = "{}"
			}
			tc.Arguments = json.RawMessage(args)
			pendingTool = nil
			pendingArgs.Reset()
			return &Chunk{ToolCalls: []domain.ToolCall{tc}}
		}

		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for evt := range stream.Events() {
			switch e := evt.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					pendingTool = &domain.ToolCall{
						ID:   aws.ToString(start.Value.ToolUseId),
						Name: aws.ToString(start.Value.Name),
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch d := e.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if !send(Chunk{Text: d.Value}) {
						return
					}
				case *types.ContentBlockDeltaMemberToolUse:
					pendingArgs.WriteString(aws.ToString(d.Value.Input))
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if c := flushTool(); c != nil {
					if !send(*c) {
						return
					}
				}

			case *types.ConverseStreamOutputMemberMetadata:
				final := Chunk{Done: true}
				if e.Value.Usage != nil {
					in := int(aws.ToInt32(e.Value.Usage.InputTokens))
					out := int(aws.ToInt32(e.Value.Usage.OutputTokens))
					final.Usage = &domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
				}
				send(final)
				return

			case *types.ConverseStreamOutputMemberMessageStop:
				// Metadata follows with usage; keep reading.
			}
		}

		if err := stream.Err(); err != nil {
			send(Chunk{Err: mapBedrockError(err)})
			return
		}
		send(Chunk{Done: true})
	}()

	return ch, nil
}

func toBedrockStreamInput(req Request) *bedrockruntime.ConverseStreamInput {
	shaped := shapeMessages(req.Model, req.Messages)

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model.ID),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}
	if req.TopP > 0 {
		input.InferenceConfig.TopP = aws.Float32(float32(req.TopP))
	}

	for _, m := range shaped {
		if m.Role == domain.RoleSystem {
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Text()})
			continue
		}
		if msg := toBedrockMessage(m); msg != nil {
			input.Messages = append(input.Messages, *msg)
		}
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(req.Tools, req.ToolChoice)
	}

	if reasoningApplies(req) {
		budget := 1024
		switch reasoningLevel(req) {
		case "medium":
			budget = 4096
		case "high":
			budget = 16384
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		})
	}

	return input
}

func toBedrockMessage(m domain.Message) *types.Message {
	msg := &types.Message{}

	switch m.Role {
	case domain.RoleTool:
		msg.Role = types.ConversationRoleUser
		msg.Content = []types.ContentBlock{
			&types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: m.Content},
					},
				},
			},
		}

	case domain.RoleAssistant:
		msg.Role = types.ConversationRoleAssistant
		if text := m.Text(); text != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: text})
		}
		for _, tc := range m.ToolCalls {
			var inputDoc map[string]any
			if len(tc.Arguments) > 0 {
				json.Unmarshal(tc.Arguments, &inputDoc)
			}
			if inputDoc == nil {
				inputDoc = map[string]any{}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

	case domain.RoleUser:
		msg.Role = types.ConversationRoleUser
		if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				switch p.Type {
				case "image_url":
					if img := toBedrockImageBlock(p.ImageURL.URL); img != nil {
						msg.Content = append(msg.Content, img)
					}
				default:
					msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: p.Text})
				}
			}
		} else {
			msg.Content = []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}}
		}

	default:
		return nil
	}

	return msg
}

// toBedrockImageBlock converts a data: URI into a Converse image block.
// Remote URLs are not fetched here; image sources are inlined upstream.
func toBedrockImageBlock(dataURI string) types.ContentBlock {
	mediaType, raw, ok := decodeDataURI(dataURI)
	if !ok {
		return nil
	}
	format := types.ImageFormatPng
	switch mediaType {
	case "image/jpeg":
		format = types.ImageFormatJpeg
	case "image/gif":
		format = types.ImageFormatGif
	case "image/webp":
		format = types.ImageFormatWebp
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: raw},
		},
	}
}

func toBedrockToolConfig(tools []domain.ToolSchema, choice domain.ToolChoice) *types.ToolConfiguration {
	var bedrockTools []types.Tool
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}

	cfg := &types.ToolConfiguration{Tools: bedrockTools}
	if choice == domain.ToolChoiceAuto {
		cfg.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	}
	return cfg
}

// mapBedrockError translates smithy API errors into domain sentinels.
func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
		case code == "ValidationException" && strings.Contains(strings.ToLower(msg), "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		}
	}
	if DetectOverflow(0, msg).IsOverflow {
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
	}

	return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
}

// Compile-time interface check.
var _ Adapter = (*BedrockAdapter)(nil)
