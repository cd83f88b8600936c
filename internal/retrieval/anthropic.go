package retrieval

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	apperrors "kortex-backend/internal/errors"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// surface.
type AnthropicProvider struct {
	client anthropic.Client
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates a provider authenticated with apiKey.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Complete runs one Messages call, translating tool declarations and the
// conversation both ways.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema,
				},
			},
		})
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyProviderErr(err)
	}

	completion := &Completion{}
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			completion.Content += b.Text
		case anthropic.ToolUseBlock:
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.Input),
			})
		}
	}
	return completion, nil
}

func toAnthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: call.Arguments,
					},
				})
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCallID,
						IsError:   anthropic.Bool(msg.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: msg.Content}},
						},
					},
				}))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func classifyProviderErr(err error) error {
	var apiErr *anthropic.Error
	if stderrors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return apperrors.Wrap(apperrors.KindRateLimited, "retrieval.Complete", err)
		case 401, 403:
			return apperrors.Wrap(apperrors.KindAuth, "retrieval.Complete", err)
		}
		if apiErr.StatusCode >= 500 {
			return apperrors.Wrap(apperrors.KindTransient, "retrieval.Complete", err)
		}
	}
	return apperrors.Wrap(apperrors.KindTransient, "retrieval.Complete", err)
}
