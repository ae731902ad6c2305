// Package anthropic adapts the Anthropic Messages API to the
// providers.Provider contract, including tool use and extended-thinking
// ("thought") content blocks.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params := p.buildParams(req)

	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func (p *Provider) buildParams(req *providers.Request) anthropic.MessageNewParams {
	systemPrompt := req.System
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == content.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.FlatText()
			continue
		}
		msgs = append(msgs, toSDKMessage(m))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: toInputSchema(t.Parameters),
				},
			}
		}
		params.Tools = tools
	}

	return params
}

func toInputSchema(raw []byte) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{}
	if len(raw) == 0 {
		return schema
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schema
	}
	if props, ok := doc["properties"]; ok {
		schema.Properties = props
	}
	return schema
}

// toSDKMessage converts a user/assistant/tool content.Message into an
// Anthropic MessageParam, preserving tool_call/tool_result/thought blocks.
func toSDKMessage(m content.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if m.Role == content.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}

	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range m.Content {
		switch b.Kind {
		case content.KindText, content.KindRawText:
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfText: &anthropic.TextBlockParam{Text: b.Text},
			})
		case content.KindThought:
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfThinking: &anthropic.ThinkingBlockParam{
					Thinking:  b.Text,
					Signature: b.Signature,
				},
			})
		case content.KindToolCall:
			var input interface{}
			_ = json.Unmarshal(b.ToolRawArgs, &input)
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    b.ToolCallID,
					Name:  b.ToolName,
					Input: input,
				},
			})
		case content.KindToolResult:
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: b.ToolResultID,
					IsError:   anthropic.Bool(b.ToolError),
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: b.ToolResult}},
					},
				},
			})
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: m.FlatText()},
		})
	}

	return anthropic.MessageParam{Role: role, Content: blocks}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	rawReq, _ := json.Marshal(params)
	rawResp, _ := json.Marshal(msg)

	return &providers.Response{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: decodeBlocks(msg.Content),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		RawRequest:  string(rawReq),
		RawResponse: string(rawResp),
		Cached:      msg.Usage.CacheReadInputTokens > 0,
	}, nil
}

func decodeBlocks(sdkBlocks []anthropic.ContentBlockUnion) []content.Block {
	var blocks []content.Block
	for _, b := range sdkBlocks {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, content.TextBlock(v.Text))
		case anthropic.ThinkingBlock:
			blocks = append(blocks, content.Block{
				Kind:      content.KindThought,
				Text:      v.Thinking,
				Signature: v.Signature,
			})
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(v.Input)
			blocks = append(blocks, content.Block{
				Kind:        content.KindToolCall,
				ToolCallID:  v.ID,
				ToolName:    v.Name,
				ToolRawArgs: args,
			})
		}
	}
	return blocks
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)
	rawReq, _ := json.Marshal(params)

	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		// toolIndex tracks the running content-block index -> aggregated
		// tool call identity, since Anthropic only sends id/name on the
		// content_block_start event and arguments arrive incrementally via
		// input_json_delta events on the same index.
		toolIndex := map[int64]*providers.ToolCallDelta{}

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := eventVariant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolIndex[eventVariant.Index] = &providers.ToolCallDelta{
						Index: int(eventVariant.Index),
						ID:    tu.ID,
						Name:  tu.Name,
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{TextDelta: deltaVariant.Text}
					}
				case anthropic.ThinkingDelta:
					if deltaVariant.Thinking != "" {
						ch <- providers.StreamChunk{ThoughtDelta: deltaVariant.Thinking}
					}
				case anthropic.InputJSONDelta:
					if tc, ok := toolIndex[eventVariant.Index]; ok {
						ch <- providers.StreamChunk{
							ToolCallDelta: &providers.ToolCallDelta{
								Index:     tc.Index,
								Arguments: deltaVariant.PartialJSON,
							},
						}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- providers.StreamChunk{FinishReason: string(eventVariant.Delta.StopReason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				TextDelta:    fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.Response{Stream: ch, RawRequest: string(rawReq)}, nil
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
