// Package openai adapts the OpenAI chat completions API to the providers.Provider
// contract: encoding content.Block messages (and tool definitions) into SDK
// params, and decoding SDK responses/stream events back into content blocks.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	params, err := p.buildChatCompletionParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func (p *Provider) buildChatCompletionParams(req *providers.Request) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		sdkMsgs, err := toSDKMessages(m)
		if err != nil {
			return openaiSDK.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, sdkMsgs...)
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.JSONMode {
		if len(req.OutputSchema) > 0 {
			params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   "output",
						Schema: rawSchema(req.OutputSchema),
						Strict: openaiSDK.Bool(true),
					},
				},
			}
		} else {
			params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]openaiSDK.ChatCompletionToolUnionParam, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openaiSDK.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaiSDK.String(t.Description),
				Parameters:  rawSchema(t.Parameters),
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func rawSchema(b []byte) map[string]interface{} {
	if len(b) == 0 {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	rawReq, _ := json.Marshal(params)
	rawResp, _ := json.Marshal(resp)
	cached := resp.Usage.PromptTokensDetails.CachedTokens > 0

	var blocks []content.Block
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			blocks = append(blocks, content.TextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			blocks = append(blocks, content.Block{
				Kind:        content.KindToolCall,
				ToolCallID:  tc.ID,
				ToolName:    tc.Function.Name,
				ToolRawArgs: []byte(tc.Function.Arguments),
			})
		}
	}

	return &providers.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: blocks,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		RawRequest:  string(rawReq),
		RawResponse: string(rawResp),
		Cached:      cached,
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)
	rawReq, _ := json.Marshal(params)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{TextDelta: c.Delta.Content}
			}

			for _, tc := range c.Delta.ToolCalls {
				ch <- providers.StreamChunk{
					ToolCallDelta: &providers.ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}

			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
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

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
	}, nil
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

// toSDKMessages converts one content.Message into one-or-more SDK chat
// messages: an assistant message with tool_calls plus any tool_result
// blocks in the same turn expand into distinct SDK messages (OpenAI expects
// each tool_result as its own "tool" role message).
func toSDKMessages(m content.Message) ([]openaiSDK.ChatCompletionMessageParamUnion, error) {
	var out []openaiSDK.ChatCompletionMessageParamUnion

	switch m.Role {
	case content.RoleSystem:
		out = append(out, openaiSDK.SystemMessage(m.FlatText()))
		return out, nil
	case content.RoleTool:
		for _, b := range m.Content {
			if b.Kind == content.KindToolResult {
				out = append(out, openaiSDK.ToolMessage(b.ToolResult, b.ToolResultID))
			}
		}
		return out, nil
	case content.RoleAssistant:
		msg := openaiSDK.AssistantMessage(m.FlatText())
		var toolCalls []openaiSDK.ChatCompletionMessageToolCallUnionParam
		for _, b := range m.Content {
			if b.Kind == content.KindToolCall {
				toolCalls = append(toolCalls, openaiSDK.ChatCompletionMessageFunctionToolCallParam{
					ID: b.ToolCallID,
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      b.ToolName,
						Arguments: string(b.ToolRawArgs),
					},
				}.ToUnion())
			}
		}
		if len(toolCalls) > 0 {
			msg.OfAssistant.ToolCalls = toolCalls
		}
		out = append(out, msg)
		return out, nil
	default: // user
		out = append(out, openaiSDK.UserMessage(m.FlatText()))
		return out, nil
	}
}
