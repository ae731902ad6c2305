package httpapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/ids"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/internal/providers"
	tzrouter "github.com/tensorzero-go/gateway/internal/router"
	"github.com/tensorzero-go/gateway/internal/streaming"
	"github.com/tensorzero-go/gateway/pkg/apierr"
)

// openaiMessage is one element of the OpenAI chat-completions `messages`
// array, including the gateway's `tensorzero_extra_content` extension for
// lossless round-tripping of thought/unknown blocks on assistant messages.
type openaiMessage struct {
	Role             string               `json:"role"`
	Content          string               `json:"content"`
	ExtraContent     content.ExtraContent `json:"tensorzero_extra_content,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openaiResponseFormat struct {
	Type       string `json:"type"` // text|json_object|json_schema
	JSONSchema struct {
		Name   string          `json:"name,omitempty"`
		Strict bool            `json:"strict,omitempty"`
		Schema json.RawMessage `json:"schema,omitempty"`
	} `json:"json_schema,omitempty"`
}

type openaiChatRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiMessage       `json:"messages"`
	Tools          []openaiTool          `json:"tools,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	StreamOptions  struct {
		IncludeUsage bool `json:"include_usage,omitempty"`
	} `json:"stream_options,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`

	// TensorZeroParams carries the `tensorzero::params` extension field,
	// e.g. {"chat_completion":{"json_mode":"tool"}}.
	TensorZeroParams *InferenceParams `json:"tensorzero::params,omitempty"`
}

// targetFromModel parses `tensorzero::function_name::X` or
// `tensorzero::model_name::X` into a RouteRequest's function/model field.
// Anything else is treated as a raw model name for direct routing.
func targetFromModel(model string) (functionName, modelName string) {
	const prefix = "tensorzero::"
	if !strings.HasPrefix(model, prefix) {
		return "", model
	}
	rest := strings.TrimPrefix(model, prefix)
	switch {
	case strings.HasPrefix(rest, "function_name::"):
		return strings.TrimPrefix(rest, "function_name::"), ""
	case strings.HasPrefix(rest, "model_name::"):
		return "", strings.TrimPrefix(rest, "model_name::")
	default:
		return "", model
	}
}

func (s *Server) handleOpenAIChatCompletions(ctx *fasthttp.RequestCtx) {
	var req openaiChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, apierr.KindValidation, "malformed request body", true, false)
		return
	}

	functionName, modelName := targetFromModel(req.Model)

	messages := make([]content.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks := m.ExtraContent.SpliceInto([]content.Block{content.TextBlock(m.Content)})
		messages = append(messages, content.Message{Role: content.Role(m.Role), Content: blocks})
	}

	pr := providers.Request{
		Messages:  messages,
		Stream:    req.Stream,
		RequestID: "",
	}
	if req.Temperature != nil {
		pr.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		pr.MaxTokens = *req.MaxTokens
	}
	if cc := req.TensorZeroParams; cc != nil && cc.ChatCompletion != nil {
		if m := cc.ChatCompletion.JSONMode; m != "" && m != "off" {
			pr.JSONMode = true
		}
	}
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "json_object":
			pr.JSONMode = true
		case "json_schema":
			pr.OutputSchema = req.ResponseFormat.JSONSchema.Schema
			pr.JSONMode = true
		}
	}
	for _, t := range req.Tools {
		pr.Tools = append(pr.Tools, providers.ToolDefinition{
			Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters,
		})
	}

	inferenceID := ids.NewInferenceID()
	pr.RequestID = inferenceID.String()

	rr := tzrouter.RouteRequest{
		FunctionName: functionName,
		ModelName:    modelName,
		Episode:      ids.NewEpisodeID(),
		Request:      pr,
	}

	result, err := s.router.Dispatch(ctx, s.gc, rr)
	if err != nil {
		s.writeDispatchError(ctx, err)
		return
	}

	if result.Response.Stream != nil {
		streaming.WriteOpenAICompat(ctx, req.Model, result.Response.Stream, func(agg *streaming.Aggregator) {
			if s.store == nil {
				return
			}
			usage := agg.Usage()
			s.store.LogChatInference(buildOpenAIChatRecord(inferenceID, rr.Episode, functionName, result.VariantName, req, agg.Blocks()))
			_ = usage
		})
		return
	}

	writeJSON(ctx, openAIChatResponse(req.Model, inferenceID.String(), result))

	if s.store != nil {
		s.store.LogChatInference(buildOpenAIChatRecord(inferenceID, rr.Episode, functionName, result.VariantName, req, result.Response.Content))
	}
}

func openAIChatResponse(model, id string, result *tzrouter.RouteResult) map[string]any {
	var text string
	var toolCalls []map[string]any
	var extra content.ExtraContent
	for i, b := range result.Response.Content {
		switch b.Kind {
		case content.KindText:
			text += b.Text
		case content.KindToolCall:
			toolCalls = append(toolCalls, map[string]any{
				"id":   b.ToolCallID,
				"type": "function",
				"function": map[string]any{
					"name":      b.ToolName,
					"arguments": string(b.ToolRawArgs),
				},
			})
		case content.KindThought, content.KindUnknown:
			// Doesn't fit the OpenAI message schema; carried on the side so a
			// follow-up turn can splice it back at this same position.
			extra.Items = append(extra.Items, content.ExtraContentItem{InsertIndex: i, Block: b})
		}
	}

	message := map[string]any{"role": "assistant", "content": text}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	if len(extra.Items) > 0 {
		message["tensorzero_extra_content"] = extra
	}

	return map[string]any{
		"id":      "chatcmpl-" + id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "message": message, "finish_reason": "stop"},
		},
		"usage": map[string]any{
			"prompt_tokens":     result.Response.Usage.InputTokens,
			"completion_tokens": result.Response.Usage.OutputTokens,
			"total_tokens":      result.Response.Usage.InputTokens + result.Response.Usage.OutputTokens,
		},
	}
}

func buildOpenAIChatRecord(inferenceID ids.InferenceID, episodeID ids.EpisodeID, functionName, variantName string, req openaiChatRequest, blocks []content.Block) observability.ChatInferenceRecord {
	inputJSON, _ := json.Marshal(req.Messages)
	outputJSON, _ := json.Marshal(blocks)
	return observability.ChatInferenceRecord{
		ID: inferenceID, FunctionName: functionName, VariantName: variantName,
		EpisodeID: episodeID, Input: string(inputJSON), Output: string(outputJSON),
		CreatedAt: time.Now(),
	}
}
