// Package httpapi exposes the gateway's native HTTP surface
// (/inference, /feedback, /inference/{id}, /episode/{id},
// /datasets/{name}/datapoints) plus the OpenAI-compatible shim, generalizing
// the teacher's OpenAI-only router and gateway handlers to the function/
// variant model.
package httpapi

import (
	"encoding/json"

	"github.com/tensorzero-go/gateway/internal/content"
)

// InferenceInput is the function-call input: an optional system block and
// the conversation messages, per the native /inference request body.
type InferenceInput struct {
	System   json.RawMessage   `json:"system,omitempty"`
	Messages []content.Message `json:"messages"`
}

// ChatCompletionParams carries per-call overrides for a chat_completion
// variant. Zero values mean "use the variant's configured default".
type ChatCompletionParams struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Seed          *int64   `json:"seed,omitempty"`
	JSONMode      string   `json:"json_mode,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// InferenceParams groups per-function-type overrides; only the field
// matching the target function's type is read.
type InferenceParams struct {
	ChatCompletion *ChatCompletionParams `json:"chat_completion,omitempty"`
}

// ToolOverrides lets a single /inference call add tools to the function's
// configured tool list for one invocation.
type ToolOverrides struct {
	Tools             []ToolDef `json:"tools,omitempty"`
	ToolChoice        string    `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool     `json:"parallel_tool_calls,omitempty"`
}

// ToolDef is one ad hoc tool passed in a request instead of referencing a
// config-defined tool by name.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// CacheOptions controls per-request cache lookup/population behavior.
type CacheOptions struct {
	Enabled bool   `json:"enabled"`
	MaxAge  int64  `json:"max_age_s,omitempty"`
	Lookup  string `json:"lookup,omitempty"` // "read_write" (default) | "read_only" | "write_only" | "off"
}

// InferenceRequest is the native POST /inference body. Exactly one of
// FunctionName/ModelName must be set.
type InferenceRequest struct {
	FunctionName string          `json:"function_name,omitempty"`
	ModelName    string          `json:"model_name,omitempty"`
	EpisodeID    string          `json:"episode_id,omitempty"`
	Input        InferenceInput  `json:"input"`
	Stream       bool            `json:"stream,omitempty"`
	VariantName  string          `json:"variant_name,omitempty"`
	Dryrun       bool            `json:"dryrun,omitempty"`
	Params       InferenceParams `json:"params,omitempty"`
	ToolOverrides *ToolOverrides `json:"tool_overrides,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	CacheOptions *CacheOptions   `json:"cache_options,omitempty"`

	IncludeOriginalResponse bool `json:"include_original_response,omitempty"`
	IncludeRawUsage         bool `json:"include_raw_usage,omitempty"`
}

// UsageResponse is the normalized token accounting returned to clients.
type UsageResponse struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// InferenceResponse is the native POST /inference response body.
type InferenceResponse struct {
	InferenceID     string          `json:"inference_id"`
	EpisodeID       string          `json:"episode_id"`
	VariantName     string          `json:"variant_name"`
	Output          []content.Block `json:"output,omitempty"`
	ParsedOutput    json.RawMessage `json:"parsed_output,omitempty"`
	Usage           UsageResponse   `json:"usage"`
	OriginalResponse json.RawMessage `json:"original_response,omitempty"`
}

// FeedbackRequest is the POST /feedback body. Exactly one of InferenceID/
// EpisodeID should be set, consistent with the target metric's configured
// level.
type FeedbackRequest struct {
	MetricName  string          `json:"metric_name"`
	InferenceID string          `json:"inference_id,omitempty"`
	EpisodeID   string          `json:"episode_id,omitempty"`
	Value       json.RawMessage `json:"value"`
	Tags        map[string]string `json:"tags,omitempty"`
	Dryrun      bool            `json:"dryrun,omitempty"`
}

// FeedbackResponse is the POST /feedback response body.
type FeedbackResponse struct {
	FeedbackID string `json:"feedback_id"`
}

// DatapointInsert is one element of the POST /datasets/{name}/datapoints
// bulk-insert body.
type DatapointInsert struct {
	FunctionName string            `json:"function_name"`
	FunctionType string            `json:"function_type"` // chat|json
	Input        InferenceInput    `json:"input"`
	Output       json.RawMessage   `json:"output,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// DatapointsRequest is the POST /datasets/{name}/datapoints body.
type DatapointsRequest struct {
	Datapoints []DatapointInsert `json:"datapoints"`
}

// DatapointsResponse reports the minted id for each inserted datapoint, in
// the same order as the request.
type DatapointsResponse struct {
	DatapointIDs []string `json:"datapoint_ids"`
}
