// Package providers defines the adapter contract every LLM backend
// implements (OpenAI, Anthropic, Gemini, Vertex AI, Bedrock, Mistral,
// Azure, and the generic OpenAI-compatible family) and the normalized
// request/response shapes that let internal/router treat all of them
// uniformly.
//
// Each provider lives in its own sub-package and implements Provider.
// Providers that support vector embeddings additionally implement
// EmbeddingProvider. A provider's job is exactly the adapter contract: inside
// Request, turn a Request's content blocks into the wire format its SDK or
// HTTP API expects, and turn what comes back into content blocks again
// (Response.Content, or StreamChunks on Response.Stream) — router and httpapi
// never see a provider-native type.
package providers

import (
	"context"
	"time"

	"github.com/tensorzero-go/gateway/internal/content"
)

type (
	// ToolCallDelta is the streaming-aggregation-friendly shape of one
	// tool-call fragment: Index identifies which tool call (in order of
	// first appearance) this delta belongs to; ID/Name normally only arrive
	// on the first delta for a given index, Arguments arrive incrementally
	// across many deltas and must be appended, not replaced.
	ToolCallDelta struct {
		Index     int
		ID        string
		Name      string
		Arguments string
	}

	// StreamChunk is a single incremental update delivered during a
	// streaming response. Exactly the fields relevant to what changed are
	// populated.
	StreamChunk struct {
		TextDelta     string
		ToolCallDelta *ToolCallDelta
		ThoughtDelta  string
		Usage         *Usage
		// FinishReason is non-empty only on the terminal chunk. Left empty
		// when a provider gives no confident signal rather than guessing.
		FinishReason string
	}

	// Message is a single turn in a conversation. This is an alias of
	// content.Message so provider adapters and the router share one
	// content-block vocabulary instead of each adapter inventing its own.
	Message = content.Message

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ToolDefinition is a tool made available to the model for this request.
	ToolDefinition struct {
		Name        string
		Description string
		Parameters  []byte // JSON Schema document, draft-07
	}

	// Request — normalized, provider-agnostic inference request built by
	// internal/router from a resolved variant + rendered templates.
	Request struct {
		Model        string
		Messages     []Message
		System       string
		Tools        []ToolDefinition
		Stream       bool
		Temperature  float64
		MaxTokens    int
		JSONMode     bool
		OutputSchema []byte // JSON Schema, when JSONMode is set

		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// Response — normalized provider response. Exactly one of Content or
	// Stream is populated.
	Response struct {
		ID      string
		Model   string
		Content []content.Block
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.

		// RawRequest/RawResponse are the wire-shaped (or closest available)
		// JSON the adapter sent/received, carried through unchanged to
		// ModelInferenceRecord so a failed or odd response can be inspected
		// after the fact. RawResponse is left empty for a streamed call —
		// the body arrives incrementally over Stream, not as one blob.
		RawRequest  string
		RawResponse string
		// TTFTMs is populated by the streaming pipeline once the first
		// chunk arrives; adapters leave it zero.
		TTFTMs uint32
		// Cached reports whether the provider served this call (in full or
		// in part) from its own prompt cache, per providers that expose
		// that signal (e.g. OpenAI's cached_tokens, Anthropic's
		// cache_read_input_tokens).
		Cached bool
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider adapter interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ProviderTimeout bounds every provider adapter's HTTP client.
const ProviderTimeout = 30 * time.Second

type StatusCoder interface {
	HTTPStatus() int
}
