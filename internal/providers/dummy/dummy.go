// Package dummy implements a deterministic provider.Provider test double —
// no network calls, no credentials — used for local development and for
// exercising the router's retry/fallback FSM without hitting a real
// upstream. Model names with recognized suffixes trigger canned failure
// modes so tests can drive every branch of the router's retry/fallback FSM.
package dummy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/providers"
)

const providerName = "dummy"

// Provider is the deterministic test-double adapter.
type Provider struct {
	name string
}

// New creates a dummy Provider. name overrides the default "dummy" label,
// letting a model's routing list register several distinctly-named dummy
// providers (e.g. "flaky", "reliable") for fallback testing.
func New(name string) *Provider {
	if name == "" {
		name = providerName
	}
	return &Provider{name: name}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error { return nil }

// ProviderError reports a synthetic failure, implementing providers.StatusCoder
// so the router's retryable/fatal classification exercises the same path a
// real provider's HTTP error would.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string    { return fmt.Sprintf("dummy: %s (status=%d)", e.Message, e.StatusCode) }
func (e *ProviderError) HTTPStatus() int  { return e.StatusCode }

// Request synthesizes a response from the request content instead of
// calling out to a network. Model name suffixes select canned behavior:
//
//	*_error_503   — always returns a retryable 503
//	*_error_400   — always returns a fatal 400
//	*_slow        — sleeps 50ms then succeeds, for timeout-path tests
//	everything else — echoes the flattened input text back as a completion
func (p *Provider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	switch {
	case strings.HasSuffix(req.Model, "_error_503"):
		return nil, &ProviderError{StatusCode: 503, Message: "dummy: synthetic retryable failure"}
	case strings.HasSuffix(req.Model, "_error_400"):
		return nil, &ProviderError{StatusCode: 400, Message: "dummy: synthetic fatal failure"}
	case strings.HasSuffix(req.Model, "_slow"):
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var input strings.Builder
	for _, m := range req.Messages {
		input.WriteString(m.FlatText())
	}

	if req.Stream {
		return p.handleStreaming(input.String()), nil
	}

	return &providers.Response{
		ID:          "dummy-" + req.RequestID,
		Model:       req.Model,
		Content:     []content.Block{content.TextBlock("echo: " + input.String())},
		Usage:       providers.Usage{InputTokens: len(input.String()) / 4, OutputTokens: 3},
		RawRequest:  fmt.Sprintf(`{"model":%q,"input":%q}`, req.Model, input.String()),
		RawResponse: fmt.Sprintf(`{"echo":%q}`, input.String()),
	}, nil
}

func (p *Provider) handleStreaming(input string) *providers.Response {
	ch := make(chan providers.StreamChunk, 4)
	go func() {
		defer close(ch)
		ch <- providers.StreamChunk{TextDelta: "echo: "}
		ch <- providers.StreamChunk{TextDelta: input}
		ch <- providers.StreamChunk{FinishReason: "stop", Usage: &providers.Usage{InputTokens: len(input) / 4, OutputTokens: 3}}
	}()
	return &providers.Response{Stream: ch}
}
