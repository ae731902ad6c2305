package main

// End-to-end round-trip tests: each real provider adapter is pointed at this
// package's own mock HTTP handler via the adapter's base-URL override, so the
// full encode -> HTTP -> decode path is exercised without a live credential.
// This is what keeps the mock handlers themselves wired into the module:
// nothing else in the gateway imports mock/providers (it's a standalone
// load-test binary), so this test is the only consumer that proves the
// handlers still match what the adapters actually send.

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/providers"
	"github.com/tensorzero-go/gateway/internal/providers/anthropic"
	"github.com/tensorzero-go/gateway/internal/providers/mistral"
	"github.com/tensorzero-go/gateway/internal/providers/openai"
	"github.com/tensorzero-go/gateway/internal/providers/openaicompat"
)

func testRequest() *providers.Request {
	return &providers.Request{
		RequestID: "e2e-1",
		Model:     "mock-model",
		Messages: []content.Message{
			{Role: content.RoleUser, Content: []content.Block{content.TextBlock("ping")}},
		},
	}
}

func TestE2E_OpenAI_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 5}))
	defer srv.Close()

	p := openai.New("test-key", openai.WithBaseURL(srv.URL+"/v1"))
	resp, err := p.Request(context.Background(), testRequest())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.Content)
	assert.NotEmpty(t, resp.RawRequest)
	assert.NotEmpty(t, resp.RawResponse)
	assert.Positive(t, resp.Usage.OutputTokens)
}

func TestE2E_OpenAI_Streaming(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 5}))
	defer srv.Close()

	p := openai.New("test-key", openai.WithBaseURL(srv.URL+"/v1"))
	req := testRequest()
	req.Stream = true
	resp, err := p.Request(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	assert.NotEmpty(t, resp.RawRequest)

	var sawDelta bool
	for chunk := range resp.Stream {
		if chunk.TextDelta != "" {
			sawDelta = true
		}
	}
	assert.True(t, sawDelta, "expected at least one text delta from the mock stream")
}

func TestE2E_OpenAICompat_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(newOpenAIHandler(Config{StreamWords: 5}))
	defer srv.Close()

	p := openaicompat.New("mock-compat", "test-key", srv.URL+"/v1")
	resp, err := p.Request(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.NotEmpty(t, resp.RawRequest)
	assert.NotEmpty(t, resp.RawResponse)
}

func TestE2E_Anthropic_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(newAnthropicHandler(Config{StreamWords: 5}))
	defer srv.Close()

	p := anthropic.New("test-key", anthropic.WithBaseURL(srv.URL+"/v1"))
	resp, err := p.Request(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.NotEmpty(t, resp.RawRequest)
	assert.NotEmpty(t, resp.RawResponse)
	assert.Positive(t, resp.Usage.InputTokens)
}

func TestE2E_Mistral_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(newMistralHandler(Config{StreamWords: 5}))
	defer srv.Close()

	p := mistral.New("test-key", mistral.WithBaseURL(srv.URL+"/v1"))
	resp, err := p.Request(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.NotEmpty(t, resp.RawRequest)
	assert.NotEmpty(t, resp.RawResponse)
	var gotText bool
	for _, b := range resp.Content {
		if b.Kind == content.KindText && strings.TrimSpace(b.Text) != "" {
			gotText = true
		}
	}
	assert.True(t, gotText)
}

func TestE2E_Mistral_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(newMistralHandler(Config{StreamWords: 5, ErrorRate: 1}))
	defer srv.Close()

	p := mistral.New("test-key", mistral.WithBaseURL(srv.URL+"/v1"))
	_, err := p.Request(context.Background(), testRequest())
	require.Error(t, err)
	var statusErr providers.StatusCoder
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.HTTPStatus())
}
