package streaming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/tensorzero-go/gateway/internal/providers"
)

// nativeChunk is the wire shape of one `event: chunk` frame on the native
// /inference streaming response. inference_id and episode_id are stamped on
// every frame so a client can demultiplex concurrent streams.
type nativeChunk struct {
	InferenceID string              `json:"inference_id"`
	EpisodeID   string              `json:"episode_id,omitempty"`
	Text        string              `json:"text,omitempty"`
	Thought     string              `json:"thought,omitempty"`
	ToolCall    *providers.ToolCallDelta `json:"tool_call,omitempty"`
	Usage       *providers.Usage    `json:"usage,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
}

// WriteNative streams ch to the client as native `event: chunk` SSE frames,
// stamping every frame with the same inference/episode id, then aggregates
// the full response for the caller's onComplete callback (used to populate
// the ModelInference/ChatInference observability records even though the
// client only ever saw the incremental deltas).
func WriteNative(
	ctx *fasthttp.RequestCtx,
	inferenceID, episodeID string,
	ch <-chan providers.StreamChunk,
	onComplete func(agg *Aggregator),
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		agg := NewAggregator()
		for chunk := range ch {
			agg.Apply(chunk)

			frame := nativeChunk{
				InferenceID:  inferenceID,
				EpisodeID:    episodeID,
				Text:         chunk.TextDelta,
				Thought:      chunk.ThoughtDelta,
				ToolCall:     chunk.ToolCallDelta,
				Usage:        chunk.Usage,
				FinishReason: chunk.FinishReason,
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// Client disconnected mid-stream; stop draining the provider
				// channel here, the caller cancels the upstream call via ctx.
				return
			}
		}

		fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete(agg)
		}
	})
}

// openaiDelta is one `choices[0].delta` payload in an OpenAI-compatible
// streaming chunk.
type openaiDelta struct {
	Content   string                    `json:"content,omitempty"`
	ToolCalls []openaiToolCallDelta     `json:"tool_calls,omitempty"`
}

type openaiToolCallDelta struct {
	Index    int                   `json:"index"`
	ID       string                `json:"id,omitempty"`
	Type     string                `json:"type,omitempty"`
	Function openaiFunctionDelta   `json:"function"`
}

type openaiFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// WriteOpenAICompat streams ch as OpenAI chat-completions-shaped SSE chunks:
// text deltas as `delta.content`, tool-call deltas as `delta.tool_calls`
// with incremental `function.arguments`, per the OpenAI streaming contract.
func WriteOpenAICompat(
	ctx *fasthttp.RequestCtx,
	model string,
	ch <-chan providers.StreamChunk,
	onComplete func(agg *Aggregator),
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		agg := NewAggregator()
		for chunk := range ch {
			agg.Apply(chunk)

			delta := openaiDelta{Content: chunk.TextDelta}
			if chunk.ToolCallDelta != nil {
				d := chunk.ToolCallDelta
				tc := openaiToolCallDelta{Index: d.Index, Function: openaiFunctionDelta{Arguments: d.Arguments}}
				if d.ID != "" {
					tc.ID = d.ID
					tc.Type = "function"
				}
				if d.Name != "" {
					tc.Function.Name = d.Name
				}
				delta.ToolCalls = []openaiToolCallDelta{tc}
			}

			payload := map[string]any{
				"id":      "chatcmpl-" + model,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   model,
				"choices": []map[string]any{
					{
						"index":         0,
						"delta":         delta,
						"finish_reason": finishReasonOrNil(chunk.FinishReason),
					},
				},
			}
			data, _ := json.Marshal(payload)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete(agg)
		}
	})
}

func finishReasonOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
