// Package streaming normalizes provider stream chunks into the unified
// content-block model and re-emits them to clients as Server-Sent Events,
// both in the gateway's native frame shape and the OpenAI-compatible shape.
package streaming

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/providers"
)

// toolCallSlot accumulates one tool call's deltas by index. ID and Name are
// set on first appearance and never changed; Arguments only ever grows by
// concatenation — mid-stream renames are never allowed.
type toolCallSlot struct {
	id        string
	name      string
	arguments strings.Builder
}

// Aggregator reconstructs the final assistant message from a sequence of
// provider.StreamChunk values, the same transform applied whether or not
// the response is ultimately streamed to the client. A non-streamed call
// and a streamed call against the same request produce an identical
// aggregated message.
type Aggregator struct {
	text         strings.Builder
	thought      strings.Builder
	toolOrder    []int
	toolCalls    map[int]*toolCallSlot
	usage        providers.Usage
	finishReason string
	firstChunkAt time.Time
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{toolCalls: make(map[int]*toolCallSlot)}
}

// Apply folds one chunk into the aggregator's running state.
func (a *Aggregator) Apply(chunk providers.StreamChunk) {
	if a.firstChunkAt.IsZero() {
		a.firstChunkAt = time.Now()
	}
	if chunk.TextDelta != "" {
		a.text.WriteString(chunk.TextDelta)
	}
	if chunk.ThoughtDelta != "" {
		a.thought.WriteString(chunk.ThoughtDelta)
	}
	if chunk.ToolCallDelta != nil {
		d := chunk.ToolCallDelta
		slot, ok := a.toolCalls[d.Index]
		if !ok {
			slot = &toolCallSlot{}
			a.toolCalls[d.Index] = slot
			a.toolOrder = append(a.toolOrder, d.Index)
		}
		if slot.id == "" && d.ID != "" {
			slot.id = d.ID
		}
		if slot.name == "" && d.Name != "" {
			slot.name = d.Name
		}
		if d.Arguments != "" {
			slot.arguments.WriteString(d.Arguments)
		}
	}
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}
}

// Blocks returns the aggregated message as content blocks, in the order a
// non-streaming response would have produced: thought, then text, then tool
// calls in order of first appearance.
func (a *Aggregator) Blocks() []content.Block {
	var blocks []content.Block
	if a.thought.Len() > 0 {
		blocks = append(blocks, content.Block{Kind: content.KindThought, Text: a.thought.String()})
	}
	if a.text.Len() > 0 {
		blocks = append(blocks, content.TextBlock(a.text.String()))
	}
	for _, idx := range a.toolOrder {
		slot := a.toolCalls[idx]
		blocks = append(blocks, content.Block{
			Kind:        content.KindToolCall,
			ToolCallID:  slot.id,
			ToolName:    slot.name,
			ToolRawArgs: json.RawMessage(slot.arguments.String()),
		})
	}
	return blocks
}

// Usage returns the cumulative usage reported by the terminal chunk, if any.
func (a *Aggregator) Usage() providers.Usage { return a.usage }

// FinishReason returns the terminal chunk's finish reason, which may be empty.
func (a *Aggregator) FinishReason() string { return a.finishReason }

// FirstChunkAt returns when the first chunk was applied, the zero time if
// none has arrived yet.
func (a *Aggregator) FirstChunkAt() time.Time { return a.firstChunkAt }

// EstimatedOutputTokens approximates token count at ~4 characters per token
// for providers whose final chunk carries no usage block.
func (a *Aggregator) EstimatedOutputTokens() int {
	n := a.text.Len() / 4
	if n == 0 && a.text.Len() > 0 {
		n = 1
	}
	return n
}
