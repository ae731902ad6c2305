// Package observability writes inference and feedback records to the
// analytical store (ClickHouse), generalizing the teacher's batched
// async request logger from a single flat request-log table to the nine
// append-only tables an inference gateway needs: two inference tables (one
// per function type), a per-provider-attempt model inference table, four
// feedback tables, and two dataset-curation tables.
package observability

import (
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tensorzero-go/gateway/internal/ids"
)

// record is implemented by every row type this package can write. table
// names the destination and appendTo pushes exactly one row's worth of
// column values onto an already-prepared batch for that table.
type record interface {
	table() string
	appendTo(batch driver.Batch) error
}

// ChatInferenceRecord is one /inference call against a chat function.
type ChatInferenceRecord struct {
	ID              ids.InferenceID
	FunctionName    string
	VariantName     string
	EpisodeID       ids.EpisodeID
	Input           string // JSON-encoded resolved input messages
	Output          string // JSON-encoded content blocks
	ToolParams      string // JSON-encoded tool config snapshot, may be empty
	InferenceParams string // JSON-encoded per-call overrides
	ProcessingTimeMs uint32
	Tags            map[string]string
	CreatedAt       time.Time
}

func (ChatInferenceRecord) table() string { return "ChatInference" }

func (r ChatInferenceRecord) appendTo(batch driver.Batch) error {
	return batch.Append(
		r.ID.String(), r.FunctionName, r.VariantName, r.EpisodeID.String(),
		r.Input, r.Output, r.ToolParams, r.InferenceParams,
		r.ProcessingTimeMs, r.Tags, normalize(r.CreatedAt),
	)
}

// JsonInferenceRecord is one /inference call against a json function.
type JsonInferenceRecord struct {
	ID               ids.InferenceID
	FunctionName     string
	VariantName      string
	EpisodeID        ids.EpisodeID
	Input            string
	Output           string // JSON-encoded {raw, parsed}
	OutputSchema     string
	InferenceParams  string
	ProcessingTimeMs uint32
	Tags             map[string]string
	CreatedAt        time.Time
}

func (JsonInferenceRecord) table() string { return "JsonInference" }

func (r JsonInferenceRecord) appendTo(batch driver.Batch) error {
	return batch.Append(
		r.ID.String(), r.FunctionName, r.VariantName, r.EpisodeID.String(),
		r.Input, r.Output, r.OutputSchema, r.InferenceParams,
		r.ProcessingTimeMs, r.Tags, normalize(r.CreatedAt),
	)
}

// ModelInferenceRecord is one physical provider attempt underlying an
// inference — the durable counterpart of a router.AttemptRecord. A
// request that retried twice before succeeding writes three of these rows
// against one ChatInference/JsonInference row.
type ModelInferenceRecord struct {
	ID              ids.ModelInferenceID
	InferenceID     ids.InferenceID
	RawRequest      string
	RawResponse     string
	ModelName       string
	ProviderName    string
	InputTokens     uint32
	OutputTokens    uint32
	ResponseTimeMs  uint32
	TTFTMs          uint32 // 0 when not streamed or not measured
	Cached          bool
	Retryable       bool
	CreatedAt       time.Time
}

func (ModelInferenceRecord) table() string { return "ModelInference" }

func (r ModelInferenceRecord) appendTo(batch driver.Batch) error {
	return batch.Append(
		r.ID.String(), r.InferenceID.String(), r.RawRequest, r.RawResponse,
		r.ModelName, r.ProviderName, r.InputTokens, r.OutputTokens,
		r.ResponseTimeMs, r.TTFTMs, r.Cached, r.Retryable, normalize(r.CreatedAt),
	)
}

// BooleanMetricFeedbackRecord is one boolean-metric feedback submission.
type BooleanMetricFeedbackRecord struct {
	ID         ids.FeedbackID
	TargetID   string // inference_id or episode_id, per the metric's level
	MetricName string
	Value      bool
	Tags       map[string]string
	CreatedAt  time.Time
}

func (BooleanMetricFeedbackRecord) table() string { return "BooleanMetricFeedback" }

func (r BooleanMetricFeedbackRecord) appendTo(batch driver.Batch) error {
	return batch.Append(r.ID.String(), r.TargetID, r.MetricName, r.Value, r.Tags, normalize(r.CreatedAt))
}

// FloatMetricFeedbackRecord is one float-metric feedback submission.
type FloatMetricFeedbackRecord struct {
	ID         ids.FeedbackID
	TargetID   string
	MetricName string
	Value      float64
	Tags       map[string]string
	CreatedAt  time.Time
}

func (FloatMetricFeedbackRecord) table() string { return "FloatMetricFeedback" }

func (r FloatMetricFeedbackRecord) appendTo(batch driver.Batch) error {
	return batch.Append(r.ID.String(), r.TargetID, r.MetricName, r.Value, r.Tags, normalize(r.CreatedAt))
}

// CommentFeedbackRecord is free-text feedback against an inference or episode.
type CommentFeedbackRecord struct {
	ID         ids.FeedbackID
	TargetID   string
	TargetType string // inference|episode
	Value      string
	Tags       map[string]string
	CreatedAt  time.Time
}

func (CommentFeedbackRecord) table() string { return "CommentFeedback" }

func (r CommentFeedbackRecord) appendTo(batch driver.Batch) error {
	return batch.Append(r.ID.String(), r.TargetID, r.TargetType, r.Value, r.Tags, normalize(r.CreatedAt))
}

// DemonstrationFeedbackRecord is a human-provided corrected output for an
// inference, used both as feedback and as a source for dataset curation.
type DemonstrationFeedbackRecord struct {
	ID          ids.FeedbackID
	InferenceID ids.InferenceID
	Value       string // JSON-encoded demonstrated output
	Tags        map[string]string
	CreatedAt   time.Time
}

func (DemonstrationFeedbackRecord) table() string { return "DemonstrationFeedback" }

func (r DemonstrationFeedbackRecord) appendTo(batch driver.Batch) error {
	return batch.Append(r.ID.String(), r.InferenceID.String(), r.Value, r.Tags, normalize(r.CreatedAt))
}

// ChatInferenceDatapointRecord is one curated example in a dataset derived
// from a chat function's inference history.
type ChatInferenceDatapointRecord struct {
	ID           ids.DatapointID
	DatasetName  string
	FunctionName string
	Input        string
	Output       string
	Tags         map[string]string
	IsDeleted    bool
	CreatedAt    time.Time
}

func (ChatInferenceDatapointRecord) table() string { return "ChatInferenceDatapoint" }

func (r ChatInferenceDatapointRecord) appendTo(batch driver.Batch) error {
	return batch.Append(
		r.ID.String(), r.DatasetName, r.FunctionName, r.Input, r.Output,
		r.Tags, r.IsDeleted, normalize(r.CreatedAt),
	)
}

// JsonInferenceDatapointRecord is the json-function counterpart, additionally
// carrying the output schema the curated output must satisfy.
type JsonInferenceDatapointRecord struct {
	ID           ids.DatapointID
	DatasetName  string
	FunctionName string
	Input        string
	Output       string
	OutputSchema string
	Tags         map[string]string
	IsDeleted    bool
	CreatedAt    time.Time
}

func (JsonInferenceDatapointRecord) table() string { return "JsonInferenceDatapoint" }

func (r JsonInferenceDatapointRecord) appendTo(batch driver.Batch) error {
	return batch.Append(
		r.ID.String(), r.DatasetName, r.FunctionName, r.Input, r.Output, r.OutputSchema,
		r.Tags, r.IsDeleted, normalize(r.CreatedAt),
	)
}

func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
