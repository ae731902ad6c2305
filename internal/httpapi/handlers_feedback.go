package httpapi

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/tensorzero-go/gateway/internal/ids"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/pkg/apierr"
)

func (s *Server) handleFeedback(ctx *fasthttp.RequestCtx) {
	var req FeedbackRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, apierr.KindValidation, "malformed request body", true, false)
		return
	}
	if req.MetricName == "" {
		apierr.WriteKind(ctx, apierr.KindValidation, "metric_name is required", true, false)
		return
	}
	if (req.InferenceID == "") == (req.EpisodeID == "") {
		apierr.WriteKind(ctx, apierr.KindValidation, "exactly one of inference_id or episode_id is required", true, false)
		return
	}

	metric, ok := s.gc.Metrics[req.MetricName]
	if !ok {
		apierr.WriteKind(ctx, apierr.KindConfig, "unknown metric "+req.MetricName, true, false)
		return
	}

	targetID := req.InferenceID
	targetType := "inference"
	if req.EpisodeID != "" {
		targetID = req.EpisodeID
		targetType = "episode"
	}

	feedbackID := ids.NewFeedbackID()

	if req.Dryrun {
		writeJSON(ctx, FeedbackResponse{FeedbackID: feedbackID.String()})
		return
	}

	var writeErr error

	switch metric.Type {
	case "boolean":
		var v bool
		if err := json.Unmarshal(req.Value, &v); err != nil {
			apierr.WriteKind(ctx, apierr.KindValidation, "value must be a boolean for metric "+req.MetricName, true, false)
			return
		}
		writeErr = s.store.WriteFeedback(ctx, observability.BooleanMetricFeedbackRecord{
			ID: feedbackID, TargetID: targetID, MetricName: req.MetricName, Value: v, Tags: req.Tags,
		})

	case "float":
		var v float64
		if err := json.Unmarshal(req.Value, &v); err != nil {
			apierr.WriteKind(ctx, apierr.KindValidation, "value must be a number for metric "+req.MetricName, true, false)
			return
		}
		writeErr = s.store.WriteFeedback(ctx, observability.FloatMetricFeedbackRecord{
			ID: feedbackID, TargetID: targetID, MetricName: req.MetricName, Value: v, Tags: req.Tags,
		})

	case "comment":
		var v string
		if err := json.Unmarshal(req.Value, &v); err != nil {
			apierr.WriteKind(ctx, apierr.KindValidation, "value must be a string for metric "+req.MetricName, true, false)
			return
		}
		writeErr = s.store.WriteFeedback(ctx, observability.CommentFeedbackRecord{
			ID: feedbackID, TargetID: targetID, TargetType: targetType, Value: v, Tags: req.Tags,
		})

	case "demonstration":
		inferenceID, err := ids.ParseInferenceID(req.InferenceID)
		if err != nil {
			apierr.WriteKind(ctx, apierr.KindValidation, "demonstration feedback requires a valid inference_id", true, false)
			return
		}
		writeErr = s.store.WriteFeedback(ctx, observability.DemonstrationFeedbackRecord{
			ID: feedbackID, InferenceID: inferenceID, Value: string(req.Value), Tags: req.Tags,
		})

	default:
		apierr.WriteKind(ctx, apierr.KindConfig, "unsupported metric type "+strconv.Quote(metric.Type), false, false)
		return
	}

	if writeErr != nil {
		apierr.WriteKind(ctx, apierr.KindProviderRetryable, writeErr.Error(), false, true)
		return
	}

	writeJSON(ctx, FeedbackResponse{FeedbackID: feedbackID.String()})
}
