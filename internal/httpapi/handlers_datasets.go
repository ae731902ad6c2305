package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/tensorzero-go/gateway/internal/ids"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/pkg/apierr"
)

// handleDatasetsDatapoints bulk-inserts curated examples into a named
// dataset. Each datapoint mints a fresh id; dataset mutation (editing an
// existing datapoint) is modeled as inserting a new row with a new id, not
// an update — the store is append-only.
func (s *Server) handleDatasetsDatapoints(ctx *fasthttp.RequestCtx) {
	name, ok := ctx.UserValue("name").(string)
	if !ok || name == "" {
		apierr.WriteKind(ctx, apierr.KindValidation, "missing dataset name", true, false)
		return
	}

	var req DatapointsRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, apierr.KindValidation, "malformed request body", true, false)
		return
	}
	if len(req.Datapoints) == 0 {
		apierr.WriteKind(ctx, apierr.KindValidation, "datapoints must not be empty", true, false)
		return
	}
	if s.store == nil {
		apierr.WriteKind(ctx, apierr.KindConfig, "observability store not configured", false, false)
		return
	}

	ids_ := make([]string, 0, len(req.Datapoints))
	for _, d := range req.Datapoints {
		inputJSON, _ := json.Marshal(d.Input)
		id := ids.NewDatapointID()

		var err error
		if d.FunctionType == "json" {
			err = s.store.WriteDatapoint(ctx, observability.JsonInferenceDatapointRecord{
				ID: id, DatasetName: name, FunctionName: d.FunctionName,
				Input: string(inputJSON), Output: string(d.Output), OutputSchema: string(d.OutputSchema),
				Tags: d.Tags,
			})
		} else {
			err = s.store.WriteDatapoint(ctx, observability.ChatInferenceDatapointRecord{
				ID: id, DatasetName: name, FunctionName: d.FunctionName,
				Input: string(inputJSON), Output: string(d.Output), Tags: d.Tags,
			})
		}
		if err != nil {
			apierr.WriteKind(ctx, apierr.KindProviderRetryable, err.Error(), false, true)
			return
		}
		ids_ = append(ids_, id.String())
	}

	writeJSON(ctx, DatapointsResponse{DatapointIDs: ids_})
}
