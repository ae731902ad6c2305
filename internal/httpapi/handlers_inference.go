package httpapi

import (
	"context"
	"encoding/json"
	"errors"
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

func (s *Server) handleInference(ctx *fasthttp.RequestCtx) {
	var req InferenceRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, apierr.KindValidation, "malformed request body", true, false)
		return
	}

	if (req.FunctionName == "") == (req.ModelName == "") {
		apierr.WriteKind(ctx, apierr.KindValidation, "exactly one of function_name or model_name is required", true, false)
		return
	}

	var fnType string
	if req.FunctionName != "" {
		fn, ok := s.gc.Functions[req.FunctionName]
		if !ok {
			apierr.WriteKind(ctx, apierr.KindConfig, "unknown function "+req.FunctionName, true, false)
			return
		}
		fnType = fn.Type
	} else {
		fnType = "chat"
	}

	episodeID := ids.NewEpisodeID()
	if req.EpisodeID != "" {
		parsed, err := ids.ParseEpisodeID(req.EpisodeID)
		if err != nil {
			apierr.WriteKind(ctx, apierr.KindValidation, "invalid episode_id", true, false)
			return
		}
		episodeID = parsed
	}

	inferenceID := ids.NewInferenceID()
	started := time.Now()

	eligible := s.cacheEligible(req)
	mode := cacheMode(req)
	var key string
	if eligible {
		key = cacheKey(req)
	}
	if eligible && mode != "write_only" {
		if cached, ok := s.cache.Get(ctx, key); ok {
			var resp InferenceResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				resp.InferenceID = inferenceID.String()
				resp.EpisodeID = episodeID.String()
				ctx.Response.Header.Set("X-Cache", "HIT")
				writeJSON(ctx, resp)
				return
			}
		}
	}

	pr := providers.Request{
		Messages:  req.Input.Messages,
		Stream:    req.Stream,
		RequestID: inferenceID.String(),
	}
	var systemArgs map[string]interface{}
	if len(req.Input.System) > 0 {
		var asString string
		switch {
		case json.Unmarshal(req.Input.System, &asString) == nil:
			pr.System = asString
		case json.Unmarshal(req.Input.System, &systemArgs) == nil:
			// Left for the router's system_template to render.
		default:
			pr.System = string(req.Input.System)
		}
	}
	if len(req.OutputSchema) > 0 {
		pr.OutputSchema = req.OutputSchema
	}
	if cc := req.Params.ChatCompletion; cc != nil {
		if cc.Temperature != nil {
			pr.Temperature = *cc.Temperature
		}
		if cc.MaxTokens != nil {
			pr.MaxTokens = *cc.MaxTokens
		}
		if cc.JSONMode != "" && cc.JSONMode != "off" {
			pr.JSONMode = true
		}
	}
	if req.FunctionName != "" {
		for _, toolName := range s.gc.Functions[req.FunctionName].Tools {
			tc, ok := s.gc.Tools[toolName]
			if !ok {
				continue
			}
			params, _ := s.gc.ToolParameters(toolName)
			pr.Tools = append(pr.Tools, providers.ToolDefinition{
				Name: toolName, Description: tc.Description, Parameters: params,
			})
		}
	}
	if req.ToolOverrides != nil {
		for _, t := range req.ToolOverrides.Tools {
			pr.Tools = append(pr.Tools, providers.ToolDefinition{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
			})
		}
	}

	rr := tzrouter.RouteRequest{
		FunctionName: req.FunctionName,
		ModelName:    req.ModelName,
		VariantName:  req.VariantName,
		Episode:      episodeID,
		Request:      pr,
		SystemArgs:   systemArgs,
	}

	result, err := s.router.Dispatch(ctx, s.gc, rr)
	if err != nil {
		s.writeDispatchError(ctx, err)
		return
	}

	if result.Response.Stream != nil {
		s.handleStreamingResult(ctx, req, result, episodeID, inferenceID, fnType, started)
		return
	}

	resp := InferenceResponse{
		InferenceID: inferenceID.String(),
		EpisodeID:   episodeID.String(),
		VariantName: result.VariantName,
		Usage: UsageResponse{
			InputTokens:  result.Response.Usage.InputTokens,
			OutputTokens: result.Response.Usage.OutputTokens,
		},
	}
	if fnType == "json" {
		resp.ParsedOutput = flattenToJSON(result.Response.Content)
	} else {
		resp.Output = result.Response.Content
	}

	if !req.Dryrun {
		s.recordInference(context.Background(), req, result, episodeID, inferenceID, fnType, started, result.Response.Usage, result.Response.Content, 0, "")
	}

	if eligible && mode != "read_only" && !req.Dryrun {
		ttl := defaultCacheTTL
		if req.CacheOptions != nil && req.CacheOptions.MaxAge > 0 {
			ttl = time.Duration(req.CacheOptions.MaxAge) * time.Second
		}
		if body, err := json.Marshal(resp); err == nil {
			_ = s.cache.Set(context.Background(), key, body, ttl)
		}
	}

	writeJSON(ctx, resp)
}

func (s *Server) handleStreamingResult(ctx *fasthttp.RequestCtx, req InferenceRequest, result *tzrouter.RouteResult, episodeID ids.EpisodeID, inferenceID ids.InferenceID, fnType string, started time.Time) {
	writer := streaming.WriteNative
	writer(ctx, inferenceID.String(), episodeID.String(), result.Response.Stream, func(agg *streaming.Aggregator) {
		if req.Dryrun {
			return
		}
		usage := agg.Usage()
		var ttftMs uint32
		if t := agg.FirstChunkAt(); !t.IsZero() {
			ttftMs = uint32(t.Sub(started).Milliseconds())
		}
		blocksJSON, _ := json.Marshal(agg.Blocks())
		s.recordInference(context.Background(), req, result, episodeID, inferenceID, fnType, started, usage, agg.Blocks(), ttftMs, string(blocksJSON))
	})
}

// recordInference writes the ChatInference/JsonInference row plus the
// ModelInference rows for every attempt the router made, fire-and-forget.
func (s *Server) recordInference(
	ctx context.Context,
	req InferenceRequest,
	result *tzrouter.RouteResult,
	episodeID ids.EpisodeID,
	inferenceID ids.InferenceID,
	fnType string,
	started time.Time,
	usage providers.Usage,
	output []content.Block,
	streamTTFTMs uint32,
	streamRawResponse string,
) {
	if s.store == nil {
		return
	}

	inputJSON, _ := json.Marshal(req.Input)
	outputJSON, _ := json.Marshal(output)
	paramsJSON, _ := json.Marshal(req.Params)
	processingMs := uint32(time.Since(started).Milliseconds())

	if fnType == "json" {
		s.store.LogJsonInference(observability.JsonInferenceRecord{
			ID: inferenceID, FunctionName: req.FunctionName, VariantName: result.VariantName,
			EpisodeID: episodeID, Input: string(inputJSON), Output: string(outputJSON),
			OutputSchema: string(req.OutputSchema), InferenceParams: string(paramsJSON),
			ProcessingTimeMs: processingMs, Tags: req.Tags, CreatedAt: started,
		})
	} else {
		s.store.LogChatInference(observability.ChatInferenceRecord{
			ID: inferenceID, FunctionName: req.FunctionName, VariantName: result.VariantName,
			EpisodeID: episodeID, Input: string(inputJSON), Output: string(outputJSON),
			InferenceParams: string(paramsJSON), ProcessingTimeMs: processingMs,
			Tags: req.Tags, CreatedAt: started,
		})
	}

	for i, a := range result.Attempts {
		rawResponse := a.RawResponse
		if a.Err != nil {
			rawResponse = a.Err.Error()
		}
		var ttftMs uint32
		if i == len(result.Attempts)-1 && a.Err == nil {
			// The last, successful attempt is the one that actually served the
			// response; streamed calls only know TTFT/raw output once the
			// aggregator has drained the whole stream.
			ttftMs = streamTTFTMs
			if streamRawResponse != "" {
				rawResponse = streamRawResponse
			}
		}
		s.store.LogModelInference(observability.ModelInferenceRecord{
			ID: ids.NewModelInferenceID(), InferenceID: inferenceID,
			RawRequest: a.RawRequest, RawResponse: rawResponse,
			ModelName: a.ModelName, ProviderName: a.ProviderName,
			InputTokens: uint32(usage.InputTokens), OutputTokens: uint32(usage.OutputTokens),
			ResponseTimeMs: uint32(a.Duration.Milliseconds()), TTFTMs: ttftMs,
			Cached: a.Cached, Retryable: a.Retryable,
			CreatedAt: a.Started,
		})
	}
}

func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var exhausted *tzrouter.ErrAllProvidersExhausted
	if errors.As(err, &exhausted) {
		apierr.WriteKind(ctx, apierr.KindProviderRetryable, err.Error(), false, true)
		return
	}
	var notFound *tzrouter.ErrVariantNotFound
	if errors.As(err, &notFound) {
		apierr.WriteKind(ctx, apierr.KindConfig, err.Error(), true, false)
		return
	}
	if errors.Is(err, tzrouter.ErrNoEligibleVariants) {
		apierr.WriteKind(ctx, apierr.KindConfig, err.Error(), false, false)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteKind(ctx, apierr.KindDeadlineExceeded, err.Error(), false, false)
		return
	}
	apierr.WriteKind(ctx, apierr.KindConfig, err.Error(), false, false)
}

func flattenToJSON(blocks []content.Block) json.RawMessage {
	for _, b := range blocks {
		if b.Kind == content.KindText && len(b.Text) > 0 {
			return json.RawMessage(b.Text)
		}
	}
	return nil
}
