package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/ids"
	"github.com/tensorzero-go/gateway/internal/metrics"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/internal/providers"
)

// Router selects a variant for a function invocation and walks the bound
// model's provider routing list, retrying and falling over before giving up.
type Router struct {
	providers  map[string]providers.Provider
	cb         *CircuitBreaker
	episodes   *episodeMemory
	log        *slog.Logger
	metrics    *metrics.Registry
	datapoints DatapointSource
}

// DatapointSource fetches curated examples for dynamic_in_context_learning
// variants. Implemented by *observability.Writer.
type DatapointSource interface {
	FetchDatapoints(ctx context.Context, functionName string, limit int) ([]observability.DatapointExample, error)
}

// SetDatapointSource wires the dataset store a dynamic_in_context_learning
// variant draws its candidate pool from. Left nil, DICL variants fail
// fast rather than silently falling back to a plain chat_completion.
func (r *Router) SetDatapointSource(ds DatapointSource) { r.datapoints = ds }

// New creates a Router over the given provider instances (keyed by the
// per-model provider name used in GatewayConfig.Models[*].Providers).
func New(provs map[string]providers.Provider, cbCfg CBConfig, log *slog.Logger, met *metrics.Registry) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		providers: provs,
		cb:        NewCircuitBreaker(cbCfg),
		episodes:  newEpisodeMemory(),
		log:       log,
		metrics:   met,
	}
}

// RouteRequest is everything the router needs beyond the GatewayConfig to
// resolve a variant and dispatch a provider call. Exactly one of
// FunctionName or ModelName must be set: a direct model pin bypasses
// function/variant resolution entirely.
type RouteRequest struct {
	FunctionName string
	ModelName    string
	VariantName  string
	Episode      ids.EpisodeID
	StickyOptOut bool

	// Request carries the resolved messages/system/tools/streaming flag and
	// per-call overrides. Model is overwritten by the router once the
	// variant's bound provider model id is known.
	Request providers.Request

	// SystemArgs, when Request.System is empty and the resolved variant sets
	// a system_template, is rendered through that template to produce the
	// final system string.
	SystemArgs map[string]interface{}
}

// AttemptRecord is one physical provider call, successful or not — the
// in-memory shape that becomes a ModelInferenceRecord once written by
// internal/observability.
type AttemptRecord struct {
	ProviderName string
	ModelName    string
	Retryable    bool
	Err          error
	Started      time.Time
	Duration     time.Duration
	RawRequest   string
	RawResponse  string
	Cached       bool
}

// RouteResult is the outcome of Dispatch: the final response plus the
// variant/provider that produced it and every attempt made along the way.
type RouteResult struct {
	Response     *providers.Response
	FunctionName string
	VariantName  string
	ModelName    string
	ProviderName string
	Attempts     []AttemptRecord
}

// ErrAllProvidersExhausted is returned when every provider in the model's
// routing list failed, wrapping the final attempt's error.
type ErrAllProvidersExhausted struct {
	ModelName string
	Last      error
}

func (e *ErrAllProvidersExhausted) Error() string {
	return fmt.Sprintf("router: all providers exhausted for model %q: %v", e.ModelName, e.Last)
}
func (e *ErrAllProvidersExhausted) Unwrap() error { return e.Last }

// Dispatch selects a variant (or resolves the pinned model directly), then
// either walks a single model's provider routing list (chat_completion) or
// fans out over a sampled variant's candidates (best-of-N / mixture-of-N).
func (r *Router) Dispatch(ctx context.Context, gc *config.GatewayConfig, rr RouteRequest) (*RouteResult, error) {
	fnName, fn, variantName, variant, err := r.resolve(gc, rr)
	if err != nil {
		return nil, err
	}

	switch variant.Type {
	case "experimental_best_of_n_sampling", "mixture_of_n":
		return r.dispatchSampled(ctx, gc, fnName, fn, variantName, variant, rr)
	case "experimental_dynamic_in_context_learning":
		return r.dispatchDICL(ctx, gc, fnName, variantName, variant, rr)
	default:
		return r.dispatchChatCompletion(ctx, gc, fnName, variantName, variant, rr)
	}
}

// dispatchChatCompletion is the single-variant path: resolve its bound
// model, iterate the model's provider routing list, retrying each provider
// per the variant's retry policy before moving to the next.
func (r *Router) dispatchChatCompletion(ctx context.Context, gc *config.GatewayConfig, fnName, variantName string, variant config.VariantConfig, rr RouteRequest) (*RouteResult, error) {
	model, ok := gc.Models[variant.Model]
	if !ok {
		return nil, fmt.Errorf("router: variant %q references unknown model %q", variantName, variant.Model)
	}
	if len(model.Routing) == 0 {
		return nil, fmt.Errorf("router: model %q has an empty routing list", variant.Model)
	}

	req := rr.Request
	req.Stream = rr.Request.Stream
	if variant.Temperature != 0 {
		req.Temperature = variant.Temperature
	}
	if variant.MaxTokens != 0 {
		req.MaxTokens = variant.MaxTokens
	}

	view := &providerRequestView{System: req.System, SystemArgs: rr.SystemArgs, Messages: req.Messages}
	if err := renderTemplates(gc, variant, view); err != nil {
		return nil, err
	}
	req.System = view.System
	req.Messages = view.Messages

	result := &RouteResult{FunctionName: fnName, VariantName: variantName, ModelName: variant.Model}

	primary := model.Routing[0]
	prevProvName, prevReason := "", ""
	havePrevFailure := false

	var lastErr error
	for _, provName := range model.Routing {
		prov, ok := r.providers[provName]
		if !ok {
			lastErr = fmt.Errorf("router: model %q routes to unconfigured provider %q", variant.Model, provName)
			continue
		}

		if !r.cb.Allow(provName) {
			r.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("provider", provName), slog.String("model", variant.Model))
			if r.metrics != nil {
				r.metrics.RecordCircuitBreakerRejection(fnName, variantName, provName, r.cb.StateLabel(provName))
			}
			lastErr = fmt.Errorf("router: provider %q circuit breaker open", provName)
			continue
		}

		if havePrevFailure && prevProvName != "" && prevProvName != provName && r.metrics != nil {
			r.metrics.RecordFailover(fnName, variantName, primary, prevProvName, provName, prevReason)
		}

		callReq := req
		callReq.Model = model.Providers[provName].ModelName

		resp, attempts, err := r.tryProviderWithRetry(ctx, prov, provName, &callReq, variant)
		result.Attempts = append(result.Attempts, attempts...)

		if err == nil {
			r.cb.RecordSuccess(provName)
			result.Response = resp
			result.ProviderName = provName
			if r.metrics != nil {
				r.metrics.SetCircuitBreaker(fnName, variantName, provName, int64(r.cb.State(provName)))
				if provName != primary {
					r.metrics.RecordFailoverSuccess(fnName, variantName, primary, provName)
				}
			}
			return result, nil
		}

		r.cb.RecordFailure(provName)
		lastErr = err
		if r.metrics != nil {
			r.metrics.SetCircuitBreaker(fnName, variantName, provName, int64(r.cb.State(provName)))
		}
		prevProvName, prevReason, havePrevFailure = provName, classifyError(err), true
	}

	if r.metrics != nil {
		r.metrics.RecordFailoverExhausted(fnName, variantName, primary)
	}
	return result, &ErrAllProvidersExhausted{ModelName: variant.Model, Last: lastErr}
}

// dispatchSampled implements experimental_best_of_n_sampling and
// mixture_of_n: every named candidate variant is dispatched concurrently,
// then the evaluator variant is shown all candidate outputs and either
// picks the best one (best-of-N) or fuses them into one answer (mixture).
func (r *Router) dispatchSampled(
	ctx context.Context,
	gc *config.GatewayConfig,
	fnName string,
	fn config.FunctionConfig,
	variantName string,
	variant config.VariantConfig,
	rr RouteRequest,
) (*RouteResult, error) {
	if len(variant.Candidates) == 0 {
		return nil, fmt.Errorf("router: variant %q (%s) requires at least one candidate", variantName, variant.Type)
	}
	if variant.Evaluator == "" {
		return nil, fmt.Errorf("router: variant %q (%s) requires an evaluator variant", variantName, variant.Type)
	}

	results := make([]*RouteResult, len(variant.Candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, candName := range variant.Candidates {
		i, candName := i, candName
		g.Go(func() error {
			candVariant, ok := fn.Variants[candName]
			if !ok {
				return fmt.Errorf("router: %s candidate %q not found on function %q", variant.Type, candName, fnName)
			}
			res, err := r.dispatchChatCompletion(gctx, gc, fnName, candName, candVariant, rr)
			if err != nil {
				return fmt.Errorf("router: candidate %q: %w", candName, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	evalVariant, ok := fn.Variants[variant.Evaluator]
	if !ok {
		return nil, fmt.Errorf("router: %s evaluator %q not found on function %q", variant.Type, variant.Evaluator, fnName)
	}

	evalReq := rr
	evalReq.Request.Messages = append(append([]content.Message{}, rr.Request.Messages...), judgeMessage(variant.Type, results))
	evalResult, err := r.dispatchChatCompletion(ctx, gc, fnName, variant.Evaluator, evalVariant, evalReq)
	if err != nil {
		return nil, fmt.Errorf("router: evaluator %q: %w", variant.Evaluator, err)
	}

	final := &RouteResult{
		FunctionName: fnName,
		VariantName:  variantName,
		ModelName:    evalResult.ModelName,
		ProviderName: evalResult.ProviderName,
	}
	for _, res := range results {
		final.Attempts = append(final.Attempts, res.Attempts...)
	}
	final.Attempts = append(final.Attempts, evalResult.Attempts...)

	switch variant.Type {
	case "experimental_best_of_n_sampling":
		final.Response = results[pickBestIndex(evalResult.Response, len(results))].Response
	default: // mixture_of_n
		final.Response = evalResult.Response
	}

	return final, nil
}

// judgeMessage builds the evaluator's turn: every candidate's flattened
// text output, numbered from zero, plus an instruction matching the
// sampling strategy.
func judgeMessage(variantType string, results []*RouteResult) content.Message {
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "Candidate %d:\n%s\n\n", i, candidateText(res))
	}
	switch variantType {
	case "experimental_best_of_n_sampling":
		b.WriteString("Reply with only the number of the best candidate.")
	default:
		b.WriteString("Fuse the candidates above into a single best answer.")
	}
	return content.Message{Role: content.RoleUser, Content: []content.Block{content.TextBlock(b.String())}}
}

func candidateText(res *RouteResult) string {
	if res == nil || res.Response == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range res.Response.Content {
		b.WriteString(block.FlatText())
	}
	return b.String()
}

// pickBestIndex parses the evaluator's response for a candidate index,
// falling back to the first candidate if it didn't answer with a bare
// number in range.
func pickBestIndex(resp *providers.Response, n int) int {
	if resp == nil {
		return 0
	}
	text := strings.TrimSpace(candidateText(&RouteResult{Response: resp}))
	if idx, err := strconv.Atoi(text); err == nil && idx >= 0 && idx < n {
		return idx
	}
	return 0
}

// diclInput mirrors the httpapi-level InferenceInput JSON shape closely
// enough to flatten a curated datapoint's stored input back into text for
// embedding, without router depending on the httpapi package.
type diclInput struct {
	Messages []content.Message `json:"messages"`
}

func flattenMessages(msgs []content.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, blk := range m.Content {
			b.WriteString(blk.FlatText())
			b.WriteString(" ")
		}
	}
	return strings.TrimSpace(b.String())
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// dispatchDICL implements experimental_dynamic_in_context_learning: embed
// the incoming input, pull a candidate pool of curated examples for the
// function, embed each candidate, and prepend the K nearest (by cosine
// similarity) as few-shot user/assistant turns before dispatching to the
// variant's bound model as a plain chat completion.
//
// Candidate embeddings are computed per request rather than cached
// alongside the stored datapoint — acceptable at the dataset sizes this
// gateway targets, but the first thing to fix if DICL pool sizes grow.
func (r *Router) dispatchDICL(
	ctx context.Context,
	gc *config.GatewayConfig,
	fnName, variantName string,
	variant config.VariantConfig,
	rr RouteRequest,
) (*RouteResult, error) {
	if r.datapoints == nil {
		return nil, fmt.Errorf("router: variant %q (experimental_dynamic_in_context_learning) has no datapoint source configured", variantName)
	}
	embModel, ok := gc.EmbeddingModels[variant.EmbeddingModel]
	if !ok {
		return nil, fmt.Errorf("router: variant %q: unknown embedding_model %q", variantName, variant.EmbeddingModel)
	}
	if len(embModel.Routing) == 0 {
		return nil, fmt.Errorf("router: embedding model %q has an empty routing list", variant.EmbeddingModel)
	}
	provName := embModel.Routing[0]
	prov, ok := r.providers[provName]
	if !ok {
		return nil, fmt.Errorf("router: embedding model %q routes to unconfigured provider %q", variant.EmbeddingModel, provName)
	}
	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		return nil, fmt.Errorf("router: provider %q does not support embeddings", provName)
	}
	embModelName := embModel.Providers[provName].ModelName

	k := variant.K
	if k <= 0 {
		k = 1
	}

	query := flattenMessages(rr.Request.Messages)
	queryEmb, err := embedder.Embed(ctx, &providers.EmbeddingRequest{Model: embModelName, Input: []string{query}})
	if err != nil {
		return nil, fmt.Errorf("router: embed query: %w", err)
	}
	if len(queryEmb.Data) == 0 {
		return nil, fmt.Errorf("router: embedding provider %q returned no vectors", provName)
	}

	pool, err := r.datapoints.FetchDatapoints(ctx, fnName, k*5)
	if err != nil {
		return nil, fmt.Errorf("router: fetch datapoints: %w", err)
	}

	type scoredExample struct {
		ex    observability.DatapointExample
		score float32
	}
	scored := make([]scoredExample, 0, len(pool))
	for _, ex := range pool {
		text := ex.Input
		var in diclInput
		if json.Unmarshal([]byte(ex.Input), &in) == nil && len(in.Messages) > 0 {
			text = flattenMessages(in.Messages)
		}
		exEmb, err := embedder.Embed(ctx, &providers.EmbeddingRequest{Model: embModelName, Input: []string{text}})
		if err != nil || len(exEmb.Data) == 0 {
			continue
		}
		scored = append(scored, scoredExample{ex: ex, score: cosineSimilarity(queryEmb.Data[0].Embedding, exEmb.Data[0].Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > k {
		scored = scored[:k]
	}

	augmented := rr
	var examples []content.Message
	for _, s := range scored {
		examples = append(examples,
			content.Message{Role: content.RoleUser, Content: []content.Block{content.TextBlock(s.ex.Input)}},
			content.Message{Role: content.RoleAssistant, Content: []content.Block{content.TextBlock(s.ex.Output)}},
		)
	}
	augmented.Request.Messages = append(examples, rr.Request.Messages...)

	chatVariant := variant
	chatVariant.Type = "chat_completion"
	return r.dispatchChatCompletion(ctx, gc, fnName, variantName, chatVariant, augmented)
}

// resolve pins or draws a variant and returns the function config it
// belongs to (synthesized on the fly for a direct model_name request).
func (r *Router) resolve(gc *config.GatewayConfig, rr RouteRequest) (string, config.FunctionConfig, string, config.VariantConfig, error) {
	if rr.ModelName != "" {
		fn := config.FunctionConfig{
			Type: "chat",
			Variants: map[string]config.VariantConfig{
				"default": {Type: "chat_completion", Weight: 1, Model: rr.ModelName},
			},
		}
		return "", fn, "default", fn.Variants["default"], nil
	}

	fn, ok := gc.Functions[rr.FunctionName]
	if !ok {
		return "", config.FunctionConfig{}, "", config.VariantConfig{}, fmt.Errorf("router: unknown function %q", rr.FunctionName)
	}

	name, variant, err := r.SelectVariant(rr.FunctionName, fn, rr.VariantName, rr.Episode, rr.StickyOptOut)
	if err != nil {
		return "", config.FunctionConfig{}, "", config.VariantConfig{}, err
	}
	return rr.FunctionName, fn, name, variant, nil
}

// tryProviderWithRetry applies the variant's retry policy (one attempt plus
// up to num_retries retries, with exponential backoff capped at max_delay_s)
// to one provider before giving up on it.
func (r *Router) tryProviderWithRetry(
	ctx context.Context,
	prov providers.Provider,
	provName string,
	req *providers.Request,
	variant config.VariantConfig,
) (*providers.Response, []AttemptRecord, error) {
	maxAttempts := variant.NumRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var attempts []AttemptRecord
	var lastErr error
	reqJSON, _ := json.Marshal(req)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, variant.MaxDelaySeconds)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if variant.TimeoutSeconds > 0 && !req.Stream {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(variant.TimeoutSeconds*float64(time.Second)))
		}

		start := time.Now()
		resp, err := prov.Request(attemptCtx, req)
		dur := time.Since(start)
		cancel()

		if err == nil {
			rawReq := resp.RawRequest
			if rawReq == "" {
				rawReq = string(reqJSON)
			}
			attempts = append(attempts, AttemptRecord{
				ProviderName: provName, ModelName: req.Model, Started: start, Duration: dur,
				RawRequest: rawReq, RawResponse: resp.RawResponse, Cached: resp.Cached,
			})
			if r.metrics != nil {
				r.metrics.ObserveUpstreamAttempt(provName, "inference", "success", dur)
			}
			return resp, attempts, nil
		}

		retryable := isRetryable(err)
		attempts = append(attempts, AttemptRecord{
			ProviderName: provName, ModelName: req.Model, Retryable: retryable, Err: err, Started: start, Duration: dur,
			RawRequest: string(reqJSON),
		})
		if r.metrics != nil {
			r.metrics.ObserveUpstreamAttempt(provName, "inference", classifyError(err), dur)
			r.metrics.RecordError(provName, classifyError(err))
		}
		lastErr = err

		if !retryable {
			break
		}
	}

	return nil, attempts, lastErr
}

// backoffDelay computes exponential backoff (2^(attempt-1) seconds) capped
// at maxDelaySeconds. A non-positive cap defaults to 30s.
func backoffDelay(attempt int, maxDelaySeconds float64) time.Duration {
	if maxDelaySeconds <= 0 {
		maxDelaySeconds = 30
	}
	secs := math.Pow(2, float64(attempt-1))
	if secs > maxDelaySeconds {
		secs = maxDelaySeconds
	}
	return time.Duration(secs * float64(time.Second))
}

// isRetryable classifies an error as retryable (HTTP 408/429/5xx,
// connection reset, timeout) vs. fatal (other 4xx, auth, payload too
// large). Unknown errors are treated as retryable, the conservative default.
func isRetryable(err error) bool {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == 408 || status == 429 {
			return true
		}
		if status >= 500 {
			return true
		}
		if status >= 400 {
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

// classifyError returns a short label for metrics/logging.
func classifyError(err error) string {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
