package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/content"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/internal/providers"
)

// fakeProvider is a stub providers.Provider that returns a fixed text
// response or error, and optionally implements EmbeddingProvider.
type fakeProvider struct {
	name       string
	reply      string
	err        error
	embeddings map[string][]float32 // keyed by EmbeddingRequest.Input[0]
	calls      int
	lastReq    *providers.Request
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &providers.Response{
		Model:   req.Model,
		Content: []content.Block{content.TextBlock(p.reply)},
	}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *fakeProvider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	vec, ok := p.embeddings[req.Input[0]]
	if !ok {
		vec = []float32{0, 0, 1}
	}
	return &providers.EmbeddingResponse{Model: req.Model, Data: []providers.EmbeddingData{{Embedding: vec}}}, nil
}

// fakeDatapoints is a stub DatapointSource.
type fakeDatapoints struct {
	examples []observability.DatapointExample
}

func (d *fakeDatapoints) FetchDatapoints(ctx context.Context, functionName string, limit int) ([]observability.DatapointExample, error) {
	if limit < len(d.examples) {
		return d.examples[:limit], nil
	}
	return d.examples, nil
}

func newTestRouter(provs map[string]providers.Provider) *Router {
	return New(provs, CBConfig{}, nil, nil)
}

func TestFlattenMessages(t *testing.T) {
	msgs := []content.Message{
		{Role: content.RoleUser, Content: []content.Block{content.TextBlock("hello"), content.TextBlock("world")}},
	}
	assert.Equal(t, "hello world", flattenMessages(msgs))
}

func TestFlattenMessages_Empty(t *testing.T) {
	assert.Equal(t, "", flattenMessages(nil))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(-1), cosineSimilarity([]float32{1, 2}, []float32{1}))
	assert.Equal(t, float32(-1), cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestJudgeMessage_BestOfN(t *testing.T) {
	results := []*RouteResult{
		{Response: &providers.Response{Content: []content.Block{content.TextBlock("answer A")}}},
		{Response: &providers.Response{Content: []content.Block{content.TextBlock("answer B")}}},
	}
	msg := judgeMessage("experimental_best_of_n_sampling", results)
	text := msg.FlatText()
	assert.Contains(t, text, "Candidate 0")
	assert.Contains(t, text, "answer A")
	assert.Contains(t, text, "Candidate 1")
	assert.Contains(t, text, "answer B")
	assert.Contains(t, text, "number of the best candidate")
}

func TestJudgeMessage_MixtureOfN(t *testing.T) {
	results := []*RouteResult{{Response: &providers.Response{Content: []content.Block{content.TextBlock("x")}}}}
	msg := judgeMessage("mixture_of_n", results)
	assert.Contains(t, msg.FlatText(), "Fuse the candidates")
}

func TestCandidateText_NilResponse(t *testing.T) {
	assert.Equal(t, "", candidateText(nil))
	assert.Equal(t, "", candidateText(&RouteResult{}))
}

func TestPickBestIndex(t *testing.T) {
	resp := func(text string) *providers.Response {
		return &providers.Response{Content: []content.Block{content.TextBlock(text)}}
	}
	assert.Equal(t, 1, pickBestIndex(resp("1"), 3))
	assert.Equal(t, 0, pickBestIndex(resp("  0  \n"), 3))
	assert.Equal(t, 0, pickBestIndex(resp("not a number"), 3))
	assert.Equal(t, 0, pickBestIndex(resp("5"), 3)) // out of range falls back
	assert.Equal(t, 0, pickBestIndex(nil, 3))
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(1, 30))
	assert.Equal(t, 2*time.Second, backoffDelay(2, 30))
	assert.Equal(t, 4*time.Second, backoffDelay(3, 30))
	assert.Equal(t, 5*time.Second, backoffDelay(10, 5)) // capped
	assert.Equal(t, 1*time.Second, backoffDelay(1, 0))  // non-positive cap defaults to 30s, well above 1s
}

func gatewayWithModel(modelName, provName string) *config.GatewayConfig {
	return &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			modelName: {
				Routing:   []string{provName},
				Providers: map[string]config.ModelProviderConfig{provName: {Type: "dummy", ModelName: modelName}},
			},
		},
	}
}

func TestDispatchChatCompletion_Success(t *testing.T) {
	prov := &fakeProvider{name: "p1", reply: "hi there"}
	r := newTestRouter(map[string]providers.Provider{"p1": prov})
	gc := gatewayWithModel("gpt-4o-mini", "p1")

	variant := config.VariantConfig{Type: "chat_completion", Model: "gpt-4o-mini", Weight: 1}
	rr := RouteRequest{FunctionName: "", Request: providers.Request{Messages: []content.Message{
		{Role: content.RoleUser, Content: []content.Block{content.TextBlock("hello")}},
	}}}

	res, err := r.dispatchChatCompletion(context.Background(), gc, "", "v", variant, rr)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, "hi there", res.Response.Content[0].Text)
	assert.Equal(t, 1, prov.calls)
}

func TestDispatchChatCompletion_AllProvidersExhausted(t *testing.T) {
	prov := &fakeProvider{name: "p1", err: assertError{"boom"}}
	r := newTestRouter(map[string]providers.Provider{"p1": prov})
	gc := gatewayWithModel("gpt-4o-mini", "p1")

	variant := config.VariantConfig{Type: "chat_completion", Model: "gpt-4o-mini", Weight: 1}
	rr := RouteRequest{Request: providers.Request{}}

	_, err := r.dispatchChatCompletion(context.Background(), gc, "", "v", variant, rr)
	require.Error(t, err)
	var exhausted *ErrAllProvidersExhausted
	require.ErrorAs(t, err, &exhausted)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestDispatchSampled_BestOfN(t *testing.T) {
	provFast := &fakeProvider{name: "fast", reply: "short answer"}
	provThorough := &fakeProvider{name: "thorough", reply: "long detailed answer"}
	provJudge := &fakeProvider{name: "judge", reply: "1"}
	r := newTestRouter(map[string]providers.Provider{"fast": provFast, "thorough": provThorough, "judge": provJudge})

	gc := &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			"m-fast":     {Routing: []string{"fast"}, Providers: map[string]config.ModelProviderConfig{"fast": {ModelName: "m-fast"}}},
			"m-thorough": {Routing: []string{"thorough"}, Providers: map[string]config.ModelProviderConfig{"thorough": {ModelName: "m-thorough"}}},
			"m-judge":    {Routing: []string{"judge"}, Providers: map[string]config.ModelProviderConfig{"judge": {ModelName: "m-judge"}}},
		},
	}
	fn := config.FunctionConfig{
		Type: "chat",
		Variants: map[string]config.VariantConfig{
			"a":     {Type: "chat_completion", Model: "m-fast"},
			"b":     {Type: "chat_completion", Model: "m-thorough"},
			"judge": {Type: "chat_completion", Model: "m-judge"},
			"sampled": {
				Type: "experimental_best_of_n_sampling", Candidates: []string{"a", "b"}, Evaluator: "judge",
			},
		},
	}
	variant := fn.Variants["sampled"]

	rr := RouteRequest{FunctionName: "summarize", Request: providers.Request{Messages: []content.Message{
		{Role: content.RoleUser, Content: []content.Block{content.TextBlock("summarize this")}},
	}}}

	res, err := r.dispatchSampled(context.Background(), gc, "summarize", fn, "sampled", variant, rr)
	require.NoError(t, err)
	// Judge picked index 1 -> "b" candidate's response ("long detailed answer").
	assert.Equal(t, "long detailed answer", res.Response.Content[0].Text)
	// Attempts include both candidates plus the evaluator.
	assert.Len(t, res.Attempts, 3)
}

func TestDispatchSampled_MixtureOfN(t *testing.T) {
	provA := &fakeProvider{name: "a", reply: "opinion A"}
	provB := &fakeProvider{name: "b", reply: "opinion B"}
	provJudge := &fakeProvider{name: "judge", reply: "fused opinion"}
	r := newTestRouter(map[string]providers.Provider{"a": provA, "b": provB, "judge": provJudge})

	gc := &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			"m-a":     {Routing: []string{"a"}, Providers: map[string]config.ModelProviderConfig{"a": {}}},
			"m-b":     {Routing: []string{"b"}, Providers: map[string]config.ModelProviderConfig{"b": {}}},
			"m-judge": {Routing: []string{"judge"}, Providers: map[string]config.ModelProviderConfig{"judge": {}}},
		},
	}
	fn := config.FunctionConfig{
		Variants: map[string]config.VariantConfig{
			"a":     {Type: "chat_completion", Model: "m-a"},
			"b":     {Type: "chat_completion", Model: "m-b"},
			"judge": {Type: "chat_completion", Model: "m-judge"},
			"mix":   {Type: "mixture_of_n", Candidates: []string{"a", "b"}, Evaluator: "judge"},
		},
	}
	variant := fn.Variants["mix"]

	res, err := r.dispatchSampled(context.Background(), gc, "fn", fn, "mix", variant, RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fused opinion", res.Response.Content[0].Text)
}

func TestDispatchSampled_MissingCandidate(t *testing.T) {
	r := newTestRouter(nil)
	fn := config.FunctionConfig{Variants: map[string]config.VariantConfig{}}
	variant := config.VariantConfig{Type: "mixture_of_n", Candidates: []string{"ghost"}, Evaluator: "judge"}

	_, err := r.dispatchSampled(context.Background(), &config.GatewayConfig{}, "fn", fn, "v", variant, RouteRequest{})
	require.Error(t, err)
}

func TestDispatchDICL_PrependsNearestExamples(t *testing.T) {
	chatProv := &fakeProvider{name: "chat", reply: "final answer"}
	embedProv := &fakeProvider{
		name: "embed",
		embeddings: map[string][]float32{
			"the query":   {1, 0},
			"close match": {1, 0},
			"far match":   {0, 1},
		},
	}
	r := newTestRouter(map[string]providers.Provider{"chat": chatProv, "embed": embedProv})
	r.SetDatapointSource(&fakeDatapoints{examples: []observability.DatapointExample{
		{Input: "close match", Output: "close output"},
		{Input: "far match", Output: "far output"},
	}})

	gc := &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			"chat-model": {Routing: []string{"chat"}, Providers: map[string]config.ModelProviderConfig{"chat": {}}},
		},
		EmbeddingModels: map[string]config.ModelConfig{
			"embed-model": {Routing: []string{"embed"}, Providers: map[string]config.ModelProviderConfig{"embed": {}}},
		},
	}
	variant := config.VariantConfig{
		Type: "experimental_dynamic_in_context_learning", Model: "chat-model", EmbeddingModel: "embed-model", K: 1,
	}
	rr := RouteRequest{Request: providers.Request{Messages: []content.Message{
		{Role: content.RoleUser, Content: []content.Block{content.TextBlock("the query")}},
	}}}

	res, err := r.dispatchDICL(context.Background(), gc, "fn", "v", variant, rr)
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Response.Content[0].Text)
	require.Equal(t, 1, chatProv.calls)

	// The nearest example (k=1) must be prepended as a user/assistant pair
	// before the original query, and the far example must be excluded.
	require.Len(t, chatProv.lastReq.Messages, 3)
	assert.Equal(t, "close match", chatProv.lastReq.Messages[0].FlatText())
	assert.Equal(t, "close output", chatProv.lastReq.Messages[1].FlatText())
	assert.Equal(t, "the query", chatProv.lastReq.Messages[2].FlatText())
}

func TestDispatchDICL_NoDatapointSource(t *testing.T) {
	r := newTestRouter(nil)
	variant := config.VariantConfig{Type: "experimental_dynamic_in_context_learning", EmbeddingModel: "e", Model: "m"}
	_, err := r.dispatchDICL(context.Background(), &config.GatewayConfig{}, "fn", "v", variant, RouteRequest{})
	require.Error(t, err)
}

func TestDispatch_RoutesByVariantType(t *testing.T) {
	prov := &fakeProvider{name: "p1", reply: "ok"}
	r := newTestRouter(map[string]providers.Provider{"p1": prov})
	gc := gatewayWithModel("m1", "p1")
	gc.Functions = map[string]config.FunctionConfig{
		"fn": {
			Type: "chat",
			Variants: map[string]config.VariantConfig{
				"only": {Type: "chat_completion", Model: "m1", Weight: 1},
			},
		},
	}

	res, err := r.Dispatch(context.Background(), gc, RouteRequest{FunctionName: "fn"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Response.Content[0].Text)
}
