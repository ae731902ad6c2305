package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/gateway/internal/cache"
	"github.com/tensorzero-go/gateway/internal/content"
)

func TestCacheKey_Deterministic(t *testing.T) {
	req := InferenceRequest{
		FunctionName: "summarize_ticket",
		VariantName:  "fast",
		Input: InferenceInput{
			Messages: []content.Message{
				{Role: content.RoleUser, Content: []content.Block{content.TextBlock("hi")}},
			},
		},
	}
	assert.Equal(t, cacheKey(req), cacheKey(req))
}

func TestCacheKey_DiffersByContent(t *testing.T) {
	base := InferenceRequest{
		FunctionName: "summarize_ticket",
		Input: InferenceInput{
			Messages: []content.Message{
				{Role: content.RoleUser, Content: []content.Block{content.TextBlock("hi")}},
			},
		},
	}
	other := base
	other.Input.Messages = []content.Message{
		{Role: content.RoleUser, Content: []content.Block{content.TextBlock("bye")}},
	}
	assert.NotEqual(t, cacheKey(base), cacheKey(other))
}

func TestCacheMode_DefaultsToReadWrite(t *testing.T) {
	assert.Equal(t, "read_write", cacheMode(InferenceRequest{}))
}

func TestCacheMode_HonorsLookup(t *testing.T) {
	req := InferenceRequest{CacheOptions: &CacheOptions{Lookup: "read_only"}}
	assert.Equal(t, "read_only", cacheMode(req))
}

func TestCacheEligible_NoCacheConfigured(t *testing.T) {
	s := &Server{}
	assert.False(t, s.cacheEligible(InferenceRequest{}))
}

func TestCacheEligible_StreamingNeverCached(t *testing.T) {
	s := &Server{}
	s.SetCache(dummyCache{})
	assert.False(t, s.cacheEligible(InferenceRequest{Stream: true}))
}

func TestCacheEligible_ModeOff(t *testing.T) {
	s := &Server{}
	s.SetCache(dummyCache{})
	req := InferenceRequest{CacheOptions: &CacheOptions{Lookup: "off"}}
	assert.False(t, s.cacheEligible(req))
}

func TestCacheEligible_ExclusionListBlocksModel(t *testing.T) {
	s := &Server{}
	s.SetCache(dummyCache{})
	el, err := cache.NewExclusionList([]string{"gpt-4o"}, nil)
	require.NoError(t, err)
	s.SetCacheExclusions(el)

	assert.False(t, s.cacheEligible(InferenceRequest{ModelName: "gpt-4o"}))
	assert.True(t, s.cacheEligible(InferenceRequest{ModelName: "gpt-4o-mini"}))
}

func TestCacheEligible_ExclusionFallsBackToFunctionName(t *testing.T) {
	s := &Server{}
	s.SetCache(dummyCache{})
	el, err := cache.NewExclusionList([]string{"summarize_ticket"}, nil)
	require.NoError(t, err)
	s.SetCacheExclusions(el)

	assert.False(t, s.cacheEligible(InferenceRequest{FunctionName: "summarize_ticket"}))
}

// dummyCache is a no-op cache.Cache implementation for exercising
// cache-eligibility logic without a real backing store.
type dummyCache struct{}

func (dummyCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (dummyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (dummyCache) Delete(ctx context.Context, key string) error { return nil }
