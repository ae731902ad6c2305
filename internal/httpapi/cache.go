package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/tensorzero-go/gateway/internal/cache"
)

// defaultCacheTTL applies when the request's cache_options omits max_age.
const defaultCacheTTL = time.Hour

// cacheKey hashes the parts of an InferenceRequest that determine its
// response deterministically: which function/model/variant was requested,
// the params, tool overrides and output schema, and what was asked. The
// system and messages are hashed as submitted, before template rendering.
// Stream requests are never cached — the teacher's gateway
// treats caching as non-streaming-only, and a partial SSE transcript isn't a
// replayable response anyway.
func cacheKey(req InferenceRequest) string {
	type msg struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	msgs := make([]msg, len(req.Input.Messages))
	for i, m := range req.Input.Messages {
		raw, _ := json.Marshal(m.Content)
		msgs[i] = msg{Role: string(m.Role), Content: raw}
	}
	data, _ := json.Marshal(struct {
		F string          `json:"f"`
		M string          `json:"m"`
		V string          `json:"v"`
		S string          `json:"s"`
		P json.RawMessage `json:"p"`
		O json.RawMessage `json:"o"`
		T json.RawMessage `json:"t"`
		I []msg           `json:"i"`
	}{
		req.FunctionName, req.ModelName, req.VariantName,
		string(req.Input.System), mustJSON(req.Params), req.OutputSchema,
		mustJSON(req.ToolOverrides), msgs,
	})
	sum := sha256.Sum256(data)
	return "inference:" + hex.EncodeToString(sum[:])
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// cacheMode returns the effective cache_options.lookup mode: "read_write"
// when the request omits cache_options entirely.
func cacheMode(req InferenceRequest) string {
	if req.CacheOptions == nil || req.CacheOptions.Lookup == "" {
		return "read_write"
	}
	return req.CacheOptions.Lookup
}

// cacheEligible reports whether req may be served from or written to cache
// at all: caching must be enabled on the server (s.cache non-nil), the
// request must not be streaming, mode must not be "off", and the resolved
// model must not be on the exclusion list. Read vs write eligibility within
// that is decided by cacheMode.
func (s *Server) cacheEligible(req InferenceRequest) bool {
	if s.cache == nil || req.Stream || cacheMode(req) == "off" {
		return false
	}
	if s.cacheExclusions == nil {
		return true
	}
	model := req.ModelName
	if model == "" {
		model = req.FunctionName
	}
	return !s.cacheExclusions.Matches(model)
}

// SetCache enables exact-match response caching for /inference.
func (s *Server) SetCache(c cache.Cache) { s.cache = c }

// SetCacheExclusions restricts which models/functions participate in caching.
func (s *Server) SetCacheExclusions(el *cache.ExclusionList) { s.cacheExclusions = el }
