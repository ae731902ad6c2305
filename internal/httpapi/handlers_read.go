package httpapi

import (
	"github.com/valyala/fasthttp"

	"github.com/tensorzero-go/gateway/pkg/apierr"
)

func (s *Server) handleGetInference(ctx *fasthttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		apierr.WriteKind(ctx, apierr.KindValidation, "missing inference id", true, false)
		return
	}
	if s.store == nil {
		apierr.WriteKind(ctx, apierr.KindConfig, "observability store not configured", false, false)
		return
	}
	row, err := s.store.FetchInference(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindConfig, "inference not found: "+id, true, false)
		return
	}
	writeJSON(ctx, row)
}

func (s *Server) handleGetEpisode(ctx *fasthttp.RequestCtx) {
	id, ok := ctx.UserValue("id").(string)
	if !ok || id == "" {
		apierr.WriteKind(ctx, apierr.KindValidation, "missing episode id", true, false)
		return
	}
	if s.store == nil {
		apierr.WriteKind(ctx, apierr.KindConfig, "observability store not configured", false, false)
		return
	}
	rows, err := s.store.FetchEpisode(ctx, id)
	if err != nil {
		apierr.WriteKind(ctx, apierr.KindConfig, "episode lookup failed: "+id, false, false)
		return
	}
	if len(rows) == 0 {
		apierr.WriteKind(ctx, apierr.KindConfig, "episode not found: "+id, true, false)
		return
	}
	writeJSON(ctx, map[string]any{"episode_id": id, "inferences": rows})
}
