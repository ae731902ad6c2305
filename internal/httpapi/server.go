package httpapi

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/tensorzero-go/gateway/internal/cache"
	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/metrics"
	"github.com/tensorzero-go/gateway/internal/observability"
	tzrouter "github.com/tensorzero-go/gateway/internal/router"
)

// Server hosts the native HTTP surface and the OpenAI-compatible shim over
// a shared Router/GatewayConfig/observability Writer.
type Server struct {
	gc      *config.GatewayConfig
	router  *tzrouter.Router
	store   *observability.Writer
	metrics *metrics.Registry
	health  *tzrouter.HealthChecker
	log     *slog.Logger

	corsOrigins     []string
	limiter         rateLimiter
	cache           cache.Cache
	cacheExclusions *cache.ExclusionList
}

// New constructs a Server. log may be nil, in which case slog.Default() is used.
func New(gc *config.GatewayConfig, rt *tzrouter.Router, store *observability.Writer, met *metrics.Registry, health *tzrouter.HealthChecker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{gc: gc, router: rt, store: store, metrics: met, health: health, log: log}
}

// SetCORSOrigins overrides the default open CORS policy.
func (s *Server) SetCORSOrigins(origins []string) { s.corsOrigins = origins }

// SetRateLimiter enables per-request rate limiting ahead of all handlers.
// Pass nil to disable (the default).
func (s *Server) SetRateLimiter(rl rateLimiter) { s.limiter = rl }

// MetricsHandler is registered as GET /metrics alongside the API routes.
type MetricsHandler = fasthttp.RequestHandler

// Start builds the route table and blocks serving HTTP on addr.
func (s *Server) Start(addr string, metricsHandler MetricsHandler) error {
	r := router.New()

	r.POST("/inference", s.handleInference)
	r.POST("/feedback", s.handleFeedback)
	r.GET("/inference/{id}", s.handleGetInference)
	r.GET("/episode/{id}", s.handleGetEpisode)
	r.POST("/openai/v1/chat/completions", s.handleOpenAIChatCompletions)
	r.POST("/v1/chat/completions", s.handleOpenAIChatCompletions)
	r.POST("/datasets/{name}/datapoints", s.handleDatasetsDatapoints)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
		rateLimit(s.limiter),
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	bind := addr
	if bind == "" {
		bind = s.gc.Gateway.BindAddress
	}
	return srv.ListenAndServe(bind)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
