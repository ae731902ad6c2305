// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initProviders — LLM provider clients, keyed by the TOML model routing
//  3. initServices  — cache, metrics registry, observability store
//  4. initGateway   — router, health checker, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/tensorzero-go/gateway/internal/cache"
	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/httpapi"
	"github.com/tensorzero-go/gateway/internal/metrics"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/internal/providers"
	"github.com/tensorzero-go/gateway/internal/router"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache *npCache.MemoryCache

	prom *metrics.Registry

	gatewayConfig *config.GatewayConfig
	provs         map[string]providers.Provider
	store         *observability.Writer
	rt            *router.Router
	health        *router.HealthChecker
	api           *httpapi.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.api.Start(addr, a.prom.Handler())
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. It may be called more
// than once, since each released resource is cleared, but calls are not
// synchronized with each other.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("observability store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}
