package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/tensorzero-go/gateway/internal/cache"
	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/httpapi"
	"github.com/tensorzero-go/gateway/internal/metrics"
	"github.com/tensorzero-go/gateway/internal/observability"
	"github.com/tensorzero-go/gateway/internal/ratelimit"
	"github.com/tensorzero-go/gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders loads the function/variant/model document and builds the
// provider map it references. At least one provider must come out of this —
// an empty map means the TOML document named no reachable providers.
func (a *App) initProviders(ctx context.Context) error {
	gc, err := config.LoadGatewayConfig(a.cfg.GatewayConfigPath)
	if err != nil {
		return fmt.Errorf("load gateway config %s: %w", a.cfg.GatewayConfigPath, err)
	}
	a.gatewayConfig = gc

	provs, err := router.BuildProviders(ctx, a.cfg, gc)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	if len(provs) == 0 {
		return fmt.Errorf("no providers resolved from %s", a.cfg.GatewayConfigPath)
	}
	a.provs = provs

	names := make([]string, 0, len(provs))
	for n := range provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, the Prometheus metrics registry,
// and the ClickHouse-backed observability store.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.gatewayConfig.Gateway.DisableObservability || a.cfg.ClickHouse.Addr == "" {
		a.log.Info("observability store: disabled")
		store, err := observability.NewWriter(ctx, nil, a.log)
		if err != nil {
			return fmt.Errorf("observability writer: %w", err)
		}
		a.store = store
		return nil
	}

	conn, err := observability.Open(ctx, observability.Config{
		Addr:     []string{a.cfg.ClickHouse.Addr},
		Database: a.cfg.ClickHouse.Database,
		Username: a.cfg.ClickHouse.Username,
		Password: a.cfg.ClickHouse.Password,
		TLS:      a.cfg.ClickHouse.TLS,
	})
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}

	store, err := observability.NewWriter(ctx, conn, a.log)
	if err != nil {
		return fmt.Errorf("observability writer: %w", err)
	}
	a.store = store
	a.log.Info("observability store: clickhouse", slog.String("database", a.cfg.ClickHouse.Database))

	return nil
}

// initGateway wires together the router, health checker and HTTP server.
func (a *App) initGateway(ctx context.Context) error {
	var cacheReady func() bool
	var cacheImpl npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	default:
		cacheReady = func() bool { return true }
	}

	rt := router.New(a.provs, router.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	}, a.log, a.prom)
	rt.SetDatapointSource(a.store)
	a.rt = rt

	a.health = router.NewHealthChecker(ctx, a.provs, cacheReady, a.store.Ready, a.prom)

	api := httpapi.New(a.gatewayConfig, rt, a.store, a.prom, a.health, a.log)
	api.SetCORSOrigins(a.cfg.CORSOrigins)

	if cacheImpl != nil {
		api.SetCache(cacheImpl)
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			api.SetCacheExclusions(el)
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		api.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.api = api

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
