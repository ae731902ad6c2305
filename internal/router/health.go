package router

import (
	"context"
	"sync"
	"time"

	"github.com/tensorzero-go/gateway/internal/metrics"
	"github.com/tensorzero-go/gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against every provider named in the
// gateway config's model table (not a fixed list) plus the cache and
// observability store, and exposes the latest results for /health and
// /readiness.
type HealthChecker struct {
	providers  map[string]providers.Provider
	cacheReady func() bool
	storeReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	storeStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. provs should be the same map built by BuildProviders so every
// configured provider — whatever the deployment named it — gets probed.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	cacheReady func() bool,
	storeReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:        provs,
		cacheReady:       cacheReady,
		storeReady:       storeReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Store         string            `json:"observability_store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provStatus := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provStatus[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	store := hc.storeStatus.get()

	if store == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provStatus,
		Cache:         cache,
		Store:         store,
	}
}

// ReadinessOK reports whether the observability store is reachable, used by
// GET /readiness for orchestrator probes. A gateway with observability
// disabled (gateway.disable_observability) treats a nil storeReady probe
// as always ready.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range hc.providers {
		name, prov := name, prov
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := prov.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.storeReady == nil || hc.storeReady() {
			hc.storeStatus.set("ok")
		} else {
			hc.storeStatus.set("down")
		}
	}()

	wg.Wait()
}
