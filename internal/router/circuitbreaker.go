// Package router implements variant selection and the provider routing /
// fallback state machine: given a resolved
// variant bound to a model, it walks the model's routing list of provider
// names, retrying each one per the variant's retry policy and skipping
// providers whose circuit breaker is open, until one succeeds or the list
// is exhausted.
package router

import (
	"sync"
	"time"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// CBConfig configures the per-provider circuit breaker thresholds. Zero
// values fall back to the package defaults.
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

func (c CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

// providerCB is the per-provider breaker state.
type providerCB struct {
	mu            sync.Mutex
	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker tracks breaker state per provider *name*. Unlike the
// teacher's proxy.CircuitBreaker (which only knew about a fixed global
// provider list), breakers here are created lazily on first use — the set
// of provider names is config-driven (model routing lists, potentially one
// entry per variant) and not known in advance.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the given configuration.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{breakers: make(map[string]*providerCB), cfg: cfg}
}

func (cb *CircuitBreaker) get(name string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	b, ok := cb.breakers[name]
	if !ok {
		b = &providerCB{state: cbClosed}
		cb.breakers[name] = b
	}
	return b
}

// Allow reports whether a call to the named provider may proceed. An open
// breaker that has passed its half-open timeout allows exactly one probe
// call through; further calls are rejected until that probe resolves.
func (cb *CircuitBreaker) Allow(name string) bool {
	b := cb.get(name)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(b.openedAt) < cb.cfg.halfOpenTimeout() {
			return false
		}
		if b.probeInflight {
			return false
		}
		b.state = cbHalfOpen
		b.probeInflight = true
		return true
	case cbHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker (from any state).
func (cb *CircuitBreaker) RecordSuccess(name string) {
	b := cb.get(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = cbClosed
	b.errorCount = 0
	b.probeInflight = false
}

// RecordFailure counts an error within the rolling window, tripping the
// breaker once the threshold is reached. A failed half-open probe reopens
// immediately.
func (cb *CircuitBreaker) RecordFailure(name string) {
	b := cb.get(name)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == cbHalfOpen {
		b.state = cbOpen
		b.openedAt = time.Now()
		b.probeInflight = false
		return
	}

	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > cb.cfg.timeWindow() {
		b.windowStart = now
		b.errorCount = 0
	}
	b.errorCount++

	if b.errorCount >= cb.cfg.errorThreshold() {
		b.state = cbOpen
		b.openedAt = now
	}
}

// State returns the current breaker state as an integer for metrics
// (0=closed, 1=open, 2=half-open).
func (cb *CircuitBreaker) State(name string) int {
	b := cb.get(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.state)
}

// StateLabel returns the breaker state as a human-readable label.
func (cb *CircuitBreaker) StateLabel(name string) string {
	switch cbState(cb.State(name)) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
