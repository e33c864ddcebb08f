package forward

import (
	"sync"
	"time"
)

// cbState is the operational state of a per-upstream circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — upstream is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed to test the upstream.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package defaults.
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

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

type upstreamCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker manages independent circuit breakers keyed by upstream id.
// Entries are created lazily on first use — the set of upstream ids is
// config-driven, not a small closed list of known provider brands — so an
// upstream never seen before starts out Closed (optimistic allow) rather
// than needing pre-seeding.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*upstreamCB
	cfg      CBConfig
}

// NewCircuitBreaker builds a breaker set with the given tuning.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{breakers: make(map[string]*upstreamCB), cfg: cfg}
}

// Allow reports whether upstreamID should receive the next attempt. The
// router treats a false return the same as "zero endpoints" — it skips the
// upstream.
func (cb *CircuitBreaker) Allow(upstreamID string) bool {
	u := cb.getOrCreate(upstreamID)
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(u.openedAt) >= cb.cfg.halfOpenTimeout() {
			u.state = cbHalfOpen
			u.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if u.probeInflight {
			return false
		}
		u.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets upstreamID's breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess(upstreamID string) {
	u := cb.getOrCreate(upstreamID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = cbClosed
	u.errorCount = 0
	u.probeInflight = false
	u.windowStart = time.Now()
}

// RecordFailure increments upstreamID's rolling error count, opening the
// breaker once it reaches the configured threshold.
func (cb *CircuitBreaker) RecordFailure(upstreamID string) {
	u := cb.getOrCreate(upstreamID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if now.Sub(u.windowStart) > cb.cfg.timeWindow() {
		u.errorCount = 0
		u.windowStart = now
	}
	u.errorCount++
	u.probeInflight = false

	if u.errorCount >= cb.cfg.errorThreshold() {
		u.state = cbOpen
		u.openedAt = now
	}
}

// StateLabel returns "closed", "open", or "half_open", for metrics export.
func (cb *CircuitBreaker) StateLabel(upstreamID string) string {
	u := cb.getOrCreate(upstreamID)
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) getOrCreate(upstreamID string) *upstreamCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	u, ok := cb.breakers[upstreamID]
	if !ok {
		u = &upstreamCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[upstreamID] = u
	}
	return u
}
