package limiter

import "sync"

// ConcurrencyGate tracks global and per-session in-flight request counts
// under one short-held mutex. Acquire returns a release closure the caller
// defers, so the decrement always runs on every exit path — success, error,
// panic (via defer), or client cancel.
type ConcurrencyGate struct {
	mu                      sync.Mutex
	global                  int
	bySession               map[string]int
	maxGlobal               int
	maxPerSession           int
}

// NewConcurrencyGate builds a gate. maxGlobal == 0 disables the global
// check; maxPerSession == 0 disables the per-session check.
func NewConcurrencyGate(maxGlobal, maxPerSession int) *ConcurrencyGate {
	return &ConcurrencyGate{
		bySession:     make(map[string]int),
		maxGlobal:     maxGlobal,
		maxPerSession: maxPerSession,
	}
}

// Acquire admits one request, identified by an optional sessionID ("" for
// none). On success it returns a release func that must be deferred by the
// caller. On rejection it returns ok=false and a nil release.
func (g *ConcurrencyGate) Acquire(sessionID string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxGlobal > 0 && g.global+1 > g.maxGlobal {
		return nil, false
	}
	if sessionID != "" && g.maxPerSession > 0 && g.bySession[sessionID]+1 > g.maxPerSession {
		return nil, false
	}

	g.global++
	if sessionID != "" {
		g.bySession[sessionID]++
	}

	released := false
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if released {
			return
		}
		released = true
		if g.global > 0 {
			g.global--
		}
		if sessionID != "" {
			if n := g.bySession[sessionID]; n > 0 {
				if n == 1 {
					delete(g.bySession, sessionID)
				} else {
					g.bySession[sessionID] = n - 1
				}
			}
		}
	}, true
}

// GlobalInFlight returns the current global in-flight count, for metrics.
func (g *ConcurrencyGate) GlobalInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.global
}
