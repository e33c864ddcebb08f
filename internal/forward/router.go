package forward

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sort"

	"github.com/arcrelay/forwardcore/internal/snapshot"
)

// Router walks a model's candidate routes in priority order, skipping
// upstreams whose circuit breaker is open or which have no endpoints left.
// It walks the config-defined Routes attached to the resolved model rather
// than any fixed provider order.
type Router struct {
	cb *CircuitBreaker
}

// NewRouter builds a router backed by the given circuit breaker set.
func NewRouter(cb *CircuitBreaker) *Router {
	return &Router{cb: cb}
}

// candidateOrder returns model.Routes sorted by descending Priority (nil
// priority sorts last, as if Priority were -infinity), with routes that
// share a priority shuffled once using a seed derived from crypto/rand so
// ties don't always favor the same upstream across requests.
func candidateOrder(model snapshot.Model) []snapshot.Route {
	routes := make([]snapshot.Route, len(model.Routes))
	copy(routes, model.Routes)

	sort.SliceStable(routes, func(i, j int) bool {
		pi, pj := routes[i].Priority, routes[j].Priority
		switch {
		case pi == nil && pj == nil:
			return false
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return *pi > *pj
		}
	})

	rng := mathrand.New(mathrand.NewSource(randSeed()))
	start := 0
	for start < len(routes) {
		end := start + 1
		for end < len(routes) && priorityEqual(routes[start].Priority, routes[end].Priority) {
			end++
		}
		rng.Shuffle(end-start, func(i, j int) {
			routes[start+i], routes[start+j] = routes[start+j], routes[start+i]
		})
		start = end
	}
	return routes
}

func priorityEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func randSeed() int64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// Attempt pins the equal-priority shuffle for one request: candidateOrder
// is computed once, when NewAttempt builds the Attempt, and every retry within
// the same request walks that same order — random on the first pass, then
// deterministic on retry, per the fallback tie-break rule.
type Attempt struct {
	router  *Router
	modelID string
	order   []snapshot.Route
}

// NewAttempt starts a fallback attempt for model. Call Next on the
// returned Attempt once per try; it is not safe for concurrent use by
// more than one goroutine, matching the rest of the per-request Context.
func (r *Router) NewAttempt(model snapshot.Model) *Attempt {
	return &Attempt{router: r, modelID: model.ID, order: candidateOrder(model)}
}

// Next returns the next untried, eligible, circuit-closed route from this
// attempt's pinned order, along with its resolved upstream. tried is keyed
// by route.UpstreamID and is mutated by the caller between attempts, not
// by Next. It returns a KindUpstreamExhausted error once every candidate
// has been tried or skipped.
func (a *Attempt) Next(snap *snapshot.ConfigSnapshot, tried map[string]bool) (snapshot.Route, snapshot.Upstream, error) {
	for _, route := range a.order {
		if tried[route.UpstreamID] {
			continue
		}
		upstream, ok := snap.Upstream(route.UpstreamID)
		if !ok || !upstream.Eligible() {
			continue
		}
		if a.router.cb != nil && !a.router.cb.Allow(upstream.ID) {
			continue
		}
		return route, upstream, nil
	}
	return snapshot.Route{}, snapshot.Upstream{}, &Error{
		Kind:    KindUpstreamExhausted,
		Message: fmt.Sprintf("no eligible upstream remained for model %q", a.modelID),
		Model:   a.modelID,
	}
}

// Next is a convenience for a single-try caller: it starts a fresh Attempt
// and takes its first pick. Callers that may retry within one request
// (the dispatch loop) must use NewAttempt directly so the equal-priority
// order is pinned across retries instead of reshuffled on each call.
func (r *Router) Next(snap *snapshot.ConfigSnapshot, model snapshot.Model, tried map[string]bool) (snapshot.Route, snapshot.Upstream, error) {
	return r.NewAttempt(model).Next(snap, tried)
}
