package forward

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/arcrelay/forwardcore/internal/limiter"
	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/internal/translate"
)

// UnaryResult is what a provider handler returns for a non-streaming call:
// the ingress-shaped response body ready to write verbatim, plus whatever
// usage it could read off the upstream body.
type UnaryResult struct {
	Body  []byte
	Usage translate.Usage
}

// StreamWriter receives already-framed SSE bytes ("data: {...}\n\n") in
// emission order. It is a plain io.Writer — fasthttp's
// SetBodyStreamWriter hands the dispatcher a *bufio.Writer that satisfies
// it directly, and BridgeSSE's output pipe is io.Copy-able into it.
type StreamWriter = io.Writer

// ProviderHandler is implemented once per wire api_style (openai, anthropic,
// gemini) and serves every upstream of that style: an upstream's behavior
// only depends on which wire dialect it speaks, not on which company
// operates it.
type ProviderHandler interface {
	HandleUnary(ctx context.Context, fc *Context, endpoint string, body []byte) (*UnaryResult, error)
	HandleStream(ctx context.Context, fc *Context, endpoint string, body []byte, ingressStyle snapshot.APIStyle, w StreamWriter) error
}

// EmbedHandler is implemented by the provider packages whose wire format
// has an embeddings endpoint (openai, gemini; anthropic has no embeddings
// surface and registers no EmbedHandler).
type EmbedHandler interface {
	HandleEmbeddings(ctx context.Context, fc *Context, endpoint string, body []byte) (*UnaryResult, error)
}

// Dispatcher ties together rate/budget gating, router/fallback, the chosen
// provider handler, and format translation for one request, driven by
// config-defined routes instead of a fixed provider map.
type Dispatcher struct {
	Handlers  map[snapshot.APIStyle]ProviderHandler
	Embedders map[snapshot.APIStyle]EmbedHandler
	Router    *Router
	RPM       limiter.RPMLimiter
	Conc      *limiter.ConcurrencyGate
	Budget    *limiter.BudgetTracker
	Log       *slog.Logger
}

// Gate applies the rate/budget checks required before any provider is
// attempted. It returns a release func to call when the
// request completes (success, failure, or client cancel) and a typed error
// if the request must be rejected outright.
func (d *Dispatcher) Gate(ctx context.Context, sessionID string) (release func(), err error) {
	if d.Budget != nil {
		if window, budgetErr := d.Budget.Check(); budgetErr != nil {
			return nil, &Error{Kind: KindBudgetExceeded, Message: budgetErr.Error(), BudgetWindow: window}
		}
	}
	if d.RPM != nil {
		allowed, retryAfter, rpmErr := d.RPM.Allow(ctx)
		if rpmErr == nil && !allowed {
			return nil, &Error{Kind: KindTooManyRequests, Message: "rate limit exceeded", RetryAfterSeconds: int(retryAfter.Seconds()) + 1}
		}
	}
	if d.Conc != nil {
		rel, ok := d.Conc.Acquire(sessionID)
		if !ok {
			return nil, &Error{Kind: KindTooManyRequests, Message: "too many concurrent requests"}
		}
		return rel, nil
	}
	return func() {}, nil
}

// Dispatch runs the router/fallback loop for fc.Model, invoking the
// provider handler for the chosen upstream's api_style (translating when
// the client's ingress dialect differs from the upstream's own wire format;
// the route's declared provider is not consulted for that decision) until
// one attempt succeeds or the router reports exhaustion.
func (d *Dispatcher) Dispatch(ctx context.Context, fc *Context, reqBody []byte, ingressStyle snapshot.APIStyle) (*UnaryResult, error) {
	tried := make(map[string]bool)
	var lastErr error
	attempt := d.Router.NewAttempt(fc.Model)
	fallbackEnabled := fallbackEnabledFor(fc)

	for {
		route, upstream, err := attempt.Next(snapshotFromContext(fc), tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[upstream.ID] = true
		fc.Upstream = upstream
		fc.Route = route
		fc.Usage.UpstreamID = upstream.ID

		handler, ok := d.Handlers[upstream.APIStyle]
		if !ok {
			lastErr = &Error{Kind: KindUpstreamNotFound, Message: "no handler for upstream api_style", Upstream: upstream.ID}
			continue
		}

		outBody := reqBody
		if ingressStyle != upstream.APIStyle {
			outBody = translateRequest(ingressStyle, upstream.APIStyle, reqBody, fc, d.Log)
		}

		d.logRouteSelected(fc, ingressStyle)

		endpoint := pickEndpoint(upstream)
		result, handleErr := handler.HandleUnary(ctx, fc, endpoint, outBody)
		if handleErr == nil {
			d.recordSuccess(upstream.ID)
			fc.Usage.SetAuthoritative(result.Usage.PromptTokens, result.Usage.CompletionTokens)
			if ingressStyle != upstream.APIStyle {
				result.Body = translateResponse(upstream.APIStyle, ingressStyle, result.Body, fc)
			}
			return result, nil
		}

		d.recordFailure(upstream.ID)
		lastErr = handleErr
		if fwdErr, ok := handleErr.(*Error); ok && !fwdErr.Retryable() {
			return nil, fwdErr
		}
		if !fallbackEnabled {
			return nil, lastErr
		}
		d.logRetry(fc, upstream.ID, handleErr)
	}
}

// DispatchStream mirrors Dispatch for the streaming path: the chosen
// handler owns writing SSE frames to w as they arrive, via BridgeSSE when
// translation is needed. A mid-stream upstream error cannot fail over
// (bytes may already be on the wire) — it is reported and the stream ends.
func (d *Dispatcher) DispatchStream(ctx context.Context, fc *Context, reqBody []byte, ingressStyle snapshot.APIStyle, w StreamWriter) error {
	tried := make(map[string]bool)
	var lastErr error
	attempt := d.Router.NewAttempt(fc.Model)
	fallbackEnabled := fallbackEnabledFor(fc)

	for {
		route, upstream, err := attempt.Next(snapshotFromContext(fc), tried)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		tried[upstream.ID] = true
		fc.Upstream = upstream
		fc.Route = route
		fc.Usage.UpstreamID = upstream.ID

		handler, ok := d.Handlers[upstream.APIStyle]
		if !ok {
			lastErr = &Error{Kind: KindUpstreamNotFound, Message: "no handler for upstream api_style", Upstream: upstream.ID}
			continue
		}

		outBody := reqBody
		if ingressStyle != upstream.APIStyle {
			outBody = translateRequest(ingressStyle, upstream.APIStyle, reqBody, fc, d.Log)
		}

		d.logRouteSelected(fc, ingressStyle)

		endpoint := pickEndpoint(upstream)
		handleErr := handler.HandleStream(ctx, fc, endpoint, outBody, ingressStyle, w)
		if handleErr == nil {
			d.recordSuccess(upstream.ID)
			return nil
		}

		d.recordFailure(upstream.ID)
		lastErr = handleErr
		// Handlers return a typed *Error only before they write; any other
		// error (a failed copy after frames went out) is final.
		fwdErr, ok := handleErr.(*Error)
		if !ok || !fwdErr.Retryable() {
			return handleErr
		}
		if !fallbackEnabled {
			return lastErr
		}
		d.logRetry(fc, upstream.ID, handleErr)
		// Once a provider handler starts writing frames it owns the wire;
		// a handler may only return a retryable error before it writes.
	}
}

// DispatchEmbeddings serves an embeddings request: unlike Dispatch/
// DispatchStream it makes a single attempt against the first
// eligible route, relying on the transport-level retry in internal/httpclient
// rather than router fallback, and never translates the body — a route is
// only eligible when its declared provider matches its upstream's own wire
// style.
func (d *Dispatcher) DispatchEmbeddings(ctx context.Context, fc *Context, reqBody []byte) (*UnaryResult, error) {
	route, upstream, err := d.Router.Next(snapshotFromContext(fc), fc.Model, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if route.Provider != upstream.APIStyle {
		return nil, &Error{Kind: KindUpstreamNotFound, Message: "embeddings route provider does not match upstream api_style", Upstream: upstream.ID}
	}
	embedder, ok := d.Embedders[upstream.APIStyle]
	if !ok {
		return nil, &Error{Kind: KindUpstreamNotFound, Message: "upstream api_style has no embeddings support", Upstream: upstream.ID}
	}

	fc.Upstream = upstream
	fc.Route = route
	fc.Usage.UpstreamID = upstream.ID

	endpoint := pickEndpoint(upstream)
	result, handleErr := embedder.HandleEmbeddings(ctx, fc, endpoint, reqBody)
	if handleErr != nil {
		d.recordFailure(upstream.ID)
		return nil, handleErr
	}
	d.recordSuccess(upstream.ID)
	fc.Usage.SetAuthoritative(result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

// fallbackEnabledFor reports whether the router/fallback loop should walk
// every candidate route for fc's model (enable_retry_fallback=true) or stop
// after the first attempt and leave retries to the transport layer alone.
// A missing snapshot matches the config default (false).
func fallbackEnabledFor(fc *Context) bool {
	snap := snapshotFromContext(fc)
	return snap != nil && snap.EnableRetryFallback
}

// logRouteSelected emits the one INFO log a request produces once route
// selection has picked an upstream: model id, upstream id, provider, and
// whether the request is streaming.
func (d *Dispatcher) logRouteSelected(fc *Context, ingressStyle snapshot.APIStyle) {
	if d.Log == nil {
		return
	}
	d.Log.Info("request_routed",
		slog.String("request_id", fc.RequestID),
		slog.String("model", fc.Model.ID),
		slog.String("upstream", fc.Upstream.ID),
		slog.String("provider", string(fc.Upstream.APIStyle)),
		slog.Bool("stream", fc.IsStreaming),
	)
}

// logRetry emits the WARN log for a retryable failure that the fallback
// loop is about to recover from by advancing to the next route.
func (d *Dispatcher) logRetry(fc *Context, upstreamID string, handleErr error) {
	if d.Log == nil {
		return
	}
	d.Log.Warn("upstream_attempt_failed",
		slog.String("request_id", fc.RequestID),
		slog.String("model", fc.Model.ID),
		slog.String("upstream", upstreamID),
		slog.String("error", handleErr.Error()),
	)
}

func (d *Dispatcher) recordSuccess(upstreamID string) {
	if cb := d.circuitBreaker(); cb != nil {
		cb.RecordSuccess(upstreamID)
	}
}

func (d *Dispatcher) recordFailure(upstreamID string) {
	if cb := d.circuitBreaker(); cb != nil {
		cb.RecordFailure(upstreamID)
	}
}

func (d *Dispatcher) circuitBreaker() *CircuitBreaker {
	if d.Router == nil {
		return nil
	}
	return d.Router.cb
}

// pickEndpoint always picks the first endpoint; round-robin across
// multiple endpoints on one upstream is left to a future revision.
func pickEndpoint(u snapshot.Upstream) string {
	if len(u.Endpoints) == 0 {
		return ""
	}
	return u.Endpoints[0]
}

// snapshotFromContext exists so Dispatch can re-resolve the live snapshot
// through the router without the Context itself holding a pointer back to
// the snapshot that produced it — Context only carries the Model/Route/
// Upstream values it resolved against, owned for the lifetime of the
// request.
func snapshotFromContext(fc *Context) *snapshot.ConfigSnapshot {
	return currentSnapshot.Load()
}

// currentSnapshot is set by the app wiring once per reload and read here;
// Dispatch always routes against the snapshot live at call time, matching
// every other component's "read the current pointer" convention. It is an
// atomic.Pointer, not a plain pointer, because SetSnapshot is written from
// the config-reload goroutine (internal/app) while snapshotFromContext and
// CurrentRetryConfig are read concurrently from every in-flight request —
// the same atomic-pointer-swap pattern internal/config.Sink uses for its
// own `current` field.
var currentSnapshot atomic.Pointer[snapshot.ConfigSnapshot]

// SetSnapshot installs the snapshot the router/dispatcher reads. Called by
// internal/app on startup and on every config reload.
func SetSnapshot(s *snapshot.ConfigSnapshot) {
	currentSnapshot.Store(s)
}

// CurrentRetryConfig returns the transport-level retry policy from the live
// snapshot; provider handlers read it rather than carrying their own copy,
// so a config reload takes effect on the next attempt without replumbing.
func CurrentRetryConfig() snapshot.RetryConfig {
	s := currentSnapshot.Load()
	if s == nil {
		return snapshot.RetryConfig{MaxAttempts: 1}
	}
	return s.Retry
}

func translateRequest(from, to snapshot.APIStyle, body []byte, fc *Context, log *slog.Logger) []byte {
	return translatePivot(from, to, body, fc.Model.ID, log)
}

func translateResponse(from, to snapshot.APIStyle, body []byte, fc *Context) []byte {
	return translatePivot(from, to, body, fc.Model.ID, nil)
}
