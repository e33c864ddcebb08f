// Package metrics provides a Prometheus metrics registry for the request
// forwarding core.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// forward_inflight_requests
	inFlight prometheus.Gauge

	// forward_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// forward_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// forward_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// forward_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// forward_requests_total{model,status}
	requestsTotal *prometheus.CounterVec

	// forward_request_duration_seconds{model,upstream,stream}
	requestDuration *prometheus.HistogramVec

	// forward_upstream_attempts_total{upstream,api_style,outcome}
	upstreamAttempts *prometheus.CounterVec

	// forward_upstream_attempt_duration_seconds{upstream,api_style,outcome}
	upstreamDuration *prometheus.HistogramVec

	// forward_translate_total{from,to,direction}
	translateTotal *prometheus.CounterVec

	// forward_provider_errors_total{upstream,error_kind}
	providerErrors *prometheus.CounterVec

	// forward_circuit_breaker_state{upstream} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// forward_circuit_breaker_transitions_total{upstream,to_state}
	cbTransitions *prometheus.CounterVec

	// forward_circuit_breaker_rejections_total{upstream}
	cbRejections *prometheus.CounterVec

	// forward_route_failover_total{model,from_upstream,to_upstream,reason}
	failoverEvents *prometheus.CounterVec

	// forward_route_exhausted_total{model}
	routeExhausted *prometheus.CounterVec

	// forward_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// forward_budget_rejections_total
	budgetRejections prometheus.Counter

	// forward_tokens_total{model,upstream,direction}
	tokensTotal *prometheus.CounterVec

	// forward_cost_usd_total{model}
	costTotal *prometheus.CounterVec

	// forward_upstream_health{upstream}
	upstreamHealth *prometheus.GaugeVec

	// forward_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forward_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_http_requests_total",
				Help: "Total number of HTTP requests handled, by ingress route and status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forward_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, end-to-end including upstream round trip",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forward_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12),
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forward_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14),
			},
			[]string{"route", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_requests_total",
				Help: "Total number of forwarded requests by model and outcome status",
			},
			[]string{"model", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forward_request_duration_seconds",
				Help:    "End-to-end forwarded request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"model", "upstream", "stream"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_upstream_attempts_total",
				Help: "Total upstream attempts, including those superseded by failover",
			},
			[]string{"upstream", "api_style", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forward_upstream_attempt_duration_seconds",
				Help:    "Duration of a single upstream attempt in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"upstream", "api_style", "outcome"},
		),

		translateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_translate_total",
				Help: "Wire-format translations performed, by source style, target style, and direction",
			},
			[]string{"from", "to", "direction"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_provider_errors_total",
				Help: "Total upstream errors by upstream id and error kind",
			},
			[]string{"upstream", "error_kind"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forward_circuit_breaker_state",
				Help: "Circuit breaker state per upstream (0=closed,1=open,2=half-open)",
			},
			[]string{"upstream"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"upstream", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_circuit_breaker_rejections_total",
				Help: "Requests skipped over an upstream because its circuit was open",
			},
			[]string{"upstream"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_route_failover_total",
				Help: "Failover events, emitted when a request moves to a different upstream than its first attempt",
			},
			[]string{"model", "from_upstream", "to_upstream", "reason"},
		),

		routeExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_route_exhausted_total",
				Help: "Requests that exhausted every eligible route for their model without success",
			},
			[]string{"model"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forward_budget_rejections_total",
			Help: "Requests rejected because a budget window was exhausted",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_tokens_total",
				Help: "Token usage totals derived from upstream usage fields or estimated during streaming",
			},
			[]string{"model", "upstream", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forward_cost_usd_total",
				Help: "Accumulated cost in USD, by model, derived from per-1K prices",
			},
			[]string{"model"},
		),

		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forward_upstream_health",
				Help: "Upstream health status (1=ok, 0=degraded)",
			},
			[]string{"upstream"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forward_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.translateTotal,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.routeExhausted,
		r.rateLimitTotal,
		r.budgetRejections,
		r.tokensTotal,
		r.costTotal,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one ingress request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordRequest records the terminal outcome of one forwarded request.
func (r *Registry) RecordRequest(model string, statusCode int, upstream string, streaming bool, dur time.Duration) {
	r.requestsTotal.WithLabelValues(model, strconv.Itoa(statusCode)).Inc()
	stream := "false"
	if streaming {
		stream = "true"
	}
	r.requestDuration.WithLabelValues(model, upstream, stream).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt, win or loss.
func (r *Registry) ObserveUpstreamAttempt(upstream, apiStyle, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(upstream, apiStyle, outcome).Inc()
	r.upstreamDuration.WithLabelValues(upstream, apiStyle, outcome).Observe(dur.Seconds())
}

// RecordTranslation counts one request or response body translation.
func (r *Registry) RecordTranslation(from, to, direction string) {
	r.translateTotal.WithLabelValues(from, to, direction).Inc()
}

func (r *Registry) RecordFailover(model, fromUpstream, toUpstream, reason string) {
	r.failoverEvents.WithLabelValues(model, fromUpstream, toUpstream, reason).Inc()
}

func (r *Registry) RecordRouteExhausted(model string) {
	r.routeExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordBudgetRejection() {
	r.budgetRejections.Inc()
}

func (r *Registry) AddTokens(model, upstream string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(model, upstream, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(model, upstream, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) AddCost(model string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(model).Add(usd)
	}
}

func (r *Registry) SetUpstreamHealth(upstream string, ok bool) {
	if ok {
		r.upstreamHealth.WithLabelValues(upstream).Set(1)
		return
	}
	r.upstreamHealth.WithLabelValues(upstream).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(upstream, errKind string) {
	r.providerErrors.WithLabelValues(upstream, errKind).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(upstream string, state int64) {
	r.circuitBreakerState.WithLabelValues(upstream).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[upstream]
	if !ok || prev != float64(state) {
		r.lastCBState[upstream] = float64(state)
		r.cbTransitions.WithLabelValues(upstream, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(upstream string) {
	r.cbRejections.WithLabelValues(upstream).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
