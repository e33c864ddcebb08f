package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	ctx.Request.Header.SetMethod("GET")
	r.Handler()(ctx)
	return string(ctx.Response.Body())
}

func TestNew_RegistersGoAndProcessCollectors(t *testing.T) {
	r := New()
	body := scrape(t, r)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected the Go collector's metrics in the scrape output")
	}
}

func TestObserveHTTP_RecordsRequestAndDuration(t *testing.T) {
	r := New()
	r.ObserveHTTP("/v1/chat/completions", 200, 25*time.Millisecond, 128, 512)

	body := scrape(t, r)
	if !strings.Contains(body, `forward_http_requests_total{route="/v1/chat/completions",status="200"} 1`) {
		t.Fatalf("expected one http request recorded for the route, got:\n%s", body)
	}
	if !strings.Contains(body, "forward_http_request_duration_seconds_bucket") {
		t.Fatalf("expected duration histogram buckets in output")
	}
}

func TestObserveHTTP_SkipsSizeObservationsWhenNegative(t *testing.T) {
	r := New()
	r.ObserveHTTP("/v1/embeddings", 200, time.Millisecond, -1, -1)

	body := scrape(t, r)
	if strings.Contains(body, `forward_http_request_size_bytes_count{route="/v1/embeddings"} 1`) {
		t.Fatalf("expected no request size observation when reqBytes is negative")
	}
}

func TestRecordRequest_LabelsStreamingAsString(t *testing.T) {
	r := New()
	r.RecordRequest("gpt-4o", 200, "up-openai", true, 100*time.Millisecond)

	body := scrape(t, r)
	if !strings.Contains(body, `forward_requests_total{model="gpt-4o",status="200"} 1`) {
		t.Fatalf("expected a request total for gpt-4o/200, got:\n%s", body)
	}
	if !strings.Contains(body, `forward_request_duration_seconds_count{model="gpt-4o",stream="true",upstream="up-openai"} 1`) {
		t.Fatalf("expected the stream label to be the string \"true\", got:\n%s", body)
	}
}

func TestObserveUpstreamAttempt_RecordsCounterAndHistogram(t *testing.T) {
	r := New()
	r.ObserveUpstreamAttempt("up-anthropic", "anthropic", "success", 50*time.Millisecond)

	body := scrape(t, r)
	if !strings.Contains(body, `forward_upstream_attempts_total{api_style="anthropic",outcome="success",upstream="up-anthropic"} 1`) {
		t.Fatalf("expected one recorded upstream attempt, got:\n%s", body)
	}
}

func TestRecordTranslation_IncrementsByDirection(t *testing.T) {
	r := New()
	r.RecordTranslation("anthropic", "openai", "request")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_translate_total{direction="request",from="anthropic",to="openai"} 1`) {
		t.Fatalf("expected one translation counted, got:\n%s", body)
	}
}

func TestRecordFailover_LabelsAllFourDimensions(t *testing.T) {
	r := New()
	r.RecordFailover("gpt-4o", "up-a", "up-b", "circuit_open")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_route_failover_total{from_upstream="up-a",model="gpt-4o",reason="circuit_open",to_upstream="up-b"} 1`) {
		t.Fatalf("expected the failover event recorded with all labels, got:\n%s", body)
	}
}

func TestRecordRouteExhausted_IncrementsPerModel(t *testing.T) {
	r := New()
	r.RecordRouteExhausted("gpt-4o")
	r.RecordRouteExhausted("gpt-4o")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_route_exhausted_total{model="gpt-4o"} 2`) {
		t.Fatalf("expected two exhaustion events for gpt-4o, got:\n%s", body)
	}
}

func TestRecordRateLimit_IncrementsByResult(t *testing.T) {
	r := New()
	r.RecordRateLimit("allowed")
	r.RecordRateLimit("rejected")
	r.RecordRateLimit("allowed")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_ratelimit_total{result="allowed"} 2`) {
		t.Fatalf("expected two allowed decisions, got:\n%s", body)
	}
	if !strings.Contains(body, `forward_ratelimit_total{result="rejected"} 1`) {
		t.Fatalf("expected one rejected decision, got:\n%s", body)
	}
}

func TestRecordBudgetRejection_IncrementsCounter(t *testing.T) {
	r := New()
	r.RecordBudgetRejection()
	r.RecordBudgetRejection()

	body := scrape(t, r)
	if !strings.Contains(body, "forward_budget_rejections_total 2") {
		t.Fatalf("expected two budget rejections, got:\n%s", body)
	}
}

func TestAddTokens_SkipsZeroDirections(t *testing.T) {
	r := New()
	r.AddTokens("gpt-4o", "up-openai", 100, 0)

	body := scrape(t, r)
	if !strings.Contains(body, `forward_tokens_total{direction="prompt",model="gpt-4o",upstream="up-openai"} 100`) {
		t.Fatalf("expected prompt tokens recorded, got:\n%s", body)
	}
	if strings.Contains(body, `direction="completion",model="gpt-4o"`) {
		t.Fatalf("expected no completion token series when completionTokens is 0")
	}
}

func TestAddCost_SkipsNonPositiveAmounts(t *testing.T) {
	r := New()
	r.AddCost("gpt-4o", 0.05)
	r.AddCost("gpt-4o", 0)

	body := scrape(t, r)
	if !strings.Contains(body, `forward_cost_usd_total{model="gpt-4o"} 0.05`) {
		t.Fatalf("expected accumulated cost of 0.05, got:\n%s", body)
	}
}

func TestSetUpstreamHealth_TogglesGauge(t *testing.T) {
	r := New()
	r.SetUpstreamHealth("up-openai", true)
	body := scrape(t, r)
	if !strings.Contains(body, `forward_upstream_health{upstream="up-openai"} 1`) {
		t.Fatalf("expected health gauge set to 1, got:\n%s", body)
	}

	r.SetUpstreamHealth("up-openai", false)
	body = scrape(t, r)
	if !strings.Contains(body, `forward_upstream_health{upstream="up-openai"} 0`) {
		t.Fatalf("expected health gauge set to 0 after degrading, got:\n%s", body)
	}
}

func TestSetBuildInfo_SetsVersionedGauge(t *testing.T) {
	r := New()
	r.SetBuildInfo("v1.2.3")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_build_info{version="v1.2.3"} 1`) {
		t.Fatalf("expected build info gauge for v1.2.3, got:\n%s", body)
	}
}

func TestRecordError_IncrementsByUpstreamAndKind(t *testing.T) {
	r := New()
	r.RecordError("up-openai", "rate_limited")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_provider_errors_total{error_kind="rate_limited",upstream="up-openai"} 1`) {
		t.Fatalf("expected one provider error recorded, got:\n%s", body)
	}
}

func TestSetCircuitBreaker_CountsTransitionOnlyOnChange(t *testing.T) {
	r := New()
	r.SetCircuitBreaker("up-openai", 0)
	r.SetCircuitBreaker("up-openai", 0)
	r.SetCircuitBreaker("up-openai", 1)

	body := scrape(t, r)
	if !strings.Contains(body, `forward_circuit_breaker_state{upstream="up-openai"} 1`) {
		t.Fatalf("expected the state gauge to reflect the latest state, got:\n%s", body)
	}
	if !strings.Contains(body, `forward_circuit_breaker_transitions_total{to_state="0",upstream="up-openai"} 1`) {
		t.Fatalf("expected exactly one transition into state 0 despite two SetCircuitBreaker(0) calls, got:\n%s", body)
	}
	if !strings.Contains(body, `forward_circuit_breaker_transitions_total{to_state="1",upstream="up-openai"} 1`) {
		t.Fatalf("expected one transition into state 1, got:\n%s", body)
	}
}

func TestRecordCircuitBreakerRejection_IncrementsPerUpstream(t *testing.T) {
	r := New()
	r.RecordCircuitBreakerRejection("up-openai")
	r.RecordCircuitBreakerRejection("up-openai")
	r.RecordCircuitBreakerRejection("up-anthropic")

	body := scrape(t, r)
	if !strings.Contains(body, `forward_circuit_breaker_rejections_total{upstream="up-openai"} 2`) {
		t.Fatalf("expected two rejections for up-openai, got:\n%s", body)
	}
	if !strings.Contains(body, `forward_circuit_breaker_rejections_total{upstream="up-anthropic"} 1`) {
		t.Fatalf("expected one rejection for up-anthropic, got:\n%s", body)
	}
}

func TestInFlight_IncAndDecTrackCurrentCount(t *testing.T) {
	r := New()
	r.IncInFlight()
	r.IncInFlight()
	r.DecInFlight()

	body := scrape(t, r)
	if !strings.Contains(body, "forward_inflight_requests 1") {
		t.Fatalf("expected the in-flight gauge to read 1 after two incs and one dec, got:\n%s", body)
	}
}

func TestPromRegistry_ReturnsUnderlyingRegistry(t *testing.T) {
	r := New()
	if r.PromRegistry() == nil {
		t.Fatalf("expected a non-nil underlying prometheus registry")
	}
}
