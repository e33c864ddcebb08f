package forward

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/internal/translate"
)

type fakeHandler struct {
	unaryErr    error
	unaryResult *UnaryResult
	calls       int
}

func (f *fakeHandler) HandleUnary(ctx context.Context, fc *Context, endpoint string, body []byte) (*UnaryResult, error) {
	f.calls++
	if f.unaryErr != nil {
		return nil, f.unaryErr
	}
	return f.unaryResult, nil
}

func (f *fakeHandler) HandleStream(ctx context.Context, fc *Context, endpoint string, body []byte, ingressStyle snapshot.APIStyle, w StreamWriter) error {
	return nil
}

func (f *fakeHandler) HandleEmbeddings(ctx context.Context, fc *Context, endpoint string, body []byte) (*UnaryResult, error) {
	f.calls++
	if f.unaryErr != nil {
		return nil, f.unaryErr
	}
	return f.unaryResult, nil
}

func newFC(modelID string) *Context {
	return &Context{
		RequestID: "req-1",
		Model:     snapshot.Model{ID: modelID},
		Usage:     NewUsageTracker(modelID, "", "", "", ""),
	}
}

func TestDispatch_FallsOverOnRetryableError(t *testing.T) {
	snap := snapshot.New(
		[]snapshot.Upstream{
			{ID: "flaky", Endpoints: []string{"https://flaky"}, APIStyle: snapshot.APIStyleOpenAI},
			{ID: "stable", Endpoints: []string{"https://stable"}, APIStyle: snapshot.APIStyleOpenAI},
		},
		nil,
		snapshot.ConfigSnapshot{EnableRetryFallback: true},
	)
	SetSnapshot(snap)
	defer SetSnapshot(nil)

	model := snapshot.Model{
		ID: "m1",
		Routes: []snapshot.Route{
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "flaky", Priority: intPtr(10)},
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "stable", Priority: intPtr(1)},
		},
	}

	flakyHandler := &fakeHandler{unaryErr: &Error{Kind: KindUpstreamTimeout, Message: "timed out"}}
	stableHandler := &fakeHandler{unaryResult: &UnaryResult{Body: []byte(`{"ok":true}`), Usage: translate.Usage{PromptTokens: 3, CompletionTokens: 4}}}

	d := &Dispatcher{
		Handlers: map[snapshot.APIStyle]ProviderHandler{snapshot.APIStyleOpenAI: multiplexHandler{
			byUpstream: map[string]*fakeHandler{"flaky": flakyHandler, "stable": stableHandler},
		}},
		Router: NewRouter(NewCircuitBreaker(CBConfig{})),
	}

	fc := newFC("m1")
	fc.Model = model

	result, err := d.Dispatch(context.Background(), fc, []byte(`{}`), snapshot.APIStyleOpenAI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Body) != `{"ok":true}` {
		t.Fatalf("expected the fallback upstream's body, got %q", result.Body)
	}
	if flakyHandler.calls != 1 || stableHandler.calls != 1 {
		t.Fatalf("expected exactly one attempt against each upstream, got flaky=%d stable=%d", flakyHandler.calls, stableHandler.calls)
	}
}

func TestDispatch_RetryableErrorStopsAtOneAttemptWhenFallbackDisabled(t *testing.T) {
	snap := testSnapshot(
		snapshot.Upstream{ID: "flaky", Endpoints: []string{"https://flaky"}, APIStyle: snapshot.APIStyleOpenAI},
		snapshot.Upstream{ID: "stable", Endpoints: []string{"https://stable"}, APIStyle: snapshot.APIStyleOpenAI},
	)
	// testSnapshot leaves EnableRetryFallback at its zero value (false),
	// matching the config default: no fallback, transport retries only.
	SetSnapshot(snap)
	defer SetSnapshot(nil)

	model := snapshot.Model{
		ID: "m1",
		Routes: []snapshot.Route{
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "flaky", Priority: intPtr(10)},
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "stable", Priority: intPtr(1)},
		},
	}

	flakyHandler := &fakeHandler{unaryErr: &Error{Kind: KindUpstreamTimeout, Message: "timed out"}}
	stableHandler := &fakeHandler{unaryResult: &UnaryResult{Body: []byte(`{"ok":true}`)}}

	d := &Dispatcher{
		Handlers: map[snapshot.APIStyle]ProviderHandler{snapshot.APIStyleOpenAI: multiplexHandler{
			byUpstream: map[string]*fakeHandler{"flaky": flakyHandler, "stable": stableHandler},
		}},
		Router: NewRouter(NewCircuitBreaker(CBConfig{})),
	}

	fc := newFC("m1")
	fc.Model = model

	_, err := d.Dispatch(context.Background(), fc, []byte(`{}`), snapshot.APIStyleOpenAI)
	if err == nil {
		t.Fatalf("expected the retryable error to surface when fallback is disabled")
	}
	if flakyHandler.calls != 1 {
		t.Fatalf("expected exactly one attempt against the first route, got %d", flakyHandler.calls)
	}
	if stableHandler.calls != 0 {
		t.Fatalf("expected fallback to never engage when enable_retry_fallback is false, got %d calls", stableHandler.calls)
	}
}

func TestDispatch_NonRetryableErrorStopsImmediately(t *testing.T) {
	snap := testSnapshot(
		snapshot.Upstream{ID: "bad-request", Endpoints: []string{"https://x"}, APIStyle: snapshot.APIStyleOpenAI},
		snapshot.Upstream{ID: "never-tried", Endpoints: []string{"https://y"}, APIStyle: snapshot.APIStyleOpenAI},
	)
	SetSnapshot(snap)
	defer SetSnapshot(nil)

	model := snapshot.Model{
		ID: "m1",
		Routes: []snapshot.Route{
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "bad-request", Priority: intPtr(10)},
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "never-tried", Priority: intPtr(1)},
		},
	}

	badHandler := &fakeHandler{unaryErr: &Error{Kind: KindUpstreamHTTPError, UpstreamStatus: 400}}
	otherHandler := &fakeHandler{}

	d := &Dispatcher{
		Handlers: map[snapshot.APIStyle]ProviderHandler{snapshot.APIStyleOpenAI: multiplexHandler{
			byUpstream: map[string]*fakeHandler{"bad-request": badHandler, "never-tried": otherHandler},
		}},
		Router: NewRouter(NewCircuitBreaker(CBConfig{})),
	}

	fc := newFC("m1")
	fc.Model = model

	_, err := d.Dispatch(context.Background(), fc, []byte(`{}`), snapshot.APIStyleOpenAI)
	if err == nil {
		t.Fatalf("expected the 4xx upstream error to surface")
	}
	if otherHandler.calls != 0 {
		t.Fatalf("expected the second upstream never to be tried after a non-retryable error")
	}
}

func TestDispatch_LogsRouteSelectionAndRetryWarning(t *testing.T) {
	snap := snapshot.New(
		[]snapshot.Upstream{
			{ID: "flaky", Endpoints: []string{"https://flaky"}, APIStyle: snapshot.APIStyleOpenAI},
			{ID: "stable", Endpoints: []string{"https://stable"}, APIStyle: snapshot.APIStyleOpenAI},
		},
		nil,
		snapshot.ConfigSnapshot{EnableRetryFallback: true},
	)
	SetSnapshot(snap)
	defer SetSnapshot(nil)

	model := snapshot.Model{
		ID: "m1",
		Routes: []snapshot.Route{
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "flaky", Priority: intPtr(10)},
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "stable", Priority: intPtr(1)},
		},
	}

	flakyHandler := &fakeHandler{unaryErr: &Error{Kind: KindUpstreamTimeout, Message: "timed out"}}
	stableHandler := &fakeHandler{unaryResult: &UnaryResult{Body: []byte(`{"ok":true}`)}}

	var buf bytes.Buffer
	d := &Dispatcher{
		Handlers: map[snapshot.APIStyle]ProviderHandler{snapshot.APIStyleOpenAI: multiplexHandler{
			byUpstream: map[string]*fakeHandler{"flaky": flakyHandler, "stable": stableHandler},
		}},
		Router: NewRouter(NewCircuitBreaker(CBConfig{})),
		Log:    slog.New(slog.NewJSONHandler(&buf, nil)),
	}

	fc := newFC("m1")
	fc.Model = model

	if _, err := d.Dispatch(context.Background(), fc, []byte(`{}`), snapshot.APIStyleOpenAI); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"msg":"upstream_attempt_failed"`) || !strings.Contains(logs, `"upstream":"flaky"`) {
		t.Fatalf("expected a WARN log for the failed flaky attempt, got %q", logs)
	}
	if !strings.Contains(logs, `"msg":"request_routed"`) || !strings.Contains(logs, `"upstream":"stable"`) || !strings.Contains(logs, `"provider":"openai"`) {
		t.Fatalf("expected an INFO request_routed log carrying upstream and provider, got %q", logs)
	}
}

func TestDispatchEmbeddings_RejectsMismatchedProvider(t *testing.T) {
	snap := testSnapshot(
		snapshot.Upstream{ID: "up-anthropic", Endpoints: []string{"https://a"}, APIStyle: snapshot.APIStyleAnthropic},
	)
	SetSnapshot(snap)
	defer SetSnapshot(nil)

	model := snapshot.Model{
		ID: "embed-model",
		Routes: []snapshot.Route{
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "up-anthropic"},
		},
	}

	d := &Dispatcher{
		Embedders: map[snapshot.APIStyle]EmbedHandler{},
		Router:    NewRouter(NewCircuitBreaker(CBConfig{})),
	}

	fc := newFC("embed-model")
	fc.Model = model

	_, err := d.DispatchEmbeddings(context.Background(), fc, []byte(`{}`))
	if err == nil {
		t.Fatalf("expected an error when route provider does not match upstream api_style")
	}
}

func TestDispatchEmbeddings_Success(t *testing.T) {
	snap := testSnapshot(
		snapshot.Upstream{ID: "up-openai", Endpoints: []string{"https://o"}, APIStyle: snapshot.APIStyleOpenAI},
	)
	SetSnapshot(snap)
	defer SetSnapshot(nil)

	model := snapshot.Model{
		ID: "embed-model",
		Routes: []snapshot.Route{
			{Provider: snapshot.APIStyleOpenAI, UpstreamID: "up-openai"},
		},
	}

	embedder := &fakeHandler{unaryResult: &UnaryResult{Body: []byte(`{"data":[]}`), Usage: translate.Usage{PromptTokens: 7}}}

	d := &Dispatcher{
		Embedders: map[snapshot.APIStyle]EmbedHandler{snapshot.APIStyleOpenAI: embedder},
		Router:    NewRouter(NewCircuitBreaker(CBConfig{})),
	}

	fc := newFC("embed-model")
	fc.Model = model

	result, err := d.DispatchEmbeddings(context.Background(), fc, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.Body) != `{"data":[]}` {
		t.Fatalf("unexpected body: %s", result.Body)
	}
	if embedder.calls != 1 {
		t.Fatalf("expected exactly one embeddings attempt, got %d", embedder.calls)
	}
	prompt, _, _ := fc.Usage.Snapshot()
	if prompt != 7 {
		t.Fatalf("expected usage tracker to record the embedder's prompt tokens, got %d", prompt)
	}
}

// multiplexHandler dispatches to a fakeHandler keyed by the upstream id the
// dispatcher resolved to, so fallback tests can give each upstream in a
// route list its own canned behavior despite ProviderHandler being looked
// up by api_style rather than by upstream.
type multiplexHandler struct {
	byUpstream map[string]*fakeHandler
}

func (m multiplexHandler) HandleUnary(ctx context.Context, fc *Context, endpoint string, body []byte) (*UnaryResult, error) {
	return m.byUpstream[fc.Upstream.ID].HandleUnary(ctx, fc, endpoint, body)
}

func (m multiplexHandler) HandleStream(ctx context.Context, fc *Context, endpoint string, body []byte, ingressStyle snapshot.APIStyle, w StreamWriter) error {
	return m.byUpstream[fc.Upstream.ID].HandleStream(ctx, fc, endpoint, body, ingressStyle, w)
}
