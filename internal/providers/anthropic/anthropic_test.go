package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arcrelay/forwardcore/internal/forward"
	"github.com/arcrelay/forwardcore/internal/httpclient"
	"github.com/arcrelay/forwardcore/internal/snapshot"
)

func newTestFC(srv *httptest.Server) *forward.Context {
	return &forward.Context{
		RequestID: "req-1",
		Model:     snapshot.Model{ID: "claude-3-5-sonnet"},
		Upstream: snapshot.Upstream{
			ID:        "up-anthropic",
			Endpoints: []string{srv.URL},
			APIStyle:  snapshot.APIStyleAnthropic,
			AuthStyle: snapshot.AuthStyleBearer,
			APIKey:    "key-test",
		},
		Usage: forward.NewUsageTracker("claude-3-5-sonnet", "up-anthropic", "", "", ""),
	}
}

func TestHandler_HandleUnary_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("expected /messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key-test" {
			t.Errorf("expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("expected anthropic-version header to be set")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_1",
			"type": "message",
			"usage": map[string]any{
				"input_tokens":  20,
				"output_tokens": 8,
			},
		})
	}))
	defer srv.Close()

	h := New(httpclient.NewPool(), nil)
	fc := newTestFC(srv)
	result, err := h.HandleUnary(context.Background(), fc, srv.URL, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Usage.PromptTokens != 20 || result.Usage.CompletionTokens != 8 {
		t.Fatalf("unexpected usage: %+v", result.Usage)
	}
}

func TestHandler_HandleUnary_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	h := New(httpclient.NewPool(), nil)
	fc := newTestFC(srv)
	_, err := h.HandleUnary(context.Background(), fc, srv.URL, []byte(`{}`))
	if err == nil {
		t.Fatalf("expected an error for a 500 upstream response")
	}
	fwdErr, ok := err.(*forward.Error)
	if !ok || !fwdErr.Retryable() {
		t.Fatalf("expected a retryable KindUpstreamHTTPError for a 5xx status, got %+v", err)
	}
}
