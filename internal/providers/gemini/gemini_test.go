package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arcrelay/forwardcore/internal/forward"
	"github.com/arcrelay/forwardcore/internal/httpclient"
	"github.com/arcrelay/forwardcore/internal/snapshot"
)

func newTestFC(srv *httptest.Server) *forward.Context {
	return &forward.Context{
		RequestID: "req-1",
		Model:     snapshot.Model{ID: "gemini-1.5-pro"},
		Route:     snapshot.Route{Provider: snapshot.APIStyleGemini, UpstreamID: "up-gemini"},
		Upstream: snapshot.Upstream{
			ID:        "up-gemini",
			Endpoints: []string{srv.URL},
			APIStyle:  snapshot.APIStyleGemini,
			AuthStyle: snapshot.AuthStyleBearer,
			APIKey:    "key-test",
		},
		Usage: forward.NewUsageTracker("gemini-1.5-pro", "up-gemini", "", "", ""),
	}
}

func TestHandler_HandleUnary_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("expected a :generateContent path, got %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "key-test" {
			t.Errorf("expected x-goog-api-key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"role": "model"}}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     12,
				"candidatesTokenCount": 6,
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
	if result.Usage.PromptTokens != 12 || result.Usage.CompletionTokens != 6 {
		t.Fatalf("unexpected usage: %+v", result.Usage)
	}
}

func TestHandler_HandleEmbeddings_UsesEmbedContentPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":embedContent") {
			t.Errorf("expected a :embedContent path, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2]}}`))
	}))
	defer srv.Close()

	h := New(httpclient.NewPool(), nil)
	fc := newTestFC(srv)
	fc.Model = snapshot.Model{ID: "text-embedding-004"}
	result, err := h.HandleEmbeddings(context.Background(), fc, srv.URL, []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(result.Body), "embedding") {
		t.Fatalf("expected embedContent response body passed through, got %q", result.Body)
	}
	if result.Usage.PromptTokens != 0 || result.Usage.CompletionTokens != 0 {
		t.Fatalf("expected no usage metadata for embedContent, got %+v", result.Usage)
	}
}

func TestHandler_HandleUnary_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	h := New(httpclient.NewPool(), nil)
	fc := newTestFC(srv)
	_, err := h.HandleUnary(context.Background(), fc, srv.URL, []byte(`{}`))
	if err == nil {
		t.Fatalf("expected an error for a 429 upstream response")
	}
	fwdErr, ok := err.(*forward.Error)
	if !ok || fwdErr.UpstreamStatus != http.StatusTooManyRequests {
		t.Fatalf("expected UpstreamStatus 429, got %+v", err)
	}
}
