// Package gemini implements the provider handler for every upstream whose
// api_style is "gemini". Unlike OpenAI/Anthropic, the model id and the
// streaming flag both live in the URL path, not the JSON body.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arcrelay/forwardcore/internal/forward"
	"github.com/arcrelay/forwardcore/internal/httpclient"
	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/internal/translate"
)

type Handler struct {
	pool *httpclient.Pool
	log  *slog.Logger
}

func New(pool *httpclient.Pool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{pool: pool, log: log.With(slog.String("source", "gemini"))}
}

func buildURL(endpoint string, fc *forward.Context, streaming bool) string {
	modelID := fc.Route.EffectiveUpstreamModelID(fc.Model.ID)
	verb := "generateContent"
	if streaming {
		verb = "streamGenerateContent"
	}
	return fmt.Sprintf("%s/models/%s:%s", strings.TrimRight(endpoint, "/"), modelID, verb)
}

func (h *Handler) HandleUnary(ctx context.Context, fc *forward.Context, endpoint string, body []byte) (*forward.UnaryResult, error) {
	url := buildURL(endpoint, fc, false)

	newReq := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authErr := httpclient.Authenticate(req, fc.Upstream, body); authErr != nil {
			return nil, authErr
		}
		return req, nil
	}

	resp, err := httpclient.Do(ctx, h.pool.Unary(fc.Upstream.ProxyURL), newReq, forward.CurrentRetryConfig(), nil)
	if err != nil {
		return nil, &forward.Error{Kind: forward.KindUpstreamTimeout, Message: err.Error(), Upstream: fc.Upstream.ID}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &forward.Error{Kind: forward.KindUpstreamTimeout, Message: err.Error(), Upstream: fc.Upstream.ID}
	}
	if resp.StatusCode >= 400 {
		return nil, &forward.Error{
			Kind:           forward.KindUpstreamHTTPError,
			Message:        fmt.Sprintf("upstream returned status %d", resp.StatusCode),
			UpstreamStatus: resp.StatusCode,
			UpstreamBody:   respBody,
			Upstream:       fc.Upstream.ID,
		}
	}

	var doc map[string]any
	_ = json.Unmarshal(respBody, &doc)
	usage, _ := translate.ExtractGeminiUsage(doc)
	return &forward.UnaryResult{Body: respBody, Usage: usage}, nil
}

// HandleEmbeddings serves POST /models/{model}:embedContent, passed through
// byte-for-byte — embeddings requests are never translated.
func (h *Handler) HandleEmbeddings(ctx context.Context, fc *forward.Context, endpoint string, body []byte) (*forward.UnaryResult, error) {
	modelID := fc.Route.EffectiveUpstreamModelID(fc.Model.ID)
	url := fmt.Sprintf("%s/models/%s:embedContent", strings.TrimRight(endpoint, "/"), modelID)

	newReq := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authErr := httpclient.Authenticate(req, fc.Upstream, body); authErr != nil {
			return nil, authErr
		}
		return req, nil
	}

	resp, err := httpclient.Do(ctx, h.pool.Unary(fc.Upstream.ProxyURL), newReq, forward.CurrentRetryConfig(), nil)
	if err != nil {
		return nil, &forward.Error{Kind: forward.KindUpstreamTimeout, Message: err.Error(), Upstream: fc.Upstream.ID}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &forward.Error{Kind: forward.KindUpstreamTimeout, Message: err.Error(), Upstream: fc.Upstream.ID}
	}
	if resp.StatusCode >= 400 {
		return nil, &forward.Error{
			Kind:           forward.KindUpstreamHTTPError,
			Message:        fmt.Sprintf("upstream returned status %d", resp.StatusCode),
			UpstreamStatus: resp.StatusCode,
			UpstreamBody:   respBody,
			Upstream:       fc.Upstream.ID,
		}
	}

	// Gemini's embedContent response carries no usageMetadata block.
	return &forward.UnaryResult{Body: respBody, Usage: translate.Usage{}}, nil
}

func (h *Handler) HandleStream(ctx context.Context, fc *forward.Context, endpoint string, body []byte, ingressStyle snapshot.APIStyle, w forward.StreamWriter) error {
	url := buildURL(endpoint, fc, true) + "?alt=sse"

	newReq := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authErr := httpclient.Authenticate(req, fc.Upstream, body); authErr != nil {
			return nil, authErr
		}
		return req, nil
	}

	resp, err := httpclient.Do(ctx, h.pool.Stream(fc.Upstream.ProxyURL), newReq, forward.CurrentRetryConfig(), nil)
	if err != nil {
		return &forward.Error{Kind: forward.KindUpstreamTimeout, Message: err.Error(), Upstream: fc.Upstream.ID}
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &forward.Error{
			Kind:           forward.KindUpstreamHTTPError,
			Message:        fmt.Sprintf("upstream returned status %d", resp.StatusCode),
			UpstreamStatus: resp.StatusCode,
			UpstreamBody:   respBody,
			Upstream:       fc.Upstream.ID,
		}
	}

	pr, err := forward.BridgeSSE(ctx, fc, forward.UpstreamStream{Body: resp.Body, Style: snapshot.APIStyleGemini}, ingressStyle, h.log)
	if err != nil {
		resp.Body.Close()
		return err
	}
	defer pr.Close()
	_, copyErr := io.Copy(w, pr)
	return copyErr
}
