// Package anthropic implements the provider handler for every upstream
// whose api_style is "anthropic".
package anthropic

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
	return &Handler{pool: pool, log: log.With(slog.String("source", "anthropic"))}
}

func (h *Handler) HandleUnary(ctx context.Context, fc *forward.Context, endpoint string, body []byte) (*forward.UnaryResult, error) {
	url := strings.TrimRight(endpoint, "/") + "/messages"

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
	usage, _ := translate.ExtractAnthropicUsage(doc)
	return &forward.UnaryResult{Body: respBody, Usage: usage}, nil
}

func (h *Handler) HandleStream(ctx context.Context, fc *forward.Context, endpoint string, body []byte, ingressStyle snapshot.APIStyle, w forward.StreamWriter) error {
	url := strings.TrimRight(endpoint, "/") + "/messages"

	newReq := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
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

	pr, err := forward.BridgeSSE(ctx, fc, forward.UpstreamStream{Body: resp.Body, Style: snapshot.APIStyleAnthropic}, ingressStyle, h.log)
	if err != nil {
		resp.Body.Close()
		return err
	}
	defer pr.Close()
	_, copyErr := io.Copy(w, pr)
	return copyErr
}
