package app

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/arcrelay/forwardcore/internal/forward"
	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/pkg/apierr"
)

// server owns the fasthttp handler tree and the middleware chain around it:
// one set of ingress routes per wire dialect instead of one fixed
// OpenAI-shaped surface.
type server struct {
	a       *App
	handler fasthttp.RequestHandler
}

func newServer(a *App) *server {
	s := &server{a: a}

	r := router.New()
	r.POST("/v1/chat/completions", s.ingress(forward.IngressAuto))
	r.POST("/v1/responses", s.ingress(forward.IngressAuto))
	r.POST("/openai/v1/chat/completions", s.ingress(forward.IngressOpenAI))
	r.POST("/openai/v1/responses", s.ingress(forward.IngressOpenAI))
	r.POST("/anthropic/v1/messages", s.ingress(forward.IngressAnthropic))
	r.POST("/gemini/v1beta/models/{model:*}", s.ingress(forward.IngressGemini))
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", s.handleModels)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/metrics", s.handleMetrics)

	s.handler = applyMiddleware(r.Handler,
		s.recovery,
		s.requestID,
		s.timing,
		s.corsHandler(a.cfg.Snapshot().CORS.Origins),
		securityHeaders,
	)
	return s
}

func (s *server) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // streaming responses may run far longer than a fixed write deadline
	}
	return srv.ListenAndServe(addr)
}

// ingress returns the fasthttp handler for one ingress dialect: resolve the
// request into a forward.Context, gate it, dispatch it, and write the
// result or a typed error.
func (s *server) ingress(kind forward.IngressKind) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		snap := s.a.cfg.Snapshot()
		headers := forward.HeadersFromFastHTTP(ctx)
		requestID, _ := ctx.UserValue("request_id").(string)
		body := append([]byte(nil), ctx.PostBody()...)

		fc, err := forward.Resolve(snap, kind, string(ctx.Path()), headers, body, requestID, s.a.log)
		if err != nil {
			s.writeError(ctx, err, "")
			return
		}

		release, gateErr := s.a.dispatcher.Gate(ctx, fc.SessionID)
		if gateErr != nil {
			s.writeError(ctx, gateErr, fc.Model.ID)
			forward.Complete(fc, s.a.reqLogger, s.a.budget, statusFromErr(gateErr))
			return
		}
		ingressStyle := ingressAPIStyle(kind, fc)

		if fc.IsStreaming {
			// The stream body runs after this handler returns, so the
			// gate's release is handed to the stream writer.
			s.handleStream(ctx, fc, body, ingressStyle, release)
			return
		}
		defer release()
		s.handleUnary(ctx, fc, body, ingressStyle)
	}
}

func (s *server) handleUnary(ctx *fasthttp.RequestCtx, fc *forward.Context, body []byte, ingressStyle snapshot.APIStyle) {
	result, err := s.a.dispatcher.Dispatch(ctx, fc, body, ingressStyle)
	if err != nil {
		s.writeError(ctx, err, fc.Model.ID)
		forward.Complete(fc, s.a.reqLogger, s.a.budget, statusFromErr(err))
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(result.Body)
	forward.Complete(fc, s.a.reqLogger, s.a.budget, fasthttp.StatusOK)
}

// handleEmbeddings resolves and dispatches POST /v1/embeddings. It reuses
// the same auth/model resolution as chat ingress but calls
// DispatchEmbeddings instead of Dispatch — single attempt, no translation.
func (s *server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	snap := s.a.cfg.Snapshot()
	headers := forward.HeadersFromFastHTTP(ctx)
	requestID, _ := ctx.UserValue("request_id").(string)
	body := append([]byte(nil), ctx.PostBody()...)

	fc, err := forward.Resolve(snap, forward.IngressAuto, string(ctx.Path()), headers, body, requestID, s.a.log)
	if err != nil {
		s.writeError(ctx, err, "")
		return
	}

	release, gateErr := s.a.dispatcher.Gate(ctx, fc.SessionID)
	if gateErr != nil {
		s.writeError(ctx, gateErr, fc.Model.ID)
		forward.Complete(fc, s.a.reqLogger, s.a.budget, statusFromErr(gateErr))
		return
	}
	defer release()

	result, dispatchErr := s.a.dispatcher.DispatchEmbeddings(ctx, fc, body)
	if dispatchErr != nil {
		s.writeError(ctx, dispatchErr, fc.Model.ID)
		forward.Complete(fc, s.a.reqLogger, s.a.budget, statusFromErr(dispatchErr))
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(result.Body)
	forward.Complete(fc, s.a.reqLogger, s.a.budget, fasthttp.StatusOK)
}

func (s *server) handleStream(ctx *fasthttp.RequestCtx, fc *forward.Context, body []byte, ingressStyle snapshot.APIStyle, release func()) {
	forward.WriteSSEHeaders(ctx)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		dispatchErr := s.a.dispatcher.DispatchStream(ctx, fc, body, ingressStyle, w)
		w.Flush()

		status := fasthttp.StatusOK
		if dispatchErr != nil {
			status = statusFromErr(dispatchErr)
			// Bytes may already be on the wire by the time a streaming handler
			// fails, so there is no response left to rewrite — only the log.
			s.logForwardError(normalizeErr(dispatchErr, fc.Model.ID))
		}
		forward.Complete(fc, s.a.reqLogger, s.a.budget, status)
	})
}

func (s *server) writeError(ctx *fasthttp.RequestCtx, err error, model string) {
	fwdErr := normalizeErr(err, model)
	s.logForwardError(fwdErr)
	apierr.Write(ctx, fwdErr)
}

func normalizeErr(err error, model string) *apierr.Error {
	fwdErr, ok := err.(*apierr.Error)
	if !ok {
		fwdErr = &apierr.Error{Kind: apierr.KindInternalError, Message: err.Error(), Model: model}
	}
	if fwdErr.Model == "" {
		fwdErr.Model = model
	}
	return fwdErr
}

// logForwardError emits the one ERROR log every error surfaced to a client
// produces: status, kind, message, and the model/upstream it was resolved
// against when known.
func (s *server) logForwardError(fwdErr *apierr.Error) {
	s.a.log.Error("forward_error",
		slog.String("source", "forward_error"),
		slog.Int("status", fwdErr.HTTPStatus()),
		slog.String("kind", fwdErr.Kind.String()),
		slog.String("message", fwdErr.Error()),
		slog.String("model", fwdErr.Model),
		slog.String("upstream", fwdErr.Upstream),
	)
}

func statusFromErr(err error) int {
	if fwdErr, ok := err.(*apierr.Error); ok {
		return fwdErr.HTTPStatus()
	}
	return fasthttp.StatusInternalServerError
}

// ingressAPIStyle maps the ingress dialect a client hit to the APIStyle its
// body is shaped in; IngressAuto always carries an OpenAI-shaped body
// regardless of which model it resolved to.
func ingressAPIStyle(kind forward.IngressKind, fc *forward.Context) snapshot.APIStyle {
	switch kind {
	case forward.IngressAnthropic:
		return snapshot.APIStyleAnthropic
	case forward.IngressGemini:
		return snapshot.APIStyleGemini
	default:
		return snapshot.APIStyleOpenAI
	}
}

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists every eligible, non-temporary model in the OpenAI
// /v1/models shape.
func (s *server) handleModels(ctx *fasthttp.RequestCtx) {
	snap := s.a.cfg.Snapshot()
	entries := make([]modelListEntry, 0)
	for _, m := range snap.Models() {
		if !m.Eligible() || m.IsTemporary {
			continue
		}
		entries = append(entries, modelListEntry{ID: m.ID, Object: "model", OwnedBy: "forwardcore"})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": entries})
}

func (s *server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": s.a.version})
}

func (s *server) handleReadiness(ctx *fasthttp.RequestCtx) {
	snap := s.a.cfg.Snapshot()
	if len(snap.Models()) == 0 {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "no models configured"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *server) handleMetrics(ctx *fasthttp.RequestCtx) {
	s.a.prom.Handler()(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// ── middleware ───────────────────────────────────────────────────────────

func (s *server) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				s.a.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

func (s *server) requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

func (s *server) timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		route := string(ctx.Path())
		s.a.prom.IncInFlight()
		next(ctx)
		s.a.prom.DecInFlight()
		dur := time.Since(start)
		ctx.Response.Header.Set("X-Response-Time", dur.String())
		s.a.prom.ObserveHTTP(route, ctx.Response.StatusCode(), dur, len(ctx.PostBody()), len(ctx.Response.Body()))
	}
}

func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

func (s *server) corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-CCR-Channel, X-CCR-Tool, X-CCR-Session-Id")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
