package forward

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/valyala/fasthttp"
)

// IngressKind identifies which wire dialect an inbound request arrived in,
// derived from the HTTP path rather than sniffed from the body.
type IngressKind string

const (
	IngressAuto      IngressKind = "auto"      // /v1/chat/completions, /v1/responses
	IngressOpenAI    IngressKind = "openai"    // /openai/v1/...
	IngressAnthropic IngressKind = "anthropic" // /anthropic/v1/messages
	IngressGemini    IngressKind = "gemini"    // /gemini/v1beta/*
)

// Resolve turns one inbound request into a Context, or returns a typed
// Error: auth check, JSON parse, model lookup, adapted to
// multi-format ingress and config-driven models instead of a fixed
// provider map.
func Resolve(snap *snapshot.ConfigSnapshot, ingress IngressKind, path string, headers map[string]string, body []byte, requestID string, log *slog.Logger) (*Context, error) {
	authMode, err := checkAuth(snap, headers)
	if err != nil {
		return nil, err
	}

	modelID, streaming, err := sniffPayload(ingress, path, body)
	if err != nil {
		return nil, err
	}

	model, err := resolveModel(snap, modelID)
	if err != nil {
		return nil, err
	}

	if !model.Eligible() {
		return nil, &Error{Kind: KindModelNotFound, Message: "model has no routes", Model: modelID}
	}

	channel := headers["x-ccr-channel"]
	tool := headers["x-ccr-tool"]
	sessionID := headers["x-ccr-session-id"]

	ctx := &Context{
		RequestID:   requestID,
		Model:       model,
		IsStreaming: streaming,
		Channel:     channel,
		Tool:        tool,
		SessionID:   sessionID,
		AuthMode:    authMode,
		ArrivedAt:   time.Now(),
		Usage:       NewUsageTracker(model.ID, "", channel, tool, sessionID),
	}

	// The request_routed INFO log (model, upstream, provider, stream) fires
	// once route selection has picked an upstream, inside Dispatch/
	// DispatchStream — upstream and provider aren't known yet here.
	return ctx, nil
}

// checkAuth requires a configured forward token to match one of three
// accepted header forms, unless the request carries the loopback dashboard
// channel exemption.
func checkAuth(snap *snapshot.ConfigSnapshot, headers map[string]string) (AuthMode, error) {
	if snap.ForwardToken == "" {
		return AuthModeDisabled, nil
	}
	if headers["x-ccr-channel"] == "dashboard" {
		return AuthModeExempt, nil
	}

	presented := bearerToken(headers["authorization"])
	if presented == "" {
		presented = headers["x-api-key"]
	}
	if presented == "" {
		presented = headers["x-ccr-forward-token"]
	}
	if presented == "" || presented != snap.ForwardToken {
		return "", &Error{Kind: KindUnauthorized, Message: "missing or invalid forward token"}
	}
	return AuthModeToken, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// sniffPayload extracts the client-facing model id and the streaming flag:
// OpenAI and Anthropic carry "model" at the body's top level and a boolean
// "stream" flag; Gemini carries both in the path.
func sniffPayload(ingress IngressKind, path string, body []byte) (modelID string, streaming bool, err error) {
	if ingress == IngressGemini {
		return sniffGeminiPath(path)
	}

	var doc map[string]any
	if len(body) > 0 {
		if jsonErr := json.Unmarshal(body, &doc); jsonErr != nil {
			return "", false, &Error{Kind: KindInvalidRequest, Message: "invalid JSON body"}
		}
	}
	modelID, _ = doc["model"].(string)
	if modelID == "" {
		return "", false, &Error{Kind: KindInvalidRequest, Message: "field 'model' is required"}
	}
	streaming, _ = doc["stream"].(bool)
	return modelID, streaming, nil
}

// sniffGeminiPath parses ".../models/<model>:generateContent" or
// ":streamGenerateContent" off the tail of a Gemini-style path.
func sniffGeminiPath(path string) (modelID string, streaming bool, err error) {
	idx := strings.LastIndex(path, "/models/")
	if idx == -1 {
		return "", false, &Error{Kind: KindInvalidRequest, Message: "missing model segment in Gemini path"}
	}
	tail := path[idx+len("/models/"):]
	switch {
	case strings.HasSuffix(tail, ":streamGenerateContent"):
		return strings.TrimSuffix(tail, ":streamGenerateContent"), true, nil
	case strings.HasSuffix(tail, ":generateContent"):
		return strings.TrimSuffix(tail, ":generateContent"), false, nil
	default:
		return "", false, &Error{Kind: KindInvalidRequest, Message: "unrecognized Gemini path suffix"}
	}
}

// resolveModel performs "auto" expansion, then an exact lookup.
func resolveModel(snap *snapshot.ConfigSnapshot, modelID string) (snapshot.Model, error) {
	if modelID == "auto" {
		m, ok := snap.ResolveAuto()
		if !ok {
			return snapshot.Model{}, &Error{Kind: KindModelNotFound, Message: "no eligible model for 'auto'", Model: modelID}
		}
		return m, nil
	}
	m, ok := snap.Model(modelID)
	if !ok {
		return snapshot.Model{}, &Error{Kind: KindModelNotFound, Message: "model not configured", Model: modelID}
	}
	return m, nil
}

// HeadersFromFastHTTP flattens the headers Resolve cares about out of a
// fasthttp request, lower-casing names so callers can index the map
// case-insensitively.
func HeadersFromFastHTTP(ctx *fasthttp.RequestCtx) map[string]string {
	h := make(map[string]string, 8)
	h["authorization"] = string(ctx.Request.Header.Peek("Authorization"))
	h["x-api-key"] = string(ctx.Request.Header.Peek("x-api-key"))
	h["x-ccr-forward-token"] = string(ctx.Request.Header.Peek("x-ccr-forward-token"))
	h["x-ccr-channel"] = string(ctx.Request.Header.Peek("X-CCR-Channel"))
	h["x-ccr-tool"] = string(ctx.Request.Header.Peek("X-CCR-Tool"))
	h["x-ccr-session-id"] = string(ctx.Request.Header.Peek("x-ccr-session-id"))
	return h
}
