// Package apierr provides the OpenAI-compatible JSON error envelope written
// to clients, plus the error-kind type used throughout the forwarding core
// to decide HTTP status, retryability, and user-visible wording.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies every error that can leave the forwarding core. Each kind
// carries a fixed HTTP status and retryability per the error table.
type Kind int

const (
	KindUnauthorized Kind = iota
	KindInvalidRequest
	KindModelNotFound
	KindUpstreamNotFound
	KindUpstreamHTTPError
	KindUpstreamTimeout
	KindUpstreamExhausted
	KindTooManyRequests
	KindBudgetExceeded
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "Unauthorized"
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindModelNotFound:
		return "ModelNotFound"
	case KindUpstreamNotFound:
		return "UpstreamNotFound"
	case KindUpstreamHTTPError:
		return "UpstreamHttpError"
	case KindUpstreamTimeout:
		return "UpstreamTimeout"
	case KindUpstreamExhausted:
		return "UpstreamExhausted"
	case KindTooManyRequests:
		return "TooManyRequests"
	case KindBudgetExceeded:
		return "BudgetExceeded"
	default:
		return "InternalError"
	}
}

// Error is the typed error carried out of the forward pipeline. UpstreamStatus
// is only meaningful for KindUpstreamHTTPError, where it decides 4xx mirroring
// vs 502 for 5xx. RetryAfterSeconds is only meaningful for KindTooManyRequests.
// BudgetWindow names the exceeded window ("daily"|"weekly"|"monthly") for
// KindBudgetExceeded. Model/Upstream are best-effort context for logging.
type Error struct {
	Kind              Kind
	Message           string
	UpstreamStatus    int
	UpstreamBody      []byte
	RetryAfterSeconds int
	BudgetWindow      string
	Model             string
	Upstream          string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// HTTPStatus returns the status code to write for this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case KindModelNotFound:
		return fasthttp.StatusNotFound
	case KindUpstreamNotFound:
		return fasthttp.StatusInternalServerError
	case KindUpstreamHTTPError:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
			return e.UpstreamStatus
		}
		return fasthttp.StatusBadGateway
	case KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindUpstreamExhausted:
		return fasthttp.StatusBadGateway
	case KindTooManyRequests:
		return fasthttp.StatusTooManyRequests
	case KindBudgetExceeded:
		return 402
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Retryable reports whether the router should advance to the next route on
// this error rather than surfacing it immediately.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamHTTPError:
		return e.UpstreamStatus >= 500
	case KindUpstreamTimeout:
		return true
	default:
		return false
	}
}

// UserMessage is the text sent to the client; it deliberately omits internal
// detail for kinds where the message could leak configuration.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindUnauthorized:
		return "Missing or invalid authentication token"
	case KindModelNotFound:
		return fmt.Sprintf("Model '%s' not configured", e.Model)
	case KindUpstreamNotFound:
		return "internal configuration error"
	case KindUpstreamHTTPError:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 && isSafeToForward(e.UpstreamBody) {
			return string(e.UpstreamBody)
		}
		return "upstream request failed"
	case KindUpstreamTimeout:
		return "upstream request timed out"
	case KindUpstreamExhausted:
		return "All routes failed"
	case KindTooManyRequests:
		return "rate limit exceeded"
	case KindBudgetExceeded:
		return fmt.Sprintf("%s budget exceeded", e.BudgetWindow)
	case KindInvalidRequest:
		return e.Message
	default:
		return "internal server error"
	}
}

// isSafeToForward refuses to mirror an upstream body that isn't a small JSON
// object; this avoids relaying HTML error pages or oversized bodies verbatim.
func isSafeToForward(body []byte) bool {
	if len(body) == 0 || len(body) > 4096 {
		return false
	}
	return json.Valid(body)
}

// errType/code mirror the OpenAI error envelope vocabulary for clients that
// branch on these strings.
func (k Kind) errType() string {
	switch k {
	case KindUnauthorized:
		return "authentication_error"
	case KindInvalidRequest, KindModelNotFound:
		return "invalid_request_error"
	case KindTooManyRequests:
		return "rate_limit_error"
	case KindUpstreamHTTPError, KindUpstreamTimeout, KindUpstreamExhausted, KindUpstreamNotFound:
		return "provider_error"
	default:
		return "server_error"
	}
}

func (k Kind) code() string {
	switch k {
	case KindUnauthorized:
		return "invalid_api_key"
	case KindInvalidRequest:
		return "invalid_request"
	case KindModelNotFound:
		return "model_not_found"
	case KindTooManyRequests:
		return "rate_limit_exceeded"
	case KindUpstreamTimeout:
		return "request_timeout"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindUpstreamHTTPError, KindUpstreamExhausted, KindUpstreamNotFound:
		return "provider_error"
	default:
		return "internal_error"
	}
}

type envelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Write serializes e as the JSON error envelope and writes it to ctx,
// setting Retry-After when present.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	if e.Kind == KindTooManyRequests && e.RetryAfterSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", e.RetryAfterSeconds))
	}
	body, _ := json.Marshal(envelope{Error: apiError{
		Message: e.UserMessage(),
		Type:    e.Kind.errType(),
		Code:    e.Kind.code(),
	}})
	ctx.SetBody(body)
}
