package forward

import "github.com/arcrelay/forwardcore/pkg/apierr"

// Error is the typed error every forward-pipeline stage returns; it is the
// same type pkg/apierr writes to the client, aliased here so package
// forward's exported API reads as a first-class error kind rather than a
// status-code lookup.
type Error = apierr.Error

// Kind re-exports pkg/apierr.Kind under the forward package so callers in
// this package don't need a second import for the enum.
type Kind = apierr.Kind

const (
	KindUnauthorized      = apierr.KindUnauthorized
	KindInvalidRequest    = apierr.KindInvalidRequest
	KindModelNotFound     = apierr.KindModelNotFound
	KindUpstreamNotFound  = apierr.KindUpstreamNotFound
	KindUpstreamHTTPError = apierr.KindUpstreamHTTPError
	KindUpstreamTimeout   = apierr.KindUpstreamTimeout
	KindUpstreamExhausted = apierr.KindUpstreamExhausted
	KindTooManyRequests   = apierr.KindTooManyRequests
	KindBudgetExceeded    = apierr.KindBudgetExceeded
	KindInternalError     = apierr.KindInternalError
)
