package forward

import (
	"time"

	"github.com/arcrelay/forwardcore/internal/limiter"
	"github.com/arcrelay/forwardcore/internal/logger"
)

// Complete drains fc's UsageTracker exactly once at the request-complete
// event: computes cost from the model's per-1K prices, records it against
// the budget tracker, and emits the UsageRecord to sink. It must be called
// exactly once per request, after the response (or error) has been
// written, whether the request succeeded, failed, or was cancelled
// mid-stream.
func Complete(fc *Context, sink logger.Sink, budget *limiter.BudgetTracker, httpStatus int) {
	prompt, completion, cancelled := fc.Usage.Snapshot()
	cost := fc.Model.PricePromptPer1K*float64(prompt)/1000 + fc.Model.PriceCompletionPer1K*float64(completion)/1000

	if budget != nil {
		budget.Record(cost)
	}

	if sink == nil {
		return
	}
	sink.Record(logger.UsageRecord{
		RequestID:        fc.RequestID,
		ModelID:          fc.Model.ID,
		UpstreamID:       fc.Upstream.ID,
		Provider:         string(fc.Route.Provider),
		Channel:          fc.Channel,
		Tool:             fc.Tool,
		SessionID:        fc.SessionID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostUSD:          cost,
		LatencyMs:        time.Since(fc.ArrivedAt).Milliseconds(),
		HTTPStatus:       httpStatus,
		Cached:           false,
		Cancelled:        cancelled,
		CreatedAt:        fc.ArrivedAt,
	})
}
