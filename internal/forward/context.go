// Package forward implements the request-forwarding core: middleware
// (auth, payload sniff, model resolution), router/fallback with circuit
// breaking, the panic guard and uniform error surface, and the dispatch
// loop tying the rate/budget gate, provider handlers, and format translator
// together for one request.
package forward

import (
	"sync"
	"time"

	"github.com/arcrelay/forwardcore/internal/snapshot"
)

// AuthMode records how the request authenticated, for logging.
type AuthMode string

const (
	AuthModeToken    AuthMode = "token"
	AuthModeExempt   AuthMode = "loopback_dashboard"
	AuthModeDisabled AuthMode = "no_token_configured"
)

// Context is built once per request and never mutated after construction.
// It is shared with the streaming task and the completion logger, both of
// which only read it; UsageTracker is the one mutable field they share,
// and it has its own mutex.
type Context struct {
	RequestID   string
	Model       snapshot.Model
	Upstream    snapshot.Upstream
	Route       snapshot.Route
	IsStreaming bool
	Channel     string
	Tool        string
	SessionID   string
	AuthMode    AuthMode
	ArrivedAt   time.Time
	Usage       *UsageTracker
}

// UsageTracker is the per-request mutable accumulator shared between the
// streaming task and the completion handler; access is serialized by a
// short-held mutex.
type UsageTracker struct {
	mu sync.Mutex

	ModelID    string
	UpstreamID string
	Channel    string
	Tool       string
	SessionID  string
	StartedAt  time.Time

	promptTokens     int
	completionTokens int
	authoritative     bool
	cancelled         bool
}

// NewUsageTracker builds a tracker seeded with the context this request
// resolved to.
func NewUsageTracker(modelID, upstreamID, channel, tool, sessionID string) *UsageTracker {
	return &UsageTracker{
		ModelID:    modelID,
		UpstreamID: upstreamID,
		Channel:    channel,
		Tool:       tool,
		SessionID:  sessionID,
		StartedAt:  time.Now(),
	}
}

// AddCompletionTokens adds n to the running completion-token estimate. It
// is a no-op once an authoritative count has been recorded: the
// authoritative value replaces rather than accumulates with the estimate.
func (t *UsageTracker) AddCompletionTokens(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.authoritative {
		return
	}
	t.completionTokens += n
}

// SetAuthoritative overwrites the running totals with provider-reported
// counts and marks them as no longer a heuristic estimate.
func (t *UsageTracker) SetAuthoritative(promptTokens, completionTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.promptTokens = promptTokens
	t.completionTokens = completionTokens
	t.authoritative = true
}

// SetPromptTokens records the prompt token count without marking the
// tracker authoritative (used when only the prompt side is known early).
func (t *UsageTracker) SetPromptTokens(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.authoritative {
		t.promptTokens = n
	}
}

// SetEstimatedCompletionTokens overwrites the running completion estimate
// with n, the heuristic char/4 count over all text seen so far. Unlike
// AddCompletionTokens it is not additive, since the caller already tracks
// the cumulative character count itself. No-op once authoritative.
func (t *UsageTracker) SetEstimatedCompletionTokens(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.authoritative {
		return
	}
	t.completionTokens = n
}

// MarkCancelled flags the tracker so the drained record is tagged
// cancelled.
func (t *UsageTracker) MarkCancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

// Snapshot reads the current token counts and cancellation flag under the
// tracker's mutex.
func (t *UsageTracker) Snapshot() (prompt, completion int, cancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.promptTokens, t.completionTokens, t.cancelled
}
