// Package snapshot defines the immutable configuration view the forwarding
// core reads for the duration of one request: upstreams, models, routes, and
// the process-wide retry/rate-limit/CORS settings that travel with them.
//
// A ConfigSnapshot is built once by internal/config and never mutated after
// construction; a settings change produces a brand new snapshot and swaps
// the pointer atomically, so every in-flight request keeps reading the
// snapshot it started with.
package snapshot

import (
	"sort"
	"time"
)

// APIStyle is the wire format an upstream or a route speaks.
type APIStyle string

const (
	APIStyleOpenAI    APIStyle = "openai"
	APIStyleAnthropic APIStyle = "anthropic"
	APIStyleGemini    APIStyle = "gemini"
)

// AuthStyle governs how an Upstream's API key is attached to outbound
// requests, independent of its wire APIStyle.
type AuthStyle string

const (
	AuthStyleBearer       AuthStyle = "bearer"
	AuthStyleAPIKeyHeader AuthStyle = "api_key_header"
	AuthStyleAWSSigV4     AuthStyle = "aws_sigv4"
)

// Upstream is a named backend speaking one wire APIStyle over one or more
// endpoint base URLs. An upstream with zero endpoints is ineligible for
// route selection.
type Upstream struct {
	ID        string
	Endpoints []string
	APIStyle  APIStyle
	APIKey    string
	AuthStyle AuthStyle

	// AWSRegion/AWSSecretKey are populated only when AuthStyle is
	// AuthStyleAWSSigV4; APIKey then holds the access key id.
	AWSRegion    string
	AWSSecretKey string

	// ProxyURL overrides the process-wide outbound proxy for this upstream's
	// requests. Empty means "use the default client for this proxy profile".
	ProxyURL string
}

// Eligible reports whether the upstream may be selected by the router.
func (u Upstream) Eligible() bool {
	return len(u.Endpoints) > 0
}

// Route is one (provider, upstream, upstream-model) option attached to a
// model. Priority is nil when the route carries no explicit priority, in
// which case it sorts last among its peers and is shuffled once per request.
type Route struct {
	Provider        APIStyle
	UpstreamID      string
	UpstreamModelID string
	Priority        *int
}

// EffectiveUpstreamModelID returns the upstream-facing model id: the route's
// override, or the owning model's own id when unset.
func (r Route) EffectiveUpstreamModelID(modelID string) string {
	if r.UpstreamModelID != "" {
		return r.UpstreamModelID
	}
	return modelID
}

// Model is a client-facing model id with display metadata, pricing, and an
// ordered list of candidate routes. A model with no routes is ineligible.
type Model struct {
	ID                   string
	DisplayName          string
	PricePromptPer1K     float64
	PriceCompletionPer1K float64
	Priority             int
	IsTemporary          bool
	Routes               []Route
}

// Eligible reports whether the model has at least one route to try.
func (m Model) Eligible() bool {
	return len(m.Routes) > 0
}

// RetryConfig governs the HTTP client pool's transport-level retry policy:
// delay = min(MaxDelay, InitialDelay * 2^attempt), capped at MaxAttempts
// tries total.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// RateLimitConfig governs the rate/budget gate. Zero RPM/MaxConcurrent
// values mean "no limit configured" for that dimension; a nil budget ceiling
// means that window is not enforced.
type RateLimitConfig struct {
	RPM                     int
	MaxConcurrent           int
	MaxConcurrentPerSession int
	BudgetDailyUSD          *float64
	BudgetWeeklyUSD         *float64
	BudgetMonthlyUSD        *float64
}

// CORSConfig lists origins the ingress middleware reflects in CORS headers.
type CORSConfig struct {
	Origins []string
}

// ConfigSnapshot is the immutable view everything downstream of config
// reload reads by reference. Build it with New; never mutate a value
// returned by a getter.
type ConfigSnapshot struct {
	upstreams map[string]Upstream
	models    map[string]Model
	// autoCandidates holds every eligible non-temporary model, sorted by
	// descending priority then ascending id, precomputed once at build time
	// for resolving the reserved "auto" model literal in O(1).
	autoCandidates []Model

	Port                int
	ForwardToken        string
	EnableRetryFallback bool
	Retry               RetryConfig
	RateLimit           RateLimitConfig
	CORS                CORSConfig
}

// New builds a ConfigSnapshot from flat upstream/model lists, collapsing
// model id collisions so that when two models share an id and one is
// temporary, the non-temporary one wins id resolution; when both are
// temporary (or both are not), the first one encountered wins.
func New(upstreams []Upstream, models []Model, opts ConfigSnapshot) *ConfigSnapshot {
	s := &ConfigSnapshot{
		upstreams:           make(map[string]Upstream, len(upstreams)),
		models:              make(map[string]Model, len(models)),
		Port:                opts.Port,
		ForwardToken:        opts.ForwardToken,
		EnableRetryFallback: opts.EnableRetryFallback,
		Retry:               opts.Retry,
		RateLimit:           opts.RateLimit,
		CORS:                opts.CORS,
	}
	for _, u := range upstreams {
		s.upstreams[u.ID] = u
	}
	for _, m := range models {
		existing, ok := s.models[m.ID]
		if !ok || (existing.IsTemporary && !m.IsTemporary) {
			s.models[m.ID] = m
		}
	}

	for _, m := range s.models {
		if !m.IsTemporary && m.Eligible() {
			s.autoCandidates = append(s.autoCandidates, m)
		}
	}
	sort.Slice(s.autoCandidates, func(i, j int) bool {
		if s.autoCandidates[i].Priority != s.autoCandidates[j].Priority {
			return s.autoCandidates[i].Priority > s.autoCandidates[j].Priority
		}
		return s.autoCandidates[i].ID < s.autoCandidates[j].ID
	})
	return s
}

// Upstream looks up an upstream by id.
func (s *ConfigSnapshot) Upstream(id string) (Upstream, bool) {
	u, ok := s.upstreams[id]
	return u, ok
}

// Model looks up a model by its client-facing id.
func (s *ConfigSnapshot) Model(id string) (Model, bool) {
	m, ok := s.models[id]
	return m, ok
}

// Models returns every configured model, in no particular order.
func (s *ConfigSnapshot) Models() []Model {
	out := make([]Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out
}

// ResolveAuto returns the highest-priority eligible non-temporary model,
// ties broken by lexicographic id, for the reserved "auto" model literal.
func (s *ConfigSnapshot) ResolveAuto() (Model, bool) {
	if len(s.autoCandidates) == 0 {
		return Model{}, false
	}
	return s.autoCandidates[0], true
}
