package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arcrelay/forwardcore/internal/forward"
	"github.com/arcrelay/forwardcore/internal/limiter"
	"github.com/arcrelay/forwardcore/internal/logger"
	"github.com/arcrelay/forwardcore/internal/metrics"
	"github.com/arcrelay/forwardcore/internal/snapshot"
	"github.com/arcrelay/forwardcore/internal/providers/anthropic"
	"github.com/arcrelay/forwardcore/internal/providers/gemini"
	"github.com/arcrelay/forwardcore/internal/providers/openai"
)

// initInfra establishes optional external connections. Redis is only
// required when RPM_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RPMMode() == "redis" {
		a.log.Info("connecting to redis for shared rpm limiter")

		rdb, err := connectRedis(ctx, a.cfg.RedisURL())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}
	return nil
}

// initProviders does nothing: every upstream of a given api_style is served
// by the one handler for that style, and those three handlers are built in
// initServer, so there is no per-upstream construction step here.
func (a *App) initProviders(_ context.Context) error {
	return nil
}

// initServices creates the usage logger, metrics registry, and rate/budget
// gate.
func (a *App) initServices(ctx context.Context) error {
	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	snap := a.cfg.Snapshot()

	switch a.cfg.RPMMode() {
	case "redis":
		if a.rdb != nil && snap.RateLimit.RPM > 0 {
			a.rpm = limiter.NewRedisRPMLimiter(a.rdb, snap.RateLimit.RPM)
		}
	case "memory":
		if snap.RateLimit.RPM > 0 {
			a.rpm = limiter.NewMemoryRPMLimiter(snap.RateLimit.RPM)
		}
	default:
		return fmt.Errorf("unknown rpm_mode: %s", a.cfg.RPMMode())
	}

	a.conc = limiter.NewConcurrencyGate(snap.RateLimit.MaxConcurrent, snap.RateLimit.MaxConcurrentPerSession)
	a.budget = limiter.NewBudgetTracker(snap.RateLimit.BudgetDailyUSD, snap.RateLimit.BudgetWeeklyUSD, snap.RateLimit.BudgetMonthlyUSD)

	a.log.Info("services ready",
		slog.Bool("rpm_enabled", a.rpm != nil),
		slog.Int("max_concurrent", snap.RateLimit.MaxConcurrent),
	)

	_ = ctx
	return nil
}

// initServer wires the Dispatcher and HTTP server. Called last so every
// collaborator it needs already exists.
func (a *App) initServer(_ context.Context) error {
	oa := openai.New(a.pool, a.log)
	ge := gemini.New(a.pool, a.log)

	a.dispatcher = &forward.Dispatcher{
		Handlers: map[snapshot.APIStyle]forward.ProviderHandler{
			snapshot.APIStyleOpenAI:    oa,
			snapshot.APIStyleAnthropic: anthropic.New(a.pool, a.log),
			snapshot.APIStyleGemini:    ge,
		},
		// Anthropic has no embeddings surface; it registers no EmbedHandler.
		Embedders: map[snapshot.APIStyle]forward.EmbedHandler{
			snapshot.APIStyleOpenAI: oa,
			snapshot.APIStyleGemini: ge,
		},
		Router: forward.NewRouter(forward.NewCircuitBreaker(forward.CBConfig{})),
		RPM:    a.rpm,
		Conc:   a.conc,
		Budget: a.budget,
		Log:    a.log,
	}

	a.srv = newServer(a)
	return nil
}
