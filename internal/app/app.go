// Package app wires up all subsystems and owns the process lifecycle.
//
// Startup order:
//  1. initInfra     — optional external connections (Redis, only for the
//     shared RPM limiter backend)
//  2. initProviders  — no-op; the per-api_style handlers are built in initServer
//  3. initServices   — usage logger, metrics registry, limiter gate
//  4. initServer     — provider handlers, dispatcher, HTTP routes and
//     middleware chain
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/arcrelay/forwardcore/internal/config"
	"github.com/arcrelay/forwardcore/internal/forward"
	"github.com/arcrelay/forwardcore/internal/httpclient"
	"github.com/arcrelay/forwardcore/internal/limiter"
	"github.com/arcrelay/forwardcore/internal/logger"
	"github.com/arcrelay/forwardcore/internal/metrics"
	"github.com/arcrelay/forwardcore/internal/snapshot"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Sink
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client

	pool      *httpclient.Pool
	reqLogger *logger.Logger
	prom      *metrics.Registry

	rpm    limiter.RPMLimiter
	conc   *limiter.ConcurrencyGate
	budget *limiter.BudgetTracker

	dispatcher *forward.Dispatcher
	srv        *server
}

// New initialises every subsystem and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Sink, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log, pool: httpclient.NewPool()}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	forward.SetSnapshot(cfg.Snapshot())
	go a.watchConfigChanges(ctx)

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	snap := a.cfg.Snapshot()
	addr := fmt.Sprintf(":%d", snap.Port)

	a.log.Info("starting forwarding core",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("rpm_mode", a.cfg.RPMMode()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; it holds no lock, so concurrent calls are not
// synchronized.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("usage logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// watchConfigChanges keeps the package-level snapshot the router/dispatcher
// read in sync with every reload the config sink publishes.
func (a *App) watchConfigChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-a.cfg.Changes():
			if !ok {
				return
			}
			forward.SetSnapshot(snap)
			a.refreshLimiters(snap)
			a.log.Info("snapshot applied",
				slog.Int("models", len(snap.Models())),
			)
		}
	}
}

// refreshLimiters rebuilds the concurrency gate and budget tracker against
// the new snapshot's ceilings; the RPM limiter's backend (memory vs redis)
// is fixed at startup, but its limit is re-read on every Allow call's
// snapshot-free path is not possible, so a reload that changes rpm_limit
// only takes effect for concurrency/budget, not RPM, until restart.
func (a *App) refreshLimiters(snap *snapshot.ConfigSnapshot) {
	a.conc = limiter.NewConcurrencyGate(snap.RateLimit.MaxConcurrent, snap.RateLimit.MaxConcurrentPerSession)
	a.budget = limiter.NewBudgetTracker(snap.RateLimit.BudgetDailyUSD, snap.RateLimit.BudgetWeeklyUSD, snap.RateLimit.BudgetMonthlyUSD)
	if a.dispatcher != nil {
		a.dispatcher.Conc = a.conc
		a.dispatcher.Budget = a.budget
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
