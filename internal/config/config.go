// Package config loads the forwarding core's settings — upstreams, models,
// retry policy, rate/budget limits — from a YAML file with environment
// variable overrides for scalars, and republishes a fresh
// snapshot.ConfigSnapshot on every change.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. Upstream and model lists are YAML/JSON-only
// — there is no sane flat env var encoding for nested lists, so those two
// keys are read exclusively from the config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/arcrelay/forwardcore/internal/snapshot"
)

// Sink is the config-reload collaborator the forward pipeline depends on:
// a read-only Snapshot() plus a Changes() channel that fires on every
// atomic replacement, matching the "config sink interface" contract.
type Sink struct {
	v       *viper.Viper
	current atomic.Pointer[snapshot.ConfigSnapshot]
	changes chan *snapshot.ConfigSnapshot
	log     *slog.Logger
}

// Load reads configuration from envFile (a .env path, skipped if absent),
// configPath (a directory containing config.yaml), and the environment,
// builds the first snapshot, and starts watching configPath for changes.
func Load(configPath, envFile string, log *slog.Logger) (*Sink, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", 8787)
	v.SetDefault("log_level", "info")
	v.SetDefault("enable_retry_fallback", false)
	v.SetDefault("retry_max_attempts", 4)
	v.SetDefault("retry_initial_ms", 300)
	v.SetDefault("retry_max_ms", 3000)
	v.SetDefault("rpm_limit", 0)
	v.SetDefault("max_concurrent", 0)
	v.SetDefault("max_concurrent_per_session", 0)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("rpm_mode", "memory")

	s := &Sink{v: v, changes: make(chan *snapshot.ConfigSnapshot, 1), log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := s.reload(); err != nil {
			s.log.Error("config reload failed, keeping previous snapshot", "error", err)
			return
		}
		s.log.Info("config reloaded")
	})
	v.WatchConfig()

	return s, nil
}

// Snapshot returns the current immutable configuration view.
func (s *Sink) Snapshot() *snapshot.ConfigSnapshot {
	return s.current.Load()
}

// Changes returns a channel that receives the new snapshot after every
// atomic replacement. The channel is buffered by one and never closed;
// slow consumers simply see the latest snapshot, not every intermediate one.
func (s *Sink) Changes() <-chan *snapshot.ConfigSnapshot {
	return s.changes
}

// LogLevel returns the configured minimum log level.
func (s *Sink) LogLevel() string {
	return strings.ToLower(s.v.GetString("log_level"))
}

// RPMMode selects the RPM limiter backend: "memory" (default, single
// instance) or "redis" (shared sliding window across replicas).
func (s *Sink) RPMMode() string {
	return strings.ToLower(s.v.GetString("rpm_mode"))
}

// RedisURL is the connection string for the shared RPM limiter backend.
// Only consulted when RPMMode returns "redis".
func (s *Sink) RedisURL() string {
	return s.v.GetString("redis_url")
}

// rawUpstream/rawModel/rawRoute mirror the YAML shape; mapstructure tags
// use the same lower_snake_case as env var naming for consistency.
type rawUpstream struct {
	ID           string   `mapstructure:"id"`
	Endpoints    []string `mapstructure:"endpoints"`
	APIStyle     string   `mapstructure:"api_style"`
	APIKey       string   `mapstructure:"api_key"`
	AuthStyle    string   `mapstructure:"auth_style"`
	AWSRegion    string   `mapstructure:"aws_region"`
	AWSSecretKey string   `mapstructure:"aws_secret_key"`
	ProxyURL     string   `mapstructure:"proxy_url"`
}

type rawRoute struct {
	Provider        string `mapstructure:"provider"`
	UpstreamID      string `mapstructure:"upstream_id"`
	UpstreamModelID string `mapstructure:"upstream_model_id"`
	Priority        *int   `mapstructure:"priority"`
}

type rawModel struct {
	ID                   string     `mapstructure:"id"`
	DisplayName          string     `mapstructure:"display_name"`
	PricePromptPer1K     float64    `mapstructure:"price_prompt_per_1k"`
	PriceCompletionPer1K float64    `mapstructure:"price_completion_per_1k"`
	Priority             int        `mapstructure:"priority"`
	IsTemporary          bool       `mapstructure:"is_temporary"`
	Routes               []rawRoute `mapstructure:"routes"`
}

func (s *Sink) reload() error {
	var rawUpstreams []rawUpstream
	if err := s.v.UnmarshalKey("upstreams", &rawUpstreams); err != nil {
		return fmt.Errorf("config: upstreams: %w", err)
	}
	var rawModels []rawModel
	if err := s.v.UnmarshalKey("models", &rawModels); err != nil {
		return fmt.Errorf("config: models: %w", err)
	}

	upstreams := make([]snapshot.Upstream, 0, len(rawUpstreams))
	seenUpstream := make(map[string]bool, len(rawUpstreams))
	for _, ru := range rawUpstreams {
		if ru.ID == "" {
			return fmt.Errorf("config: upstream with empty id")
		}
		if seenUpstream[ru.ID] {
			return fmt.Errorf("config: duplicate upstream id %q", ru.ID)
		}
		seenUpstream[ru.ID] = true

		style := snapshot.APIStyle(ru.APIStyle)
		switch style {
		case snapshot.APIStyleOpenAI, snapshot.APIStyleAnthropic, snapshot.APIStyleGemini:
		default:
			return fmt.Errorf("config: upstream %q: invalid api_style %q", ru.ID, ru.APIStyle)
		}

		auth := snapshot.AuthStyle(ru.AuthStyle)
		if auth == "" {
			auth = snapshot.AuthStyleBearer
		}
		switch auth {
		case snapshot.AuthStyleBearer, snapshot.AuthStyleAPIKeyHeader, snapshot.AuthStyleAWSSigV4:
		default:
			return fmt.Errorf("config: upstream %q: invalid auth_style %q", ru.ID, ru.AuthStyle)
		}

		upstreams = append(upstreams, snapshot.Upstream{
			ID:           ru.ID,
			Endpoints:    ru.Endpoints,
			APIStyle:     style,
			APIKey:       strings.TrimSpace(ru.APIKey),
			AuthStyle:    auth,
			AWSRegion:    ru.AWSRegion,
			AWSSecretKey: strings.TrimSpace(ru.AWSSecretKey),
			ProxyURL:     ru.ProxyURL,
		})
	}

	models := make([]snapshot.Model, 0, len(rawModels))
	for _, rm := range rawModels {
		if rm.ID == "" {
			return fmt.Errorf("config: model with empty id")
		}
		if rm.Priority < 0 || rm.Priority > 100 {
			return fmt.Errorf("config: model %q: priority must be 0-100, got %d", rm.ID, rm.Priority)
		}
		routes := make([]snapshot.Route, 0, len(rm.Routes))
		for _, rr := range rm.Routes {
			provider := snapshot.APIStyle(rr.Provider)
			switch provider {
			case snapshot.APIStyleOpenAI, snapshot.APIStyleAnthropic, snapshot.APIStyleGemini:
			default:
				return fmt.Errorf("config: model %q: route has invalid provider %q", rm.ID, rr.Provider)
			}
			if rr.UpstreamID == "" {
				return fmt.Errorf("config: model %q: route missing upstream_id", rm.ID)
			}
			routes = append(routes, snapshot.Route{
				Provider:        provider,
				UpstreamID:      rr.UpstreamID,
				UpstreamModelID: rr.UpstreamModelID,
				Priority:        rr.Priority,
			})
		}
		models = append(models, snapshot.Model{
			ID:                   rm.ID,
			DisplayName:          rm.DisplayName,
			PricePromptPer1K:     rm.PricePromptPer1K,
			PriceCompletionPer1K: rm.PriceCompletionPer1K,
			Priority:             rm.Priority,
			IsTemporary:          rm.IsTemporary,
			Routes:               routes,
		})
	}

	logLevel := strings.ToLower(s.v.GetString("log_level"))
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", logLevel)
	}

	retryMaxAttempts := s.v.GetInt("retry_max_attempts")
	if retryMaxAttempts < 1 {
		return fmt.Errorf("config: retry_max_attempts must be >= 1, got %d", retryMaxAttempts)
	}

	opts := snapshot.ConfigSnapshot{
		Port:                s.v.GetInt("port"),
		ForwardToken:        s.v.GetString("forward_token"),
		EnableRetryFallback: s.v.GetBool("enable_retry_fallback"),
		Retry: snapshot.RetryConfig{
			MaxAttempts:  retryMaxAttempts,
			InitialDelay: msDuration(s.v.GetInt("retry_initial_ms")),
			MaxDelay:     msDuration(s.v.GetInt("retry_max_ms")),
		},
		RateLimit: snapshot.RateLimitConfig{
			RPM:                     s.v.GetInt("rpm_limit"),
			MaxConcurrent:           s.v.GetInt("max_concurrent"),
			MaxConcurrentPerSession: s.v.GetInt("max_concurrent_per_session"),
			BudgetDailyUSD:          optionalFloat(s.v, "budget_daily_usd"),
			BudgetWeeklyUSD:         optionalFloat(s.v, "budget_weekly_usd"),
			BudgetMonthlyUSD:        optionalFloat(s.v, "budget_monthly_usd"),
		},
		CORS: snapshot.CORSConfig{Origins: s.v.GetStringSlice("cors_origins")},
	}

	snap := snapshot.New(upstreams, models, opts)
	s.current.Store(snap)

	select {
	case s.changes <- snap:
	default:
		// a pending change hasn't been consumed yet; drop it, the reader
		// will observe the latest snapshot via Snapshot() regardless.
		select {
		case <-s.changes:
			s.changes <- snap
		default:
		}
	}
	return nil
}

func optionalFloat(v *viper.Viper, key string) *float64 {
	if !v.IsSet(key) {
		return nil
	}
	f := v.GetFloat64(key)
	return &f
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
