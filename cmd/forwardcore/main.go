// Command forwardcore is the multi-provider LLM request-forwarding core.
//
// It reads configuration from config.yaml (plus environment variable
// overrides) and starts an ingress HTTP server accepting OpenAI-, Anthropic-,
// and Gemini-shaped chat/completion requests, translating and routing each
// one to a configured upstream.
//
// Quick-start:
//
//	CONFIG_PATH=. PORT=8787 ./forwardcore
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcrelay/forwardcore/internal/app"
	"github.com/arcrelay/forwardcore/internal/config"
	"github.com/arcrelay/forwardcore/internal/logsink"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := envOr("CONFIG_PATH", ".")
	envFile := envOr("ENV_FILE", ".env")

	bootLog := buildLogger("info")
	cfg, err := config.Load(configPath, envFile, bootLog)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sink := logsink.New(jsonHandler(cfg.LogLevel()), 0)
	defer sink.Close()
	logger := slog.New(sink)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("forwarding core stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildLogger constructs a plain JSON slog.Logger for the given level
// string, used only for the boot-time logger passed into config.Load
// (before the async sink has anywhere useful to drain to). Unknown level
// strings default to INFO.
func buildLogger(level string) *slog.Logger {
	return slog.New(jsonHandler(level))
}

func jsonHandler(level string) slog.Handler {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	})
}
