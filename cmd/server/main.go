// Command server runs the billsync billing and entitlement service.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/GoCodeAlone/billsync/config"
)

var (
	configFile = flag.String("config", "", "Path to billsync configuration YAML file")
	envFile    = flag.String("env-file", ".env", "Path to a .env file loaded before configuration")
	addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
	logFormat  = flag.String("log-format", "", "Log format: json or text (overrides config)")
)

// envOrFlag returns the environment variable when set, otherwise the flag value.
func envOrFlag(envKey string, flagVal *string) string {
	if v, ok := os.LookupEnv(envKey); ok && v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// parseLevel maps a config level name to a slog level, defaulting to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	path := envOrFlag("BILLSYNC_CONFIG", configFile)
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logFormat != "" {
		cfg.Server.LogFormat = *logFormat
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Server.LogLevel))
	logger := newLogger(cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if path != "" {
		w := config.NewWatcher(config.NewFileSource(path), func(evt config.ChangeEvent) {
			level.Set(parseLevel(evt.Config.Server.LogLevel))
			a.applyConfig(evt.Config)
		}, config.WithWatchLogger(logger))
		if err := w.Start(); err != nil {
			logger.Warn("config watcher disabled", "error", err)
		} else {
			defer w.Stop()
		}
	}

	if err := a.run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
