package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/graduator/config"
	"github.com/alejandrodnm/graduator/internal/adapters/storage"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "poll once, run every queued task and exit")
	resumeOnly := flag.Bool("resume-only", false, "run the resume pass, finish resumed tasks and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	status := flag.Bool("status", false, "print the task table and exit")
	requeue := flag.String("requeue", "", "reset a FAILED task so the next run resumes it")
	failID := flag.String("fail", "", "mark a task FAILED so it is not retried")
	reason := flag.String("reason", "", "reason recorded with -fail")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "driver", cfg.Storage.Driver)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *status:
		err = printStatus(ctx, store)
	case *requeue != "":
		err = requeueTask(ctx, store, *requeue)
	case *failID != "":
		err = failTask(ctx, store, *failID, *reason)
	default:
		slog.Info("graduator starting",
			"config", *configPath,
			"packages", len(cfg.Ledger.CurvePackages),
			"poll_interval", cfg.PollInterval(),
			"lock_mode", cfg.AMM.LockMode,
			"once", *once,
			"resume_only", *resumeOnly,
		)
		err = runDaemon(ctx, cfg, store, *once, *resumeOnly)
	}
	if err != nil {
		slog.Error("graduator exited with error", "err", err)
		store.Close()
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
