package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotistic/supervisor/internal/app"
	"github.com/iotistic/supervisor/internal/config"
	"github.com/iotistic/supervisor/internal/seed"
	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/internal/telemetry"
)

// Exit codes, per spec.md §6: 0 orderly shutdown, 1 fatal configuration
// error, 2 unrecoverable runtime error after retries.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	seedDemo := flag.Bool("seed", false, "write a demo nginx target state and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *seedDemo {
		logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
		st, err := store.Open(cfg.DataDir)
		if err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(exitConfigError)
		}
		defer st.Close()
		if err := seed.Run(ctx, st, logger); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(exitRuntimeError)
		}
		os.Exit(exitOK)
	}

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitRuntimeError)
	}

	os.Exit(exitOK)
}
