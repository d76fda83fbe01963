// Package main runs the reward distributor: the HTTP API, the cycle worker
// that prepares and snapshots every window, and the housekeeping janitor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"reward-distributor/internal/config"
	"reward-distributor/internal/logger"
	"reward-distributor/internal/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	log := logger.New(cfg.Verbose)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go handleSignals(log, cancel, done)

	o, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer o.Close()

	log.Info("server: starting",
		"listen_addr", cfg.ListenAddr,
		"window", cfg.Window,
		"amount_unit", cfg.Unit,
		"memory_storage", cfg.UseMemory,
	)
	if err := o.Run(ctx); err != nil {
		return err
	}
	log.Info("server: shutdown complete")
	return nil
}

// handleSignals cancels on the first signal and exits on the second, or
// when graceful shutdown takes too long.
func handleSignals(log *slog.Logger, cancel context.CancelFunc, done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("server: received signal, shutting down", "signal", sig.String())
		cancel()
	case <-done:
		return
	}

	select {
	case sig := <-sigCh:
		log.Warn("server: received second signal, forcing exit", "signal", sig.String())
		os.Exit(1)
	case <-time.After(30 * time.Second):
		log.Error("server: graceful shutdown timed out, forcing exit")
		os.Exit(1)
	case <-done:
	}
}
