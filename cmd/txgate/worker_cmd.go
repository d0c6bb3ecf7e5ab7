package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/txgate/pkg/config"
)

// runWorkerCmd implements `txgate worker`: the pool plus, unless disabled, the sweeper.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var sweep bool
	cmd.IntVar(&cfg.Workers, "concurrency", cfg.Workers, "Number of concurrent handlers")
	cmd.BoolVar(&sweep, "sweep", true, "Run the stale-record sweeper in this process")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(cfg, stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := setupSubsystems(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() { _ = sys.Close() }()

	pool, err := sys.pool(ctx)
	if err != nil {
		logger.Error("worker setup failed", "error", err)
		return 1
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error { return pool.Run(ectx) })
	if sweep {
		eg.Go(func() error { return sys.sweeper().Run(ectx) })
	}
	if err := eg.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "worker stopped")
	return 0
}

// runSweepCmd implements `txgate sweep`: one sweep, then exit.
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cmd.DurationVar(&cfg.StaleAfter, "stale-after", cfg.StaleAfter, "Re-enqueue PENDING records whose lease lapsed this long ago")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(cfg, stderr)
	ctx := context.Background()
	sys, err := setupSubsystems(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() { _ = sys.Close() }()

	n, err := sys.sweeper().SweepOnce(ctx)
	_, _ = fmt.Fprintf(stdout, "re-enqueued %d transaction(s)\n", n)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
