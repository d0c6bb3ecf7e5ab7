package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/txgate/pkg/api"
	"github.com/Mindburn-Labs/txgate/pkg/config"
	"github.com/Mindburn-Labs/txgate/pkg/gate"
	"github.com/Mindburn-Labs/txgate/pkg/worker"
)

// runServeCmd implements `txgate serve`.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = runtime failure
//	2 = usage or configuration error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var (
		addr        string
		withWorkers bool
	)
	cmd.StringVar(&addr, "addr", ":"+cfg.Port, "Listen address")
	cmd.BoolVar(&withWorkers, "workers", cfg.QueueBackend == "memory", "Also run the worker pool and sweeper in this process")
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

	authz, err := sys.authorizer()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	g := gate.New(authz, sys.registry, sys.queue, gate.Config{
		KeyBucket: cfg.IdempotencyBucket,
		Logger:    logger,
		Metrics:   sys.metrics,
	})
	handler := api.NewServer(g, sys.store, authz, api.Config{
		AdminRole: cfg.AdminRole,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Tracker:   sys.obs,
		Logger:    logger,
	}).Handler()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var pool *worker.Pool
	if withWorkers {
		if pool, err = sys.pool(ctx); err != nil {
			logger.Error("worker setup failed", "error", err)
			return 1
		}
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ectx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if pool != nil {
		eg.Go(func() error { return pool.Run(ectx) })
		eg.Go(func() error { return sys.sweeper().Run(ectx) })
	}

	if err := eg.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "txgate stopped")
	return 0
}
