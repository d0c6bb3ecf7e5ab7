package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/txgate/pkg/auth"
	"github.com/Mindburn-Labs/txgate/pkg/config"
	"github.com/Mindburn-Labs/txgate/pkg/deadletter"
	"github.com/Mindburn-Labs/txgate/pkg/identity"
	"github.com/Mindburn-Labs/txgate/pkg/kinds"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
	"github.com/Mindburn-Labs/txgate/pkg/queue"
	"github.com/Mindburn-Labs/txgate/pkg/store"
	"github.com/Mindburn-Labs/txgate/pkg/util/resiliency"
	"github.com/Mindburn-Labs/txgate/pkg/worker"
)

// recordStore is the store surface the binaries use.
type recordStore interface {
	store.Store
	store.PendingScanner
}

// subsystems holds the shared wiring of every long-running command.
type subsystems struct {
	cfg      *config.Config
	logger   *slog.Logger
	obs      *observability.Provider
	metrics  *observability.Pipeline
	store    recordStore
	queue    queue.Queue
	registry *kinds.Registry
	closers  []func() error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func setupSubsystems(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*subsystems, error) {
	s := &subsystems{cfg: cfg, logger: logger}

	obs, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	s.obs = obs
	s.metrics = obs.Pipeline()
	s.closers = append(s.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(sctx)
	})

	if s.store, err = openStore(ctx, cfg, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	if closer, ok := s.store.(io.Closer); ok {
		s.closers = append(s.closers, closer.Close)
	}

	if s.queue, err = s.openQueue(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.registry, err = config.LoadRegistry(cfg.KindsFile); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("kinds: %w", err)
	}
	logger.Info("kinds loaded", "kinds", s.registry.Names())
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (recordStore, error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; records are lost on exit")
		return store.NewMemoryStore(), nil
	case "sqlite":
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("store: postgres connected")
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

func (s *subsystems) openQueue(ctx context.Context) (queue.Queue, error) {
	switch s.cfg.QueueBackend {
	case "memory":
		s.logger.Warn("using in-memory queue; it is only shared within this process")
		return queue.NewMemoryQueue(queue.MemoryOptions{}), nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: strings.Split(s.cfg.RedisAddr, ",")})
		q := queue.NewRedisQueue(client, queue.RedisOptions{Name: s.cfg.QueueName})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := q.Ping(pctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		s.logger.Info("queue: redis connected", "addr", s.cfg.RedisAddr, "name", s.cfg.QueueName)
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", s.cfg.QueueBackend)
	}
}

// authorizer builds the token authorizer over the configured key source.
func (s *subsystems) authorizer() (*auth.TokenAuthorizer, error) {
	if err := s.cfg.ValidateAuth(); err != nil {
		return nil, err
	}
	var source identity.KeySource
	if s.cfg.JWKSURL != "" {
		client := resiliency.NewEnhancedClient("jwks",
			resiliency.WithRetries(2, 200*time.Millisecond),
			resiliency.WithBreaker(resiliency.NewCircuitBreaker("jwks", 5, 30*time.Second)),
		)
		source = identity.NewHTTPSource(s.cfg.JWKSURL, client)
	} else {
		source = identity.FileSource{Path: s.cfg.JWKSFile}
	}

	cache := identity.NewKeySetCache(source, identity.CacheConfig{
		Name:               "jwks",
		TTL:                s.cfg.KeyTTL,
		FetchTimeout:       s.cfg.KeyFetchTimeout,
		MinRefreshInterval: s.cfg.KeyMinRefresh,
		MaxStale:           s.cfg.KeyMaxStale,
		OnFetch: func(ctx context.Context, err error) {
			s.metrics.KeysetRefresh(ctx, "jwks", err)
		},
		Logger: s.logger,
	})
	return auth.NewTokenAuthorizer(cache, auth.Config{
		Issuer:   s.cfg.Issuer,
		Audience: s.cfg.Audience,
		Leeway:   s.cfg.Leeway,
		Logger:   s.logger,
	})
}

func (s *subsystems) pool(ctx context.Context) (*worker.Pool, error) {
	sink, err := deadletter.New(ctx, s.cfg.DeadLetter, s.logger)
	if err != nil {
		return nil, err
	}
	w := worker.New(s.store, s.registry, worker.Config{
		MaxReceiveCount: s.cfg.MaxReceiveCount,
		LeaseDuration:   s.cfg.LeaseDuration,
		StoreTimeout:    s.cfg.StoreTimeout,
		EffectTimeout:   s.cfg.EffectTimeout,
		Logger:          s.logger,
		Metrics:         s.metrics,
	})
	return worker.NewPool(s.queue, w, worker.PoolConfig{
		Concurrency: s.cfg.Workers,
		Visibility:  s.cfg.Visibility,
		RetryBase:   s.cfg.RetryBase,
		RetryMax:    s.cfg.RetryMax,
		Sink:        sink,
		Tracker:     s.obs,
		Logger:      s.logger,
	}), nil
}

func (s *subsystems) sweeper() *worker.Sweeper {
	return worker.NewSweeper(s.store, s.queue, worker.SweeperConfig{
		Interval:    s.cfg.SweepInterval,
		StaleAfter:  s.cfg.StaleAfter,
		CallTimeout: s.cfg.StoreTimeout,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
}

// Close releases resources in reverse order of acquisition.
func (s *subsystems) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
