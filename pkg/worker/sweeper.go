package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
	"github.com/Mindburn-Labs/txgate/pkg/store"
)

// SweepStore is what the sweeper needs from the store.
type SweepStore interface {
	store.Store
	store.PendingScanner
}

// Enqueuer puts a message body back on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	// StaleAfter is how long a PENDING record's lease must have lapsed before
	// it is re-enqueued. It should exceed the pool's RetryMax so that ordinary
	// retries are not duplicated.
	StaleAfter time.Duration
	BatchSize  int
	// CallTimeout bounds each store and queue call of a sweep.
	CallTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.Pipeline
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sweeper re-enqueues PENDING records nobody is working on, which happens when
// a message was lost after its record was created.
type Sweeper struct {
	store  SweepStore
	queue  Enqueuer
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(st SweepStore, q Enqueuer, cfg SweeperConfig) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{
		store:  st,
		queue:  q,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "sweeper"),
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// SweepOnce re-enqueues one batch of stale records and returns how many were sent.
// Each record's lease is touched so it is not re-sent before StaleAfter passes again.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	var stale []*contracts.TransactionRecord
	err := s.bounded(ctx, func(cctx context.Context) error {
		var err error
		stale, err = s.store.ListStalePending(cctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list stale records: %w", err)
	}

	sent := 0
	var errs []error
	for _, rec := range stale {
		err := s.bounded(ctx, func(cctx context.Context) error {
			_, err := s.store.CompareAndSet(cctx, rec.IdempotencyKey, contracts.StatusPending, rec.Version, store.Update{
				Status:       contracts.StatusPending,
				AttemptCount: rec.AttemptCount,
				LeaseUntil:   now,
				UpdatedAt:    now,
			})
			return err
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		body, err := rec.Request().Encode()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var id string
		err = s.bounded(ctx, func(cctx context.Context) error {
			var err error
			id, err = s.queue.Enqueue(cctx, body)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("re-enqueue %s: %w", rec.IdempotencyKey, err))
			continue
		}
		sent++
		s.logger.InfoContext(ctx, "re-enqueued stale transaction",
			"idempotency_key", rec.IdempotencyKey,
			"message_id", id,
			"lease_until", rec.LeaseUntil,
		)
	}
	s.cfg.Metrics.Redriven(ctx, sent)
	return sent, errors.Join(errs...)
}

func (s *Sweeper) bounded(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return fn(cctx)
}
