// Package worker consumes queued transaction requests and commits them to the
// store exactly once per idempotency key, even though the queue may deliver a
// request many times.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
	"github.com/Mindburn-Labs/txgate/pkg/kinds"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
	"github.com/Mindburn-Labs/txgate/pkg/store"
)

// ReasonMaxReceive is recorded when a message was delivered too often.
const ReasonMaxReceive = "max receive count exceeded"

// Config configures a Worker.
type Config struct {
	// MaxReceiveCount is the number of deliveries after which a message is dead-lettered.
	MaxReceiveCount int
	// LeaseDuration is how long a delivery owns a PENDING record. Duplicate
	// deliveries that find a live lease are acked and left to the owner.
	LeaseDuration time.Duration
	StoreTimeout  time.Duration
	EffectTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *observability.Pipeline
}

func (c *Config) applyDefaults() {
	if c.MaxReceiveCount <= 0 {
		c.MaxReceiveCount = 5
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.EffectTimeout <= 0 {
		c.EffectTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Outcome is the result of handling one delivery.
type Outcome struct {
	Disposition contracts.Disposition
	// Reason explains a Retry or DeadLetter.
	Reason  string
	Request *contracts.TransactionRequest
	Record  *contracts.TransactionRecord
}

// Worker handles deliveries. It holds no per-message state; any number of
// goroutines may call Handle concurrently.
type Worker struct {
	store  store.Store
	kinds  *kinds.Registry
	cfg    Config
	logger *slog.Logger
}

// New creates a Worker.
func New(st store.Store, registry *kinds.Registry, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		store:  st,
		kinds:  registry,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker"),
	}
}

// Handle processes one delivery and returns what the queue should do with it.
func (w *Worker) Handle(ctx context.Context, env contracts.DeliveryEnvelope) contracts.Disposition {
	return w.Process(ctx, env).Disposition
}

// Process is Handle with the reasoning attached.
func (w *Worker) Process(ctx context.Context, env contracts.DeliveryEnvelope) Outcome {
	start := w.cfg.Now()
	out := w.process(ctx, env)
	kind := ""
	if out.Request != nil {
		kind = out.Request.Kind
	}
	w.cfg.Metrics.WorkerDisposition(ctx, kind, out.Disposition.String(), w.cfg.Now().Sub(start))
	return out
}

func (w *Worker) process(ctx context.Context, env contracts.DeliveryEnvelope) Outcome {
	logger := w.logger.With("message_id", env.MessageID, "receive_count", env.ReceiveCount)

	req, err := contracts.DecodeRequest(env.Body)
	if err != nil {
		logger.ErrorContext(ctx, "poison message", "error", err)
		return Outcome{Disposition: contracts.DeadLetter, Reason: err.Error()}
	}
	logger = logger.With("idempotency_key", req.IdempotencyKey, "kind", req.Kind)

	if env.ReceiveCount > w.cfg.MaxReceiveCount {
		rec := w.giveUp(ctx, req, logger)
		logger.WarnContext(ctx, "giving up on message", "max_receive_count", w.cfg.MaxReceiveCount)
		return Outcome{Disposition: contracts.DeadLetter, Reason: ReasonMaxReceive, Request: req, Record: rec}
	}

	now := w.cfg.Now()
	var (
		rec     *contracts.TransactionRecord
		created bool
	)
	err = w.withStore(ctx, func(sctx context.Context) error {
		var err error
		rec, created, err = w.store.CreateIfAbsent(sctx, contracts.NewPendingRecord(req, now, w.cfg.LeaseDuration))
		return err
	})
	if err != nil {
		logger.WarnContext(ctx, "store unavailable", "error", err)
		return Outcome{Disposition: contracts.Retry, Reason: err.Error(), Request: req}
	}

	if !created {
		switch {
		case rec.Status.Terminal():
			logger.DebugContext(ctx, "duplicate delivery of finished transaction", "status", rec.Status)
			return Outcome{Disposition: contracts.Ack, Request: req, Record: rec}
		case rec.Leased(now):
			logger.DebugContext(ctx, "transaction in progress elsewhere", "lease_until", rec.LeaseUntil)
			return Outcome{Disposition: contracts.Ack, Request: req, Record: rec}
		}
		claimed, err := w.claim(ctx, rec, now)
		if errors.Is(err, store.ErrConflict) {
			logger.DebugContext(ctx, "lost claim race")
			return Outcome{Disposition: contracts.Ack, Request: req, Record: rec}
		}
		if err != nil {
			logger.WarnContext(ctx, "claim failed", "error", err)
			return Outcome{Disposition: contracts.Retry, Reason: err.Error(), Request: req}
		}
		rec = claimed
	}
	logger = logger.With("attempt", rec.AttemptCount)

	// The stored request wins over the delivered one if a client reused a key.
	result, err := w.apply(ctx, rec.Request())
	if err == nil {
		return w.finish(ctx, logger, req, rec, store.Update{Status: contracts.StatusProcessed, Result: result})
	}

	if Classify(err) == Permanent {
		logger.InfoContext(ctx, "transaction rejected", "reason", failureReason(err))
		return w.finish(ctx, logger, req, rec, store.Update{Status: contracts.StatusFailed, FailureReason: failureReason(err)})
	}

	logger.WarnContext(ctx, "transient failure, will retry", "error", err)
	w.release(ctx, rec, logger)
	return Outcome{Disposition: contracts.Retry, Reason: err.Error(), Request: req, Record: rec}
}

func (w *Worker) apply(ctx context.Context, req *contracts.TransactionRequest) (json.RawMessage, error) {
	kind, err := w.kinds.Lookup(req.Kind)
	if err != nil {
		return nil, err
	}
	ectx, cancel := context.WithTimeout(ctx, w.cfg.EffectTimeout)
	defer cancel()
	return kind.Apply(ectx, req)
}

// claim takes over a PENDING record whose previous lease lapsed.
func (w *Worker) claim(ctx context.Context, rec *contracts.TransactionRecord, now time.Time) (*contracts.TransactionRecord, error) {
	var claimed *contracts.TransactionRecord
	err := w.withStore(ctx, func(sctx context.Context) error {
		var err error
		claimed, err = w.store.CompareAndSet(sctx, rec.IdempotencyKey, contracts.StatusPending, rec.Version, store.Update{
			Status:       contracts.StatusPending,
			AttemptCount: rec.AttemptCount + 1,
			LeaseUntil:   now.Add(w.cfg.LeaseDuration),
			UpdatedAt:    now,
		})
		return err
	})
	return claimed, err
}

// release ends our lease early so the next delivery can claim the record
// without waiting for it to lapse.
func (w *Worker) release(ctx context.Context, rec *contracts.TransactionRecord, logger *slog.Logger) {
	now := w.cfg.Now()
	err := w.withStore(ctx, func(sctx context.Context) error {
		_, err := w.store.CompareAndSet(sctx, rec.IdempotencyKey, contracts.StatusPending, rec.Version, store.Update{
			Status:       contracts.StatusPending,
			AttemptCount: rec.AttemptCount,
			LeaseUntil:   now,
			UpdatedAt:    now,
		})
		return err
	})
	if err != nil {
		logger.DebugContext(ctx, "lease release failed; it will lapse", "error", err)
	}
}

// finish moves our PENDING record to a terminal status.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, req *contracts.TransactionRequest, rec *contracts.TransactionRecord, u store.Update) Outcome {
	now := w.cfg.Now()
	u.AttemptCount = rec.AttemptCount
	u.LeaseUntil = now
	u.UpdatedAt = now

	var done *contracts.TransactionRecord
	err := w.withStore(ctx, func(sctx context.Context) error {
		var err error
		done, err = w.store.CompareAndSet(sctx, rec.IdempotencyKey, contracts.StatusPending, rec.Version, u)
		return err
	})
	if err == nil {
		logger.InfoContext(ctx, "transaction committed", "status", done.Status)
		return Outcome{Disposition: contracts.Ack, Request: req, Record: done}
	}
	if !errors.Is(err, store.ErrConflict) {
		logger.WarnContext(ctx, "commit failed", "error", err)
		w.release(ctx, rec, logger)
		return Outcome{Disposition: contracts.Retry, Reason: err.Error(), Request: req, Record: rec}
	}

	// Someone else wrote the record after our lease lapsed.
	var current *contracts.TransactionRecord
	err = w.withStore(ctx, func(sctx context.Context) error {
		var err error
		current, err = w.store.Get(sctx, rec.IdempotencyKey)
		return err
	})
	if err == nil && current.Status.Terminal() {
		logger.InfoContext(ctx, "transaction already committed by another delivery", "status", current.Status)
		return Outcome{Disposition: contracts.Ack, Request: req, Record: current}
	}
	return Outcome{Disposition: contracts.Retry, Reason: "commit conflict", Request: req, Record: rec}
}

// giveUp marks the transaction FAILED, best effort, before the message is
// dead-lettered. A record still leased by a live delivery is left alone.
func (w *Worker) giveUp(ctx context.Context, req *contracts.TransactionRequest, logger *slog.Logger) *contracts.TransactionRecord {
	now := w.cfg.Now()
	failed := contracts.NewPendingRecord(req, now, 0)
	failed.Status = contracts.StatusFailed
	failed.FailureReason = ReasonMaxReceive
	failed.LeaseUntil = time.Time{}

	var rec *contracts.TransactionRecord
	err := w.withStore(ctx, func(sctx context.Context) error {
		existing, created, err := w.store.CreateIfAbsent(sctx, failed)
		if err != nil || created || existing.Status.Terminal() || existing.Leased(now) {
			rec = existing
			return err
		}
		rec, err = w.store.CompareAndSet(sctx, existing.IdempotencyKey, contracts.StatusPending, existing.Version, store.Update{
			Status:        contracts.StatusFailed,
			FailureReason: ReasonMaxReceive,
			AttemptCount:  existing.AttemptCount,
			LeaseUntil:    now,
			UpdatedAt:     now,
		})
		return err
	})
	if err != nil {
		logger.WarnContext(ctx, "could not mark transaction failed", "error", err)
	}
	return rec
}

func (w *Worker) withStore(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, store.ErrUnavailable) {
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		return err
	}
	return nil
}
