package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
	"github.com/Mindburn-Labs/txgate/pkg/deadletter"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
	"github.com/Mindburn-Labs/txgate/pkg/queue"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Concurrency int
	BatchSize   int
	// Visibility is the lease taken on each received message. It is extended
	// every Visibility/2 while the message is being handled.
	Visibility   time.Duration
	PollInterval time.Duration
	// RetryBase and RetryMax bound the exponential redelivery delay of a Retry.
	RetryBase time.Duration
	RetryMax  time.Duration
	// SettleTimeout bounds the ack or requeue call after handling, which runs
	// even while the pool is shutting down.
	SettleTimeout time.Duration
	Sink          deadletter.Sink
	Tracker       observability.Tracker
	Now           func() time.Time
	Logger        *slog.Logger
}

func (c *PoolConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sink == nil {
		c.Sink = deadletter.LogSink{Logger: c.Logger}
	}
}

// Pool runs Concurrency receive loops that feed deliveries to a Worker and
// settle each one with the queue according to its Disposition.
type Pool struct {
	queue  queue.Queue
	worker *Worker
	cfg    PoolConfig
	logger *slog.Logger
}

// NewPool creates a Pool.
func NewPool(q queue.Queue, w *Worker, cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	return &Pool{
		queue:  q,
		worker: w,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker_pool"),
	}
}

// Run blocks until ctx is cancelled. Deliveries already in hand are settled
// before it returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "concurrency", p.cfg.Concurrency, "visibility", p.cfg.Visibility)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.loop(gctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := p.Poll(ctx)
		if err != nil {
			p.logger.WarnContext(ctx, "receive failed", "error", err)
		}
		if err != nil || n == 0 {
			sleep(ctx, p.cfg.PollInterval)
		}
	}
}

// Poll receives one batch and handles it. It returns the number of deliveries handled.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	envs, err := p.queue.Receive(ctx, p.cfg.BatchSize, p.cfg.Visibility)
	if err != nil {
		return 0, err
	}
	for _, env := range envs {
		p.handle(ctx, env)
	}
	return len(envs), nil
}

func (p *Pool) handle(ctx context.Context, env contracts.DeliveryEnvelope) {
	var finish func(error)
	if p.cfg.Tracker != nil {
		ctx, finish = p.cfg.Tracker.TrackOperation(ctx, "worker.handle",
			attribute.String("message_id", env.MessageID),
			attribute.Int("receive_count", env.ReceiveCount),
		)
	}

	stop := p.heartbeat(ctx, env.MessageID)
	out := p.worker.Process(ctx, env)
	stop()

	err := p.settle(ctx, env, out)
	if err != nil {
		p.logger.ErrorContext(ctx, "settle failed", "message_id", env.MessageID, "disposition", out.Disposition, "error", err)
	}
	if finish != nil {
		finish(err)
	}
}

// heartbeat keeps the message invisible while it is being handled.
func (p *Pool) heartbeat(ctx context.Context, messageID string) (stop func()) {
	hctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(p.cfg.Visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				if err := p.queue.ExtendVisibility(hctx, messageID, p.cfg.Visibility); err != nil && hctx.Err() == nil {
					p.logger.WarnContext(hctx, "visibility extension failed", "message_id", messageID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Pool) settle(ctx context.Context, env contracts.DeliveryEnvelope, out Outcome) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
	defer cancel()

	switch out.Disposition {
	case contracts.Ack:
		return p.queue.Ack(sctx, env.MessageID)
	case contracts.Retry:
		return p.queue.ExtendVisibility(sctx, env.MessageID, p.Backoff(env.ReceiveCount))
	default:
		letter := deadletter.NewLetter(env.MessageID, env.ReceiveCount, out.Reason, env.Body, p.cfg.Now())
		if err := p.cfg.Sink.Archive(sctx, letter); err != nil {
			// The queue's own dead-letter list still holds the body.
			p.logger.ErrorContext(ctx, "dead-letter archive failed", "message_id", env.MessageID, "error", err)
		}
		return p.queue.DeadLetter(sctx, env.MessageID, out.Reason)
	}
}

// Backoff is the redelivery delay after the given delivery failed:
// RetryBase doubled per earlier delivery, capped at RetryMax.
func (p *Pool) Backoff(receiveCount int) time.Duration {
	d := p.cfg.RetryBase
	for i := 1; i < receiveCount; i++ {
		d *= 2
		if d >= p.cfg.RetryMax {
			return p.cfg.RetryMax
		}
	}
	return min(d, p.cfg.RetryMax)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
