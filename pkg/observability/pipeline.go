package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline holds the counters specific to the transaction pipeline. A nil
// *Pipeline is valid and records nothing.
type Pipeline struct {
	decisions    metric.Int64Counter
	dispositions metric.Int64Counter
	refreshes    metric.Int64Counter
	handleTime   metric.Float64Histogram
	redriven     metric.Int64Counter
}

// NewPipeline creates the pipeline instruments on meter.
func NewPipeline(meter metric.Meter) (*Pipeline, error) {
	var (
		p   Pipeline
		err error
	)
	if p.decisions, err = meter.Int64Counter("txgate.gate.decisions",
		metric.WithDescription("Gate submissions by kind and outcome"),
		metric.WithUnit("{submission}"),
	); err != nil {
		return nil, err
	}
	if p.dispositions, err = meter.Int64Counter("txgate.worker.dispositions",
		metric.WithDescription("Worker dispositions by kind"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, err
	}
	if p.refreshes, err = meter.Int64Counter("txgate.keyset.refreshes",
		metric.WithDescription("Signing key set fetches by result"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}
	if p.handleTime, err = meter.Float64Histogram("txgate.worker.handle.duration",
		metric.WithDescription("Time to handle one delivery"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if p.redriven, err = meter.Int64Counter("txgate.sweeper.redriven",
		metric.WithDescription("Stale PENDING records re-enqueued"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// GateDecision counts one gate outcome ("accepted" or a rejection kind).
func (p *Pipeline) GateDecision(ctx context.Context, kind, outcome string) {
	if p == nil {
		return
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// WorkerDisposition counts one handled delivery and its duration.
func (p *Pipeline) WorkerDisposition(ctx context.Context, kind, disposition string, took time.Duration) {
	if p == nil {
		return
	}
	opt := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("disposition", disposition),
	)
	p.dispositions.Add(ctx, 1, opt)
	p.handleTime.Record(ctx, took.Seconds(), opt)
}

// KeysetRefresh counts one key set fetch.
func (p *Pipeline) KeysetRefresh(ctx context.Context, cache string, err error) {
	if p == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// Redriven counts records the sweeper put back on the queue.
func (p *Pipeline) Redriven(ctx context.Context, n int) {
	if p == nil || n == 0 {
		return
	}
	p.redriven.Add(ctx, int64(n))
}
