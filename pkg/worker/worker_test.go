package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
	"github.com/Mindburn-Labs/txgate/pkg/kinds"
	"github.com/Mindburn-Labs/txgate/pkg/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *store.MemoryStore
	registry *kinds.Registry
	clock    *fakeClock
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := kinds.NewBuiltinRegistry()
	require.NoError(t, err)
	f := &fixture{
		store:    store.NewMemoryStore(),
		registry: registry,
		clock:    &fakeClock{at: t0},
	}
	f.worker = New(f.store, registry, Config{MaxReceiveCount: 5, LeaseDuration: time.Minute, Now: f.clock.Now})
	return f
}

// registerEffect installs a schemaless kind backed by fn.
func (f *fixture) registerEffect(t *testing.T, name string, fn kinds.EffectFunc) {
	t.Helper()
	f.registry.RegisterEffect(name, fn)
	require.NoError(t, f.registry.Register(kinds.Definition{
		Name: name, Version: "1.0.0", Effect: name, Schema: `{"type":"object"}`,
	}))
}

func body(t *testing.T, key, kind, payload string) []byte {
	t.Helper()
	req := &contracts.TransactionRequest{
		IdempotencyKey: key,
		Subject:        "user-42",
		Kind:           kind,
		SchemaVersion:  "1.0.0",
		Payload:        json.RawMessage(payload),
		SubmittedAt:    t0,
	}
	b, err := req.Encode()
	require.NoError(t, err)
	return b
}

func delivery(id string, receives int, b []byte) contracts.DeliveryEnvelope {
	return contracts.DeliveryEnvelope{MessageID: id, ReceiveCount: receives, Body: b}
}

func (f *fixture) record(t *testing.T, key string) *contracts.TransactionRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func TestHandle_ProcessesPayment(t *testing.T) {
	f := newFixture(t)
	b := body(t, "k-1", "payment", `{"amount": 12.5, "currency": "EUR", "payee": "acme"}`)

	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m1", 1, b)))

	rec := f.record(t, "k-1")
	assert.Equal(t, contracts.StatusProcessed, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	var res kinds.PaymentResult
	require.NoError(t, json.Unmarshal(rec.Result, &res))
	assert.Equal(t, "12.50", res.Amount)
	assert.Equal(t, "EUR", res.Currency)
}

func TestHandle_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.registerEffect(t, "count", func(context.Context, *contracts.TransactionRequest) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	})
	b := body(t, "dup", "count", `{}`)

	var wg sync.WaitGroup
	results := make([]contracts.Disposition, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.worker.Handle(context.Background(), delivery("m", 1, b))
		}()
	}
	wg.Wait()

	for _, d := range results {
		assert.Equal(t, contracts.Ack, d)
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, contracts.StatusProcessed, f.record(t, "dup").Status)
}

func TestHandle_DuplicateWhileInProgressIsAcked(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.registerEffect(t, "slow", func(context.Context, *contracts.TransactionRequest) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return json.RawMessage(`{}`), nil
	})
	b := body(t, "slow-1", "slow", `{}`)

	first := make(chan contracts.Disposition, 1)
	go func() { first <- f.worker.Handle(context.Background(), delivery("m1", 1, b)) }()
	<-started

	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m2", 1, b)))
	close(release)
	assert.Equal(t, contracts.Ack, <-first)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, contracts.StatusProcessed, f.record(t, "slow-1").Status)
}

func TestHandle_TransientFailuresThenSuccess(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.registerEffect(t, "flaky", func(context.Context, *contracts.TransactionRequest) (json.RawMessage, error) {
		if calls.Add(1) <= 3 {
			return nil, errors.New("downstream timeout")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	b := body(t, "flaky-1", "flaky", `{}`)

	for i := 1; i <= 3; i++ {
		assert.Equal(t, contracts.Retry, f.worker.Handle(context.Background(), delivery("m1", i, b)), "delivery %d", i)
		rec := f.record(t, "flaky-1")
		assert.Equal(t, contracts.StatusPending, rec.Status)
		assert.False(t, rec.Leased(f.clock.Now()), "lease is released after a transient failure")
	}
	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m1", 4, b)))

	rec := f.record(t, "flaky-1")
	assert.Equal(t, contracts.StatusProcessed, rec.Status)
	assert.Equal(t, 4, rec.AttemptCount)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
}

func TestHandle_PermanentFailure(t *testing.T) {
	f := newFixture(t)
	b := body(t, "bad-cur", "payment", `{"amount": 10, "currency": "XYZ"}`)

	out := f.worker.Process(context.Background(), delivery("m1", 1, b))
	assert.Equal(t, contracts.Ack, out.Disposition)

	rec := f.record(t, "bad-cur")
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Equal(t, "invalid currency", rec.FailureReason)
	assert.Nil(t, rec.Result)

	// A redelivery does not run the effect again.
	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m1", 2, b)))
	assert.Equal(t, rec.Version, f.record(t, "bad-cur").Version)
}

func TestHandle_UnknownKindFails(t *testing.T) {
	f := newFixture(t)
	b := body(t, "nokind", "refund", `{}`)
	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m1", 1, b)))
	rec := f.record(t, "nokind")
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "unknown kind")
}

func TestHandle_MaxReceiveCountDeadLetters(t *testing.T) {
	f := newFixture(t)
	f.registerEffect(t, "down", func(context.Context, *contracts.TransactionRequest) (json.RawMessage, error) {
		return nil, kinds.ErrUnavailable
	})
	b := body(t, "down-1", "down", `{}`)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, contracts.Retry, f.worker.Handle(context.Background(), delivery("m1", i, b)))
	}
	out := f.worker.Process(context.Background(), delivery("m1", 6, b))
	assert.Equal(t, contracts.DeadLetter, out.Disposition)
	assert.Equal(t, ReasonMaxReceive, out.Reason)

	rec := f.record(t, "down-1")
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Equal(t, ReasonMaxReceive, rec.FailureReason)
	assert.Equal(t, 5, rec.AttemptCount)
}

func TestHandle_MaxReceiveWithoutRecordCreatesFailed(t *testing.T) {
	f := newFixture(t)
	b := body(t, "never-seen", "payment", `{"amount": 1, "currency": "USD"}`)

	assert.Equal(t, contracts.DeadLetter, f.worker.Handle(context.Background(), delivery("m1", 6, b)))
	rec := f.record(t, "never-seen")
	assert.Equal(t, contracts.StatusFailed, rec.Status)
	assert.Equal(t, ReasonMaxReceive, rec.FailureReason)
}

func TestHandle_PoisonMessage(t *testing.T) {
	f := newFixture(t)
	for name, raw := range map[string]string{
		"not json":    "{{{",
		"missing key": `{"subject":"user-42","kind":"payment","payload":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			out := f.worker.Process(context.Background(), delivery("m1", 1, []byte(raw)))
			assert.Equal(t, contracts.DeadLetter, out.Disposition)
			assert.Contains(t, out.Reason, "invalid transaction request")
		})
	}
}

func TestHandle_ExpiredLeaseIsClaimed(t *testing.T) {
	f := newFixture(t)
	b := body(t, "lost", "payment", `{"amount": 5, "currency": "USD"}`)
	req, err := contracts.DecodeRequest(b)
	require.NoError(t, err)

	// A previous delivery created the record and then died.
	_, _, err = f.store.CreateIfAbsent(context.Background(), contracts.NewPendingRecord(req, t0, time.Minute))
	require.NoError(t, err)

	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m2", 1, b)),
		"live lease belongs to someone else")
	assert.Equal(t, contracts.StatusPending, f.record(t, "lost").Status)

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, contracts.Ack, f.worker.Handle(context.Background(), delivery("m3", 1, b)))
	rec := f.record(t, "lost")
	assert.Equal(t, contracts.StatusProcessed, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
}

type brokenStore struct{ store.Store }

func (brokenStore) CreateIfAbsent(context.Context, *contracts.TransactionRecord) (*contracts.TransactionRecord, bool, error) {
	return nil, false, store.ErrUnavailable
}

func TestHandle_StoreUnavailableRetries(t *testing.T) {
	f := newFixture(t)
	w := New(brokenStore{f.store}, f.registry, Config{Now: f.clock.Now})
	b := body(t, "k", "payment", `{"amount": 5, "currency": "USD"}`)
	assert.Equal(t, contracts.Retry, w.Handle(context.Background(), delivery("m1", 1, b)))
}

type slowStore struct{ store.Store }

func (slowStore) CreateIfAbsent(ctx context.Context, _ *contracts.TransactionRecord) (*contracts.TransactionRecord, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestHandle_StoreTimeoutRetries(t *testing.T) {
	f := newFixture(t)
	w := New(slowStore{f.store}, f.registry, Config{StoreTimeout: 10 * time.Millisecond, Now: f.clock.Now})
	b := body(t, "k", "payment", `{"amount": 5, "currency": "USD"}`)
	out := w.Process(context.Background(), delivery("m1", 1, b))
	assert.Equal(t, contracts.Retry, out.Disposition)
	assert.Contains(t, out.Reason, "unavailable")
}

// commitFailingStore rejects the first n terminal writes as unavailable.
type commitFailingStore struct {
	store.Store
	failures atomic.Int32
}

func (s *commitFailingStore) CompareAndSet(ctx context.Context, key string, expect contracts.Status, version int64, u store.Update) (*contracts.TransactionRecord, error) {
	if u.Status.Terminal() && s.failures.Add(-1) >= 0 {
		return nil, store.ErrUnavailable
	}
	return s.Store.CompareAndSet(ctx, key, expect, version, u)
}

func TestHandle_CommitTimeoutsThenSuccess(t *testing.T) {
	f := newFixture(t)
	st := &commitFailingStore{Store: f.store}
	st.failures.Store(3)
	w := New(st, f.registry, Config{MaxReceiveCount: 5, LeaseDuration: time.Minute, Now: f.clock.Now})
	b := body(t, "commit-1", "payment", `{"amount": 5, "currency": "USD"}`)

	for i := 1; i <= 3; i++ {
		assert.Equal(t, contracts.Retry, w.Handle(context.Background(), delivery("m1", i, b)), "delivery %d", i)
		rec := f.record(t, "commit-1")
		assert.Equal(t, contracts.StatusPending, rec.Status)
		assert.Equal(t, i, rec.AttemptCount)
		assert.False(t, rec.Leased(f.clock.Now()), "lease is released after a failed commit")
		f.clock.Advance(time.Second)
	}
	assert.Equal(t, contracts.Ack, w.Handle(context.Background(), delivery("m1", 4, b)))

	rec := f.record(t, "commit-1")
	assert.Equal(t, contracts.StatusProcessed, rec.Status)
	assert.Equal(t, 4, rec.AttemptCount)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Permanent, Classify(&kinds.RejectionError{Kind: "payment", Reason: "invalid currency"}))
	assert.Equal(t, Permanent, Classify(errors.Join(kinds.ErrUnknownKind, errors.New("refund"))))
	assert.Equal(t, Transient, Classify(kinds.ErrUnavailable))
	assert.Equal(t, Transient, Classify(context.DeadlineExceeded))
	assert.Equal(t, Transient, Classify(errors.New("anything else")))
	assert.Equal(t, "permanent", Permanent.String())
}
