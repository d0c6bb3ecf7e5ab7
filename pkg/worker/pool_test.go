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
	"github.com/Mindburn-Labs/txgate/pkg/deadletter"
	"github.com/Mindburn-Labs/txgate/pkg/queue"
	"github.com/Mindburn-Labs/txgate/pkg/store"
)

type recordingSink struct {
	mu      sync.Mutex
	letters []deadletter.Letter
}

func (s *recordingSink) Archive(_ context.Context, l deadletter.Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, l)
	return nil
}

func TestPool_ProcessesQueue(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemoryQueue(queue.MemoryOptions{})
	sink := &recordingSink{}
	pool := NewPool(q, f.worker, PoolConfig{
		Concurrency:  3,
		Visibility:   time.Second,
		PollInterval: 5 * time.Millisecond,
		Sink:         sink,
	})

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, body(t, key, "payment", `{"amount": 3, "currency": "USD"}`))
		require.NoError(t, err)
	}
	// The same request submitted twice.
	_, err := q.Enqueue(ctx, body(t, "a", "payment", `{"amount": 3, "currency": "USD"}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("garbage"))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, key := range []string{"a", "b", "c"} {
		assert.Equal(t, contracts.StatusProcessed, f.record(t, key).Status, key)
	}
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("garbage"), dead[0].Body)
	require.Len(t, sink.letters, 1)
	assert.Equal(t, dead[0].MessageID, sink.letters[0].MessageID)
}

func TestPool_RetryDelaysRedelivery(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.registerEffect(t, "flaky", func(context.Context, *contracts.TransactionRequest) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("blip")
		}
		return json.RawMessage(`{}`), nil
	})
	q := queue.NewMemoryQueue(queue.MemoryOptions{Now: f.clock.Now})
	pool := NewPool(q, f.worker, PoolConfig{Visibility: time.Minute, RetryBase: 10 * time.Second, Now: f.clock.Now})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, body(t, "r", "flaky", `{}`))
	require.NoError(t, err)

	n, err := pool.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Hidden for the backoff, not the full visibility timeout.
	n, _ = pool.Poll(ctx)
	assert.Zero(t, n)
	f.clock.Advance(11 * time.Second)
	n, _ = pool.Poll(ctx)
	assert.Equal(t, 1, n)

	assert.Equal(t, 0, q.Len())
	rec := f.record(t, "r")
	assert.Equal(t, contracts.StatusProcessed, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestPool_Backoff(t *testing.T) {
	p := NewPool(queue.NewMemoryQueue(queue.MemoryOptions{}), nil, PoolConfig{RetryBase: time.Second, RetryMax: 10 * time.Second})
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(5))
	assert.Equal(t, 10*time.Second, p.Backoff(60))
}

type countingQueue struct {
	queue.Queue
	extends atomic.Int32
}

func (q *countingQueue) ExtendVisibility(ctx context.Context, id string, d time.Duration) error {
	q.extends.Add(1)
	return q.Queue.ExtendVisibility(ctx, id, d)
}

func TestPool_HeartbeatExtendsVisibility(t *testing.T) {
	f := newFixture(t)
	f.registerEffect(t, "slow", func(ctx context.Context, _ *contracts.TransactionRequest) (json.RawMessage, error) {
		time.Sleep(120 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	})
	q := &countingQueue{Queue: queue.NewMemoryQueue(queue.MemoryOptions{})}
	pool := NewPool(q, f.worker, PoolConfig{Visibility: 40 * time.Millisecond})

	ctx := context.Background()
	_, err := q.Enqueue(ctx, body(t, "hb", "slow", `{}`))
	require.NoError(t, err)
	n, err := pool.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.GreaterOrEqual(t, q.extends.Load(), int32(2))
	assert.Equal(t, contracts.StatusProcessed, f.record(t, "hb").Status)
}

func TestSweeper_RedrivesStalePending(t *testing.T) {
	f := newFixture(t)
	q := queue.NewMemoryQueue(queue.MemoryOptions{Now: f.clock.Now})
	sw := NewSweeper(f.store, q, SweeperConfig{StaleAfter: 10 * time.Minute, Now: f.clock.Now})
	ctx := context.Background()

	b := body(t, "orphan", "payment", `{"amount": 7, "currency": "USD"}`)
	req, err := contracts.DecodeRequest(b)
	require.NoError(t, err)
	_, _, err = f.store.CreateIfAbsent(ctx, contracts.NewPendingRecord(req, t0, time.Minute))
	require.NoError(t, err)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease has not been lapsed long enough")

	f.clock.Advance(15 * time.Minute)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "touched records wait another StaleAfter")

	envs, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, contracts.Ack, f.worker.Handle(ctx, envs[0]))
	assert.Equal(t, contracts.StatusProcessed, f.record(t, "orphan").Status)
}

type failingScanner struct{ *store.MemoryStore }

func (failingScanner) ListStalePending(context.Context, time.Time, int) ([]*contracts.TransactionRecord, error) {
	return nil, store.ErrUnavailable
}

func TestSweeper_ScanError(t *testing.T) {
	sw := NewSweeper(failingScanner{store.NewMemoryStore()}, queue.NewMemoryQueue(queue.MemoryOptions{}), SweeperConfig{})
	_, err := sw.SweepOnce(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

type hangingEnqueuer struct{}

func (hangingEnqueuer) Enqueue(ctx context.Context, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSweeper_CallsAreBounded(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.store, hangingEnqueuer{}, SweeperConfig{
		StaleAfter:  time.Minute,
		CallTimeout: 20 * time.Millisecond,
		Now:         f.clock.Now,
	})
	ctx := context.Background()

	b := body(t, "stuck", "payment", `{"amount": 3, "currency": "USD"}`)
	req, err := contracts.DecodeRequest(b)
	require.NoError(t, err)
	_, _, err = f.store.CreateIfAbsent(ctx, contracts.NewPendingRecord(req, t0, 0))
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	start := time.Now()
	n, err := sw.SweepOnce(ctx)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
