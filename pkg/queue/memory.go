package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// MemoryOptions configures a MemoryQueue.
type MemoryOptions struct {
	// MaxReceive redrives a message to the dead-letter list once it has been
	// received more than this many times. Zero disables broker-side redrive.
	MaxReceive int
	Now        func() time.Time
}

type memMessage struct {
	id        string
	body      []byte
	receives  int
	visibleAt time.Time
	delivered bool
}

// MemoryQueue is an in-process Queue for tests and single-binary deployments.
type MemoryQueue struct {
	mu    sync.Mutex
	opts  MemoryOptions
	order []string
	msgs  map[string]*memMessage
	dead  []DeadMessage
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(opts MemoryOptions) *MemoryQueue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryQueue{opts: opts, msgs: make(map[string]*memMessage)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.msgs[id] = &memMessage{id: id, body: append([]byte(nil), body...), visibleAt: q.opts.Now()}
	q.order = append(q.order, id)
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]contracts.DeliveryEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	var out []contracts.DeliveryEnvelope
	kept := q.order[:0]
	for _, id := range q.order {
		m, ok := q.msgs[id]
		if !ok {
			continue
		}
		if len(out) >= max || now.Before(m.visibleAt) {
			kept = append(kept, id)
			continue
		}
		m.receives++
		if q.opts.MaxReceive > 0 && m.receives > q.opts.MaxReceive {
			q.dead = append(q.dead, DeadMessage{
				MessageID: id, Body: m.body, ReceiveCount: m.receives,
				Reason: ReasonMaxReceive, DeadAt: now,
			})
			delete(q.msgs, id)
			continue
		}
		m.visibleAt = now.Add(visibility)
		m.delivered = true
		kept = append(kept, id)
		out = append(out, contracts.DeliveryEnvelope{
			MessageID:    id,
			ReceiveCount: m.receives,
			Body:         append([]byte(nil), m.body...),
		})
	}
	q.order = kept
	return out, nil
}

// inFlight returns the message if it has been delivered and not settled.
func (q *MemoryQueue) inFlight(id string) (*memMessage, error) {
	m, ok := q.msgs[id]
	if !ok || !m.delivered {
		return nil, ErrNotInFlight
	}
	return m, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.inFlight(messageID); err != nil {
		return err
	}
	q.remove(messageID)
	return nil
}

func (q *MemoryQueue) ExtendVisibility(ctx context.Context, messageID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.inFlight(messageID)
	if err != nil {
		return err
	}
	m.visibleAt = q.opts.Now().Add(d)
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, messageID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.inFlight(messageID)
	if err != nil {
		return err
	}
	q.dead = append(q.dead, DeadMessage{
		MessageID: m.id, Body: m.body, ReceiveCount: m.receives,
		Reason: reason, DeadAt: q.opts.Now(),
	})
	q.remove(messageID)
	return nil
}

func (q *MemoryQueue) remove(id string) {
	delete(q.msgs, id)
	for i, o := range q.order {
		if o == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Len returns the number of messages not yet acked or dead-lettered.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *MemoryQueue) DeadLetters() []DeadMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadMessage(nil), q.dead...)
}
