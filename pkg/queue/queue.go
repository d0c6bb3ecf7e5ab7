// Package queue provides the durable at-least-once queue between the gate and
// the worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

var (
	// ErrUnavailable means the broker could not be reached. Callers treat it as transient.
	ErrUnavailable = errors.New("queue: unavailable")
	// ErrNotInFlight means the message is not currently leased to a consumer.
	ErrNotInFlight = errors.New("queue: message not in flight")
)

// Queue is the delivery contract the pipeline relies on. Messages are delivered
// at least once; a received message stays invisible for the visibility timeout
// and reappears unless it is acked or dead-lettered first.
type Queue interface {
	// Enqueue durably stores body and returns its message id.
	Enqueue(ctx context.Context, body []byte) (string, error)
	// Receive leases up to max visible messages for visibility. It does not block
	// when the queue is empty.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]contracts.DeliveryEnvelope, error)
	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, messageID string) error
	// ExtendVisibility makes a delivered message invisible for d from now.
	ExtendVisibility(ctx context.Context, messageID string, d time.Duration) error
	// DeadLetter moves a delivered message to the dead-letter list.
	DeadLetter(ctx context.Context, messageID, reason string) error
}

// DeadMessage is a message parked in a dead-letter list.
type DeadMessage struct {
	MessageID    string    `json:"message_id"`
	Body         []byte    `json:"body"`
	ReceiveCount int       `json:"receive_count"`
	Reason       string    `json:"reason"`
	DeadAt       time.Time `json:"dead_at"`
}

// ReasonMaxReceive is recorded when the broker itself redrives a message.
const ReasonMaxReceive = "broker max receive count exceeded"
