package contracts

// DeliveryEnvelope is one delivery of a queued message. It is owned by the queue;
// consumers only read it and report a Disposition.
type DeliveryEnvelope struct {
	MessageID    string `json:"message_id"`
	ReceiveCount int    `json:"receive_count"`
	Body         []byte `json:"body"`
}

// Disposition is the consumer's verdict on a delivery.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Retry leaves the message for redelivery.
	Retry
	// DeadLetter moves the message to the dead-letter sink.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}
