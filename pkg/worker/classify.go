package worker

import (
	"errors"

	"github.com/Mindburn-Labs/txgate/pkg/kinds"
)

// Class says whether retrying a failed effect can help.
type Class int

const (
	// Transient failures are retried: timeouts, unavailable dependencies and
	// anything not recognised. Redelivery is bounded by the max receive count.
	Transient Class = iota
	// Permanent failures will fail the same way on every attempt.
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Classify maps an effect error to a retry class.
func Classify(err error) Class {
	var rej *kinds.RejectionError
	switch {
	case errors.As(err, &rej):
		return Permanent
	case errors.Is(err, kinds.ErrUnknownKind):
		return Permanent
	default:
		return Transient
	}
}

// failureReason is the text stored on a FAILED record.
func failureReason(err error) string {
	var rej *kinds.RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}
