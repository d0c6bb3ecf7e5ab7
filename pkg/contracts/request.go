package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransactionRequest is the accepted unit of work handed from the gate to the queue.
// It is immutable once enqueued; the queue may deliver it more than once.
type TransactionRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Subject        string          `json:"subject"`
	Issuer         string          `json:"issuer,omitempty"`
	Kind           string          `json:"kind"`
	SchemaVersion  string          `json:"schema_version,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// ErrInvalidRequest marks a request body that can never be processed.
var ErrInvalidRequest = errors.New("invalid transaction request")

// Validate checks the fields every consumer relies on.
func (r *TransactionRequest) Validate() error {
	switch {
	case r.IdempotencyKey == "":
		return fmt.Errorf("%w: missing idempotency_key", ErrInvalidRequest)
	case r.Subject == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidRequest)
	case r.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidRequest)
	case len(r.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrInvalidRequest)
	}
	return nil
}

// Encode serializes the request for the queue.
func (r *TransactionRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses and validates a queued request body.
func DecodeRequest(body []byte) (*TransactionRequest, error) {
	var req TransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
