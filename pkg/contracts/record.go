package contracts

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
// PENDING may be rewritten (attempt bookkeeping) or finalized; terminal states never move.
func (s Status) CanTransition(next Status) bool {
	if s != StatusPending {
		return false
	}
	return next.Valid()
}

// TransactionRecord is the durable outcome of a TransactionRequest, keyed by idempotency key.
type TransactionRecord struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Subject        string          `json:"subject"`
	Issuer         string          `json:"issuer,omitempty"`
	Kind           string          `json:"kind"`
	SchemaVersion  string          `json:"schema_version,omitempty"`
	Status         Status          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	AttemptCount   int             `json:"attempt_count"`

	// LeaseUntil marks a PENDING record as being worked on until the given time.
	LeaseUntil time.Time `json:"lease_until,omitempty"`
	// Version increments on every write and guards compare-and-set.
	Version int64 `json:"version"`
}

// NewPendingRecord builds the first record for a request.
func NewPendingRecord(req *TransactionRequest, now time.Time, lease time.Duration) *TransactionRecord {
	return &TransactionRecord{
		IdempotencyKey: req.IdempotencyKey,
		Subject:        req.Subject,
		Issuer:         req.Issuer,
		Kind:           req.Kind,
		SchemaVersion:  req.SchemaVersion,
		Status:         StatusPending,
		Payload:        req.Payload,
		SubmittedAt:    req.SubmittedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
		AttemptCount:   1,
		LeaseUntil:     now.Add(lease),
		Version:        1,
	}
}

// Leased reports whether another attempt currently holds the record.
func (r *TransactionRecord) Leased(now time.Time) bool {
	return r.Status == StatusPending && now.Before(r.LeaseUntil)
}

// Request rebuilds the TransactionRequest a record was created from.
func (r *TransactionRecord) Request() *TransactionRequest {
	return &TransactionRequest{
		IdempotencyKey: r.IdempotencyKey,
		Subject:        r.Subject,
		Issuer:         r.Issuer,
		Kind:           r.Kind,
		SchemaVersion:  r.SchemaVersion,
		Payload:        r.Payload,
		SubmittedAt:    r.SubmittedAt,
	}
}

// Clone returns a deep copy.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}
