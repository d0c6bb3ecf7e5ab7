// Package store persists transaction records. The conditional writes here are
// the only serialization point between workers handling the same idempotency key.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

var (
	// ErrNotFound means no record exists for the key.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict means a compare-and-set lost: status or version moved on.
	ErrConflict = errors.New("store: conflicting update")
	// ErrInvalidTransition means the requested status change is never allowed.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrUnavailable wraps driver and timeout failures. Callers treat it as transient.
	ErrUnavailable = errors.New("store: unavailable")
)

// Update is the mutable part of a record written by CompareAndSet.
type Update struct {
	Status        contracts.Status
	Result        json.RawMessage
	FailureReason string
	AttemptCount  int
	LeaseUntil    time.Time
	UpdatedAt     time.Time
}

// Store is the access contract for transaction records.
type Store interface {
	// CreateIfAbsent inserts rec unless a record with the same key exists. It
	// returns the stored record and whether this call created it.
	CreateIfAbsent(ctx context.Context, rec *contracts.TransactionRecord) (*contracts.TransactionRecord, bool, error)
	// CompareAndSet applies u only if the record is still in status expect at
	// version. On success the stored record, with its version bumped, is returned.
	CompareAndSet(ctx context.Context, key string, expect contracts.Status, version int64, u Update) (*contracts.TransactionRecord, error)
	Get(ctx context.Context, key string) (*contracts.TransactionRecord, error)
	// ListBySubject returns a subject's records, newest first.
	ListBySubject(ctx context.Context, subject string, limit int) ([]*contracts.TransactionRecord, error)
}

// PendingScanner finds PENDING records whose lease lapsed before a cutoff.
type PendingScanner interface {
	ListStalePending(ctx context.Context, leaseBefore time.Time, limit int) ([]*contracts.TransactionRecord, error)
}

func checkTransition(expect contracts.Status, u Update) error {
	if !expect.CanTransition(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expect, u.Status)
	}
	return nil
}

func applyUpdate(rec *contracts.TransactionRecord, u Update) {
	rec.Status = u.Status
	rec.Result = append(json.RawMessage(nil), u.Result...)
	if len(u.Result) == 0 {
		rec.Result = nil
	}
	rec.FailureReason = u.FailureReason
	rec.AttemptCount = u.AttemptCount
	rec.LeaseUntil = u.LeaseUntil
	rec.UpdatedAt = u.UpdatedAt
	rec.Version++
}
