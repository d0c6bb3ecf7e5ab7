package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// MemoryStore implements Store and PendingScanner in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*contracts.TransactionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*contracts.TransactionRecord)}
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, rec *contracts.TransactionRecord) (*contracts.TransactionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.IdempotencyKey]; ok {
		return existing.Clone(), false, nil
	}
	s.records[rec.IdempotencyKey] = rec.Clone()
	return rec.Clone(), true, nil
}

func (s *MemoryStore) CompareAndSet(ctx context.Context, key string, expect contracts.Status, version int64, u Update) (*contracts.TransactionRecord, error) {
	if err := checkTransition(expect, u); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != expect || rec.Version != version {
		return nil, ErrConflict
	}
	applyUpdate(rec, u)
	return rec.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*contracts.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*contracts.TransactionRecord, error) {
	s.mu.RLock()
	var out []*contracts.TransactionRecord
	for _, rec := range s.records {
		if rec.Subject == subject {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, leaseBefore time.Time, limit int) ([]*contracts.TransactionRecord, error) {
	s.mu.RLock()
	var out []*contracts.TransactionRecord
	for _, rec := range s.records {
		if rec.Status == contracts.StatusPending && rec.LeaseUntil.Before(leaseBefore) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LeaseUntil.Before(out[j].LeaseUntil) })
	return truncate(out, limit), nil
}

func truncate(recs []*contracts.TransactionRecord, limit int) []*contracts.TransactionRecord {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
