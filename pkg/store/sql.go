package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// Dialect selects placeholder syntax for a SQL backend.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		idempotency_key TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		issuer TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		schema_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		result TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		submitted_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		attempt_count INTEGER NOT NULL,
		lease_until BIGINT NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_subject_idx ON transactions (subject, created_at)`,
	`CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (status, lease_until)`,
}

const recordColumns = `idempotency_key, subject, issuer, kind, schema_version, status, payload, result,
	failure_reason, submitted_at, created_at, updated_at, attempt_count, lease_until, version`

// SQLStore implements Store and PendingScanner over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db and runs migrations.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("failed to migrate %s store: %w", s.dialect, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("store %s: %w: %w", op, ErrUnavailable, err)
}

func (s *SQLStore) CreateIfAbsent(ctx context.Context, rec *contracts.TransactionRecord) (*contracts.TransactionRecord, bool, error) {
	query := s.rebind(`INSERT INTO transactions (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		rec.IdempotencyKey, rec.Subject, rec.Issuer, rec.Kind, rec.SchemaVersion, string(rec.Status),
		string(rec.Payload), nullJSON(rec.Result), rec.FailureReason,
		nanos(rec.SubmittedAt), nanos(rec.CreatedAt), nanos(rec.UpdatedAt),
		rec.AttemptCount, nanos(rec.LeaseUntil), rec.Version,
	)
	if err != nil {
		return nil, false, unavailable("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, unavailable("create", err)
	}
	if n == 1 {
		return rec.Clone(), true, nil
	}
	existing, err := s.Get(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLStore) CompareAndSet(ctx context.Context, key string, expect contracts.Status, version int64, u Update) (*contracts.TransactionRecord, error) {
	if err := checkTransition(expect, u); err != nil {
		return nil, err
	}
	query := s.rebind(`UPDATE transactions
		SET status = ?, result = ?, failure_reason = ?, attempt_count = ?, lease_until = ?, updated_at = ?, version = version + 1
		WHERE idempotency_key = ? AND status = ? AND version = ?
		RETURNING ` + recordColumns)

	row := s.db.QueryRowContext(ctx, query,
		string(u.Status), nullJSON(u.Result), u.FailureReason, u.AttemptCount, nanos(u.LeaseUntil), nanos(u.UpdatedAt),
		key, string(expect), version,
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("compare-and-set", err)
	}
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}
	return nil, ErrConflict
}

func (s *SQLStore) Get(ctx context.Context, key string) (*contracts.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+recordColumns+` FROM transactions WHERE idempotency_key = ?`), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec, nil
}

func (s *SQLStore) ListBySubject(ctx context.Context, subject string, limit int) ([]*contracts.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, "list by subject",
		`SELECT `+recordColumns+` FROM transactions WHERE subject = ? ORDER BY created_at DESC, idempotency_key LIMIT ?`,
		subject, limit)
}

func (s *SQLStore) ListStalePending(ctx context.Context, leaseBefore time.Time, limit int) ([]*contracts.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, "list stale pending",
		`SELECT `+recordColumns+` FROM transactions WHERE status = ? AND lease_until < ? ORDER BY lease_until LIMIT ?`,
		string(contracts.StatusPending), nanos(leaseBefore), limit)
}

func (s *SQLStore) list(ctx context.Context, op, query string, args ...any) ([]*contracts.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*contracts.TransactionRecord, error) {
	var (
		rec                                    contracts.TransactionRecord
		status, payload                        string
		result                                 sql.NullString
		submitted, created, updated, leaseTill int64
	)
	err := row.Scan(
		&rec.IdempotencyKey, &rec.Subject, &rec.Issuer, &rec.Kind, &rec.SchemaVersion, &status, &payload, &result,
		&rec.FailureReason, &submitted, &created, &updated, &rec.AttemptCount, &leaseTill, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = contracts.Status(status)
	rec.Payload = []byte(payload)
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	rec.SubmittedAt = fromNanos(submitted)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	rec.LeaseUntil = fromNanos(leaseTill)
	return &rec, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
