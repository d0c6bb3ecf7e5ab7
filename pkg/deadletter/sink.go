// Package deadletter archives messages the pipeline gave up on so operators can
// inspect and replay them.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Letter is one archived message. Request holds the body when it is valid JSON;
// Body always holds the raw bytes.
type Letter struct {
	MessageID      string          `json:"message_id"`
	ReceiveCount   int             `json:"receive_count"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	DeadAt         time.Time       `json:"dead_at"`
	Request        json.RawMessage `json:"request,omitempty"`
	Body           []byte          `json:"body"`
}

// NewLetter builds a letter from a raw message body.
func NewLetter(messageID string, receiveCount int, reason string, body []byte, at time.Time) Letter {
	l := Letter{
		MessageID:    messageID,
		ReceiveCount: receiveCount,
		Reason:       reason,
		DeadAt:       at.UTC(),
		Body:         append([]byte(nil), body...),
	}
	if json.Valid(body) {
		l.Request = append(json.RawMessage(nil), body...)
		var hdr struct {
			IdempotencyKey string `json:"idempotency_key"`
			Kind           string `json:"kind"`
			Subject        string `json:"subject"`
		}
		if json.Unmarshal(body, &hdr) == nil {
			l.IdempotencyKey, l.Kind, l.Subject = hdr.IdempotencyKey, hdr.Kind, hdr.Subject
		}
	}
	return l
}

// ObjectKey is the archive path of a letter: <prefix>YYYY/MM/DD/<message_id>.json.
func (l Letter) ObjectKey(prefix string) string {
	return fmt.Sprintf("%s%s/%s.json", prefix, l.DeadAt.Format("2006/01/02"), l.MessageID)
}

// Sink archives letters.
type Sink interface {
	Archive(ctx context.Context, l Letter) error
}

// Multi archives to every sink and joins their errors.
type Multi []Sink

func (m Multi) Archive(ctx context.Context, l Letter) error {
	var errs []error
	for _, s := range m {
		if err := s.Archive(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink records letters as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Archive(ctx context.Context, l Letter) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "message dead-lettered",
		"message_id", l.MessageID,
		"receive_count", l.ReceiveCount,
		"reason", l.Reason,
		"idempotency_key", l.IdempotencyKey,
		"kind", l.Kind,
	)
	return nil
}

// FileSink writes one JSON file per letter under Dir.
type FileSink struct {
	Dir string
}

func (s FileSink) Archive(ctx context.Context, l Letter) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("deadletter: encode: %w", err)
	}
	path := filepath.Join(s.Dir, filepath.FromSlash(l.ObjectKey("")))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("deadletter: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("deadletter: write %s: %w", path, err)
	}
	return nil
}
