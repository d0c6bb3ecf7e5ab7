package gate

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a rejected submission.
type ErrorKind string

const (
	KindUnauthenticated  ErrorKind = "unauthenticated"
	KindForbidden        ErrorKind = "forbidden"
	KindInvalidPayload   ErrorKind = "invalid_payload"
	KindQueueUnavailable ErrorKind = "queue_unavailable"
)

// GateError is returned for every rejected submission.
type GateError struct {
	Kind ErrorKind
	// Field names the offending payload member for InvalidPayload.
	Field  string
	Detail string
	Err    error
}

func (e *GateError) Error() string {
	var b strings.Builder
	b.WriteString("gate: ")
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *GateError) Unwrap() error { return e.Err }
