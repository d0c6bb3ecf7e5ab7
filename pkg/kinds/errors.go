package kinds

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks an effect failure caused by a dependency that may recover.
// Wrap it to make the worker retry.
var ErrUnavailable = errors.New("kinds: dependency unavailable")

// ErrUnknownKind is returned when no kind is registered under a name.
var ErrUnknownKind = errors.New("kinds: unknown kind")

// RejectionError is a business-rule rejection. It is permanent: the same request
// will be rejected again on every delivery.
type RejectionError struct {
	Kind   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Kind, e.Reason)
}

func reject(kind, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a payload that does not match the kind's schema.
type ValidationError struct {
	// Field is the dotted path of the offending member, "" for the payload itself.
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Detail
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Detail)
}
