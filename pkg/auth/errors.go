package auth

import "fmt"

// ErrorKind classifies why a token was denied.
type ErrorKind string

const (
	KindMissingToken     ErrorKind = "missing_token"
	KindMalformedToken   ErrorKind = "malformed_token"
	KindUnknownKey       ErrorKind = "unknown_key"
	KindKeyUnavailable   ErrorKind = "key_unavailable"
	KindSignatureInvalid ErrorKind = "signature_invalid"
	KindExpired          ErrorKind = "expired"
	KindNotYetValid      ErrorKind = "not_yet_valid"
	KindIssuerMismatch   ErrorKind = "issuer_mismatch"
	KindAudienceMismatch ErrorKind = "audience_mismatch"
)

// AuthError is the only error Authorize returns. Every kind is a denial.
type AuthError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + string(e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// KeyProblem reports a denial caused by our key material rather than the token,
// i.e. a broken rotation or an unreachable key endpoint.
func (e *AuthError) KeyProblem() bool {
	return e.Kind == KindUnknownKey || e.Kind == KindKeyUnavailable
}

// Denial is the message safe to show the caller.
func (e *AuthError) Denial() string {
	switch e.Kind {
	case KindMissingToken:
		return "Missing Authorization header"
	case KindMalformedToken:
		return "Invalid Authorization header format (expected 'Bearer <token>')"
	case KindExpired, KindNotYetValid:
		return "Token is expired or not yet valid"
	default:
		return "Invalid or expired token"
	}
}

func authErr(kind ErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}
