package identity

import (
	"crypto"
	"strings"
	"time"
)

// SigningKey is a public key used to verify token signatures.
// Keys are immutable once fetched; a rotation supersedes them with a new KeySet.
type SigningKey struct {
	KeyID     string
	Algorithm string // JWS alg, e.g. RS256, ES256, EdDSA
	PublicKey crypto.PublicKey
	NotBefore time.Time // zero means unbounded
	NotAfter  time.Time // zero means unbounded
}

// ValidAt reports whether the key's own validity window contains t.
func (k SigningKey) ValidAt(t time.Time) bool {
	if !k.NotBefore.IsZero() && t.Before(k.NotBefore) {
		return false
	}
	if !k.NotAfter.IsZero() && !t.Before(k.NotAfter) {
		return false
	}
	return true
}

// KeySet is an immutable snapshot of the signing keys fetched from a source.
type KeySet struct {
	Keys      map[string]SigningKey
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the snapshot may be used without a refresh.
func (ks *KeySet) Fresh(now time.Time) bool {
	return now.Before(ks.FetchedAt.Add(ks.TTL))
}

// Usable returns the key for kid if present and inside its own validity window.
// Staleness of the set does not affect the result.
func (ks *KeySet) Usable(kid string, now time.Time) (SigningKey, bool) {
	k, ok := ks.Keys[kid]
	if !ok || !k.ValidAt(now) {
		return SigningKey{}, false
	}
	return k, true
}

// Identity is the authenticated caller derived from a verified token.
type Identity struct {
	Subject   string         `json:"subject"`
	Issuer    string         `json:"issuer"`
	Audience  string         `json:"audience"`
	Claims    map[string]any `json:"claims,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Scopes returns the OAuth scopes carried by the token ("scope" string or "scp"/"scopes" lists).
func (id *Identity) Scopes() []string {
	if s, ok := id.Claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	for _, name := range []string{"scp", "scopes"} {
		if out := stringList(id.Claims[name]); len(out) > 0 {
			return out
		}
	}
	return nil
}

// HasScope reports whether scope was granted.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// Roles returns the "roles" claim.
func (id *Identity) Roles() []string {
	return stringList(id.Claims["roles"])
}

// HasRole reports whether role was granted.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(vv)
	}
	return nil
}
