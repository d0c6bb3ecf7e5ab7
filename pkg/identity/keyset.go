package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxLocalKeys bounds how many retired keys stay published after rotation.
const maxLocalKeys = 4

// LocalKeySet holds RS256 private keys in memory and publishes their public
// halves as a JWKS. It backs development tokens and tests; production keys
// come from the identity provider's JWKS endpoint.
type LocalKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]*rsa.PrivateKey
	order      []string
}

// NewLocalKeySet creates a key set with one freshly generated key.
func NewLocalKeySet() (*LocalKeySet, error) {
	ks := &LocalKeySet{keys: make(map[string]*rsa.PrivateKey)}
	if _, err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate generates a new current key; older keys remain published until evicted.
func (ks *LocalKeySet) Rotate() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	kid := fmt.Sprintf("key-%d", time.Now().UnixNano())
	ks.Add(kid, key)
	return kid, nil
}

// Add installs key under kid and makes it current.
func (ks *LocalKeySet) Add(kid string, key *rsa.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.keys[kid]; !exists {
		ks.order = append(ks.order, kid)
	}
	ks.keys[kid] = key
	ks.currentKID = kid
	for len(ks.order) > maxLocalKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
}

// Retire stops publishing kid.
func (ks *LocalKeySet) Retire(kid string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.keys, kid)
	for i, k := range ks.order {
		if k == kid {
			ks.order = append(ks.order[:i], ks.order[i+1:]...)
			break
		}
	}
	if ks.currentKID == kid {
		ks.currentKID = ""
		if n := len(ks.order); n > 0 {
			ks.currentKID = ks.order[n-1]
		}
	}
}

// CurrentKID returns the kid new tokens are signed with.
func (ks *LocalKeySet) CurrentKID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

// Sign creates an RS256 token with the current key.
func (ks *LocalKeySet) Sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// JWKS renders the published public keys.
func (ks *LocalKeySet) JWKS() ([]byte, error) {
	ks.mu.RLock()
	keys := make([]SigningKey, 0, len(ks.order))
	for _, kid := range ks.order {
		keys = append(keys, SigningKey{KeyID: kid, Algorithm: "RS256", PublicKey: &ks.keys[kid].PublicKey})
	}
	ks.mu.RUnlock()
	return MarshalJWKS(keys...)
}

// Source exposes the published keys as a KeySource.
func (ks *LocalKeySet) Source() KeySource {
	return KeySourceFunc(func(ctx context.Context) ([]byte, error) {
		return ks.JWKS()
	})
}

// MarshalCurrentPEM encodes the current private key as PKCS#8 PEM with a kid header.
func (ks *LocalKeySet) MarshalCurrentPEM() ([]byte, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("no active key")
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:    "PRIVATE KEY",
		Headers: map[string]string{"kid": kid},
		Bytes:   der,
	}), nil
}

// LoadLocalKeySetPEM restores a key set from MarshalCurrentPEM output.
func LoadLocalKeySetPEM(data []byte) (*LocalKeySet, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("no PRIVATE KEY block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	kid := block.Headers["kid"]
	if kid == "" {
		return nil, fmt.Errorf("PEM block has no kid header")
	}
	ks := &LocalKeySet{keys: make(map[string]*rsa.PrivateKey)}
	ks.Add(kid, key)
	return ks, nil
}
