package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrNoUsableKeys is returned when a key document contains no verification keys.
var ErrNoUsableKeys = errors.New("jwks: no usable signing keys")

// jwksDocument is the RFC 7517 key set container. Members are decoded one by one
// so that a single unsupported key does not poison the whole set.
type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

// keyValidity holds the optional validity window published next to a key.
type keyValidity struct {
	NotBefore int64 `json:"nbf,omitempty"`
	NotAfter  int64 `json:"exp,omitempty"`
}

// ParseJWKS decodes a JSON Web Key Set into signing keys indexed by kid.
func ParseJWKS(data []byte) (map[string]SigningKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]SigningKey, len(doc.Keys))
	for i, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			slog.Warn("jwks: skipping undecodable key", "index", i, "error", err)
			continue
		}
		if jwk.KeyID == "" || !jwk.IsPublic() || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		alg := jwk.Algorithm
		if alg == "" {
			alg = inferAlgorithm(jwk.Key)
		}
		if alg == "" {
			continue
		}

		var validity keyValidity
		_ = json.Unmarshal(raw, &validity)

		k := SigningKey{
			KeyID:     jwk.KeyID,
			Algorithm: alg,
			PublicKey: jwk.Key,
		}
		if validity.NotBefore > 0 {
			k.NotBefore = time.Unix(validity.NotBefore, 0).UTC()
		}
		if validity.NotAfter > 0 {
			k.NotAfter = time.Unix(validity.NotAfter, 0).UTC()
		}
		keys[k.KeyID] = k
	}

	if len(keys) == 0 {
		return nil, ErrNoUsableKeys
	}
	return keys, nil
}

func inferAlgorithm(key any) string {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256"
		case elliptic.P384():
			return "ES384"
		case elliptic.P521():
			return "ES512"
		}
	case ed25519.PublicKey:
		return "EdDSA"
	}
	return ""
}

// MarshalJWKS renders public signing keys as a JSON Web Key Set.
func MarshalJWKS(keys ...SigningKey) ([]byte, error) {
	out := struct {
		Keys []json.RawMessage `json:"keys"`
	}{}
	for _, k := range keys {
		jwk := jose.JSONWebKey{Key: k.PublicKey, KeyID: k.KeyID, Algorithm: k.Algorithm, Use: "sig"}
		base, err := jwk.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("jwks: encode %s: %w", k.KeyID, err)
		}
		if k.NotBefore.IsZero() && k.NotAfter.IsZero() {
			out.Keys = append(out.Keys, base)
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, err
		}
		if !k.NotBefore.IsZero() {
			fields["nbf"] = k.NotBefore.Unix()
		}
		if !k.NotAfter.IsZero() {
			fields["exp"] = k.NotAfter.Unix()
		}
		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out.Keys = append(out.Keys, merged)
	}
	return json.Marshal(out)
}
