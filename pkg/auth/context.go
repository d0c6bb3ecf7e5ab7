package auth

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/txgate/pkg/identity"
)

type contextKey string

const (
	identityKey contextKey = "identity"
)

// WithIdentity attaches an authenticated Identity to the context.
func WithIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom retrieves the Identity from the context.
func IdentityFrom(ctx context.Context) (*identity.Identity, error) {
	id, ok := ctx.Value(identityKey).(*identity.Identity)
	if !ok || id == nil {
		return nil, errors.New("no identity in context")
	}
	return id, nil
}
