package api

import (
	"context"

	"github.com/terra-clan/cert-engine/internal/models"
)

type contextKey string

const identityContextKey contextKey = "identity"

// IdentityFromContext extracts the authenticated caller from context
func IdentityFromContext(ctx context.Context) *models.Identity {
	identity, ok := ctx.Value(identityContextKey).(*models.Identity)
	if !ok {
		return nil
	}
	return identity
}

// ContextWithIdentity adds the authenticated caller to context
func ContextWithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}
