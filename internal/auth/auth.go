// Package auth issues and verifies the identities the services act on behalf
// of. Two providers exist: local email/password accounts with JWTs, and
// Firebase ID tokens for clients signed in through Firebase.
package auth

import (
	"context"

	"itinder-backend/internal/errs"
)

// Verifier turns a bearer token into a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type ctxKey struct{}

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user id carried by ctx.
func UserID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", errs.E("current user", errs.ErrUnauthenticated, nil)
	}
	return id, nil
}
