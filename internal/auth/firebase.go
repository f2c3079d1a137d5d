package auth

import (
	"context"

	fbauth "firebase.google.com/go/v4/auth"

	"itinder-backend/internal/errs"
)

// FirebaseVerifier accepts ID tokens minted by Firebase Authentication.
type FirebaseVerifier struct {
	client *fbauth.Client
}

func NewFirebaseVerifier(client *fbauth.Client) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	t, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		// The SDK's message is shown to the user as is.
		return "", errs.E("verify token", errs.ErrUnauthenticated, err)
	}
	return t.UID, nil
}
