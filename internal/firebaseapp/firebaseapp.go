// Package firebaseapp initializes the Firebase admin SDK shared by the
// realtime database store, ID token verification and FCM.
package firebaseapp

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"itinder-backend/internal/config"
)

func New(ctx context.Context, cfg *config.Config) (*firebase.App, error) {
	fbCfg := &firebase.Config{
		ProjectID:   cfg.FirebaseProjectID,
		DatabaseURL: cfg.FirebaseDatabaseURL,
	}

	var opts []option.ClientOption
	if cfg.FirebaseCredentialsPath != "" {
		if _, err := os.Stat(cfg.FirebaseCredentialsPath); err == nil {
			opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialsPath))
		}
	}
	// Without a key file the SDK falls back to application default credentials.

	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase: %w", err)
	}
	return app, nil
}
