package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

var (
	ErrEmailTaken         = errors.New("email address is already in use by another account")
	ErrInvalidCredentials = errors.New("password is invalid or the user does not have a password")
	ErrInvalidToken       = errors.New("token is invalid or has expired")
)

// Local keeps password hashes at credentials/{emailKey} and hands out HS256
// tokens whose subject is the user id.
type Local struct {
	tree    store.Tree
	secret  []byte
	expiry  time.Duration
	revoker Revoker
	log     *logrus.Entry
	now     func() time.Time
}

func NewLocal(tree store.Tree, secret string, expiry time.Duration, revoker Revoker, log *logrus.Entry) *Local {
	return &Local{
		tree:    tree,
		secret:  []byte(secret),
		expiry:  expiry,
		revoker: revoker,
		log:     log,
		now:     time.Now,
	}
}

// Session is returned on register and login.
type Session struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Register creates the account and an empty profile.
func (l *Local) Register(ctx context.Context, email, password, name string) (*Session, error) {
	const op = "register"

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	uid := uuid.NewString()

	var taken bool
	err = l.tree.Transact(ctx, store.Join("credentials", emailKey(email)), func(current any) (any, error) {
		if current != nil {
			taken = true
			return nil, store.ErrAbortTransaction
		}
		taken = false
		return models.Credentials{UID: uid, PasswordHash: string(hash)}, nil
	})
	if err != nil {
		return nil, errs.Store(op, err)
	}
	if taken {
		return nil, errs.E(op, errs.ErrInvalid, ErrEmailTaken)
	}

	user := models.User{Identifier: uid, Email: strings.TrimSpace(email), Name: name}
	if err := l.tree.Set(ctx, store.Join("users", uid), user); err != nil {
		// Release the address so the registration can be retried.
		if derr := l.tree.Delete(context.WithoutCancel(ctx), store.Join("credentials", emailKey(email))); derr != nil {
			l.log.WithError(derr).WithField("user_id", uid).Error("Failed to release credentials")
		}
		return nil, errs.Store(op, err)
	}

	l.log.WithField("user_id", uid).Info("Registered user")
	return l.issue(uid)
}

func (l *Local) Login(ctx context.Context, email, password string) (*Session, error) {
	const op = "login"

	v, err := l.tree.Get(ctx, store.Join("credentials", emailKey(email)))
	if err != nil {
		return nil, errs.Store(op, err)
	}
	if v == nil {
		return nil, errs.E(op, errs.ErrUnauthenticated, ErrInvalidCredentials)
	}
	var creds models.Credentials
	if err := models.Decode(op, v, &creds); err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) != nil {
		return nil, errs.E(op, errs.ErrUnauthenticated, ErrInvalidCredentials)
	}
	return l.issue(creds.UID)
}

// Logout revokes the token until it would have expired anyway.
func (l *Local) Logout(ctx context.Context, token string) error {
	claims, err := l.parse(token)
	if err != nil {
		return err
	}
	ttl := claims.ExpiresAt.Time.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	return l.revoker.Revoke(ctx, claims.ID, ttl)
}

func (l *Local) Verify(ctx context.Context, token string) (string, error) {
	claims, err := l.parse(token)
	if err != nil {
		return "", err
	}
	revoked, err := l.revoker.Revoked(ctx, claims.ID)
	if err != nil {
		return "", errs.Store("verify token", err)
	}
	if revoked {
		return "", errs.E("verify token", errs.ErrUnauthenticated, ErrInvalidToken)
	}
	return claims.Subject, nil
}

func (l *Local) issue(uid string) (*Session, error) {
	now := l.now()
	expiresAt := now.Add(l.expiry)
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Session{UserID: uid, Token: signed, ExpiresAt: expiresAt}, nil
}

func (l *Local) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return l.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(l.now))
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, errs.E("verify token", errs.ErrUnauthenticated, ErrInvalidToken)
	}
	return claims, nil
}

// emailKey maps an address to a valid tree key.
func emailKey(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(strings.TrimSpace(email))))
}
