package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims are the claims carried by a Supabase access token
type sessionClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator resolves the current user from an HS256 access token
type JWTAuthenticator struct {
	secret []byte

	mu    sync.RWMutex
	token string
}

// NewJWTAuthenticator creates an authenticator; token may be empty until sign-in
func NewJWTAuthenticator(secret, token string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), token: token}
}

// SetToken replaces the session token after sign-in or refresh
func (a *JWTAuthenticator) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Token returns the current session token
func (a *JWTAuthenticator) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// CurrentUser validates the session token and returns its subject
func (a *JWTAuthenticator) CurrentUser(ctx context.Context) (*model.UserContext, error) {
	tokenStr := a.Token()
	if tokenStr == "" {
		return nil, errors.Unauthenticated("no session token", nil)
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Unauthenticated("invalid session token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.Unauthenticated("session token has no subject", nil)
	}

	user := &model.UserContext{ID: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		user.ExpiresAt = claims.ExpiresAt.Time
	}
	return user, nil
}
