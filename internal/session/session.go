// Package session issues and resolves signed session tokens. A token
// carries the username; resolving it binds the session to the user's
// account, creating the account on first sight.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kestrel/internal/db"
	"kestrel/internal/models"
)

// Resolver validates session tokens and produces session state.
type Resolver struct {
	secret []byte
	mgr    *db.Manager
}

func NewResolver(secret string, mgr *db.Manager) *Resolver {
	return &Resolver{secret: []byte(secret), mgr: mgr}
}

// Token issues a signed token for username, valid for ttl.
func (r *Resolver) Token(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(r.secret)
}

// Resolve validates a token and returns fresh session state for its user.
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.SessionState, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return r.secret, nil
		})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("session token has no subject")
	}

	userID, err := r.mgr.GetOrCreateUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	return &models.SessionState{
		UserID:   userID,
		Username: claims.Subject,
	}, nil
}
