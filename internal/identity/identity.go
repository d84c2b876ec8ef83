// Package identity resolves bearer credentials presented during the
// WebSocket handshake into authenticated user snapshots. A failed resolution
// terminates the handshake before a connection is ever registered.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/store"
)

// ErrAuthentication covers every credential failure: missing, malformed,
// expired, revoked, or belonging to a deactivated account.
var ErrAuthentication = errors.New("identity: authentication error")

// Provider resolves a bearer credential to a user.
type Provider interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

// JWTProvider verifies HS256-signed JWTs carrying a "user_id" claim and
// resolves the user through the user store.
type JWTProvider struct {
	secret []byte
	users  store.UserStore
}

// NewJWTProvider creates a provider with the given signing secret and user
// store.
func NewJWTProvider(secret string, users store.UserStore) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), users: users}
}

// Resolve verifies the token signature and expiry, then loads the user and
// rejects deactivated accounts. All failures collapse into ErrAuthentication
// so callers never leak which check failed.
func (p *JWTProvider) Resolve(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no token provided", ErrAuthentication)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims", ErrAuthentication)
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrAuthentication)
	}

	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown user", ErrAuthentication)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: account deactivated", ErrAuthentication)
	}
	return user, nil
}
