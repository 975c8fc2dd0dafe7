package observer

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/opsdeck/reprocessor/internal/domain"
)

// ErrInactiveUser indicates the token decoded to a principal that exists
// but is no longer active.
var ErrInactiveUser = errors.New("principal is not active")

// UserLookup resolves a decoded token's subject to a User, so the
// Authenticator can check its active flag (§14.5). Implemented by
// internal/store.Store.GetUserByUsername.
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
}

// claims is the JWT payload this package expects: a standard "sub"
// naming the username, nothing else.
type claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates a subscriber's bearer token against the
// configured secret and checks the decoded principal's active flag
// before a websocket session is accepted (§4.7, §14.5). Token issuance
// is out of scope: JWT_SECRET/JWT_EXPIRE_MINUTES are named only as the
// verifier side of an external auth collaborator.
type Authenticator struct {
	secret []byte
	users  UserLookup
}

// NewAuthenticator builds an Authenticator. secret must be non-empty;
// users resolves a token's subject to its active flag.
func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

// Authenticate parses and validates tokenStr, then requires the decoded
// subject to name an active user.
func (a *Authenticator) Authenticate(ctx context.Context, tokenStr string) (*domain.User, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	user, err := a.users.GetUserByUsername(ctx, c.Subject)
	if err != nil {
		return nil, fmt.Errorf("resolving token subject: %w", err)
	}
	if !user.Active {
		return nil, ErrInactiveUser
	}
	return user, nil
}
