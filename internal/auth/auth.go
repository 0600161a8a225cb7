// Package auth mints and verifies the HS256 bearer tokens the API accepts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/okian/rewards/internal/domain/apperr"
)

// Role is what a caller may do.
type Role string

const (
	// RoleAdmin may do anything.
	RoleAdmin Role = "admin"
	// RoleScoring delivers completion events.
	RoleScoring Role = "scoring"
	// RoleSettlement requests claim authorizations.
	RoleSettlement Role = "settlement"
	// RoleUser acts on its own account only.
	RoleUser Role = "user"
)

const minSecretLen = 16

// ParseRole accepts a known role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleScoring, RoleSettlement, RoleUser:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is the verified caller.
type Identity struct {
	Subject string
	Role    Role
}

// Has reports whether the identity holds one of roles. Admin holds all.
func (id Identity) Has(roles ...Role) bool {
	if id.Role == RoleAdmin {
		return true
	}
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// Owns reports whether the identity may act on userID's account.
func (id Identity) Owns(userID string) bool {
	return id.Role == RoleAdmin || (id.Role == RoleUser && id.Subject == userID)
}

type claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Manager signs and checks tokens with a shared secret.
type Manager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewManager returns a manager. Secrets shorter than 16 bytes are rejected.
func NewManager(secret, issuer string, now func() time.Time) (*Manager, error) {
	if len(secret) < minSecretLen {
		return nil, apperr.Newf(apperr.KindMisconfiguration, "auth.NewManager", "jwt secret must be at least %d bytes", minSecretLen)
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{secret: []byte(secret), issuer: issuer, now: now}, nil
}

// Mint issues a token for id valid for ttl.
func (m *Manager) Mint(id Identity, ttl time.Duration) (string, error) {
	const op = "auth.Mint"
	if id.Subject == "" {
		return "", apperr.New(apperr.KindInvalidArgument, op, "subject is required")
	}
	if _, err := ParseRole(string(id.Role)); err != nil {
		return "", apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	now := m.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: id.Role,
	})
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnknown, op, err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the identity.
func (m *Manager) Verify(token string) (Identity, error) {
	const op = "auth.Verify"
	var c claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return Identity{}, apperr.Wrapf(apperr.KindUnauthorized, op, err, "%s", msg)
	}
	role, err := ParseRole(string(c.Role))
	if err != nil || c.Subject == "" {
		return Identity{}, apperr.New(apperr.KindUnauthorized, op, "token lacks subject or role")
	}
	return Identity{Subject: c.Subject, Role: role}, nil
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
