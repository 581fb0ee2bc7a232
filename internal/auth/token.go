// Package auth issues and validates the signed tokens used by patients
// answering surveys and by staff calling administrative endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cards/pkg/domain"
)

// CookieName is the cookie carrying a patient token.
const CookieName = "cards_auth_token"

// Token kinds.
const (
	KindPatient = "patient"
	KindStaff   = "staff"
)

// RoleAdmin grants access to administrative operations.
const RoleAdmin = "admin"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token has expired")
	ErrRevoked      = errors.New("token has been revoked")
)

// Claims are the token claims. Patient tokens name the visit they unlock;
// staff tokens carry roles.
type Claims struct {
	Kind    string   `json:"kind"`
	Patient string   `json:"patient,omitempty"`
	Visit   string   `json:"visit,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// RevocationStore remembers revoked token ids until they would have expired.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenManager signs tokens with HMAC-SHA256.
type TokenManager struct {
	key         []byte
	issuer      string
	revocations RevocationStore
	now         func() time.Time
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithRevocations enables revocation checks.
func WithRevocations(s RevocationStore) Option {
	return func(m *TokenManager) { m.revocations = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager returns a manager signing with key.
func NewTokenManager(key, issuer string, opts ...Option) (*TokenManager, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("token signing key must be at least 16 bytes")
	}
	m := &TokenManager{key: []byte(key), issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// EndOfDay returns the last instant of t's day in t's location.
func EndOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 23, 59, 59, 0, t.Location())
}

// VisitTokenExpiry is the end of the visit day extended by the clinic's
// token lifetime in days, when the clinic sets one.
func VisitTokenExpiry(visit time.Time, clinic domain.NodeState) time.Time {
	expires := EndOfDay(visit)
	if days, ok := clinic.Property(domain.PropTokenLifetime); ok {
		if n, ok := days.Long(); ok && n > 0 {
			expires = expires.AddDate(0, 0, int(n))
		}
	}
	return expires
}

// IssuePatient mints a token granting access to one visit until expires.
func (m *TokenManager) IssuePatient(patient, visit string, expires time.Time) (string, *Claims, error) {
	if visit == "" {
		return "", nil, fmt.Errorf("patient token requires a visit")
	}
	return m.sign(&Claims{Kind: KindPatient, Patient: patient, Visit: visit}, patient, expires)
}

// IssueStaff mints a staff token valid for ttl.
func (m *TokenManager) IssueStaff(user string, roles []string, ttl time.Duration) (string, *Claims, error) {
	return m.sign(&Claims{Kind: KindStaff, Roles: slices.Clone(roles)}, user, m.now().Add(ttl))
}

func (m *TokenManager) sign(c *Claims, subject string, expires time.Time) (string, *Claims, error) {
	now := m.now()
	if !expires.After(now) {
		return "", nil, fmt.Errorf("token would already be expired at %s", expires.Format(time.RFC3339))
	}
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, c, nil
}

// Validate parses and verifies a token, consulting the revocation store when
// one is configured.
func (m *TokenManager) Validate(ctx context.Context, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return m.key, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if m.revocations != nil {
		revoked, err := m.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}

// Revoke invalidates a token for the rest of its lifetime.
func (m *TokenManager) Revoke(ctx context.Context, c *Claims) error {
	if m.revocations == nil {
		return fmt.Errorf("token revocation is not configured")
	}
	ttl := time.Minute
	if c.ExpiresAt != nil {
		if left := c.ExpiresAt.Sub(m.now()); left > 0 {
			ttl = left
		}
	}
	return m.revocations.Revoke(ctx, c.ID, ttl)
}
