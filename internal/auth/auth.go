// Package auth authenticates callers of the HTTP API.
//
// Authentication model:
//   - Identity is issued elsewhere as an HS256 JWT carrying user_id and admin
//   - Every /v1 route requires a valid token
//   - Admin routes additionally require the admin claim
package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	issuer = "marketledger"

	// DefaultTTL is the lifetime of tokens minted by Issue.
	DefaultTTL = time.Hour
)

// Claims is the caller identity carried by a token.
type Claims struct {
	UserID int64 `json:"user_id"`
	Admin  bool  `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and validates tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a manager for the given HMAC secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), ttl: DefaultTTL, now: time.Now}
}

// WithTTL overrides the lifetime of issued tokens.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// Issue mints a token for userID. It is used by operator tooling and tests;
// production tokens come from the identity service sharing the secret.
func (m *Manager) Issue(userID int64, admin bool) (string, error) {
	if userID <= 0 {
		return "", ErrInvalidToken
	}
	now := m.now()
	claims := Claims{
		UserID: userID,
		Admin:  admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate parses a raw token, with or without the "Bearer " prefix.
func (m *Manager) Validate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
