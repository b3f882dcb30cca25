package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndValidate(t *testing.T) {
	m := NewManager(testSecret)

	token, err := m.Issue(42, true)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	claims, err := m.Validate("Bearer " + token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UserID != 42 || !claims.Admin {
		t.Errorf("claims = %+v, want user 42 admin", claims)
	}
	if claims.Subject != "42" || claims.ID == "" {
		t.Errorf("registered claims not populated: %+v", claims.RegisteredClaims)
	}
}

func TestValidate_Empty(t *testing.T) {
	m := NewManager(testSecret)
	for _, raw := range []string{"", "Bearer ", "   "} {
		if _, err := m.Validate(raw); !errors.Is(err, ErrNoToken) {
			t.Errorf("Validate(%q) = %v, want ErrNoToken", raw, err)
		}
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, _ := NewManager("another-secret-another-secret-xx").Issue(1, false)
	if _, err := NewManager(testSecret).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	m := NewManager(testSecret).WithTTL(time.Minute)
	start := time.Now()
	m.now = func() time.Time { return start }
	token, _ := m.Issue(1, false)

	m.now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := m.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidate_RejectsUnsignedAndMissingUser(t *testing.T) {
	m := NewManager(testSecret)

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:           1,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := m.Validate(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("alg none: expected ErrInvalidToken, got %v", err)
	}

	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	if _, err := m.Validate(noUser); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing user: expected ErrInvalidToken, got %v", err)
	}

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 1}).SignedString([]byte(testSecret))
	if _, err := m.Validate(noExpiry); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing expiry: expected ErrInvalidToken, got %v", err)
	}
}

func TestIssue_RejectsInvalidUser(t *testing.T) {
	if _, err := NewManager(testSecret).Issue(0, false); err == nil {
		t.Fatal("expected error for user 0")
	}
}
