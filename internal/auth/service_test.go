package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/workmarket/backend/internal/models"
)

func TestTokenRoundTrip(t *testing.T) {
	s := NewService("secret", time.Hour)
	id := uuid.New()
	tok, err := s.IssueToken(id, models.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if p.UserID != id || !p.IsAdmin() {
		t.Errorf("principal = %+v", p)
	}
}

func TestRejectedTokens(t *testing.T) {
	s := NewService("secret", time.Hour)
	good, _ := s.IssueToken(uuid.New(), models.RoleUser)

	expired := NewService("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.IssueToken(uuid.New(), models.RoleUser)

	other, _ := NewService("other", time.Hour).IssueToken(uuid.New(), models.RoleUser)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: uuid.NewString()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"garbage":   "not-a-token",
		"truncated": good[:len(good)-4],
		"expired":   old,
		"wrong key": other,
		"alg none":  none,
		"empty":     "",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestMissingRoleDefaultsToUser(t *testing.T) {
	s := NewService("secret", time.Hour)
	tok, _ := s.IssueToken(uuid.New(), "")
	p, err := s.ValidateToken(tok)
	if err != nil {
		t.Fatal(err)
	}
	if p.Role != models.RoleUser {
		t.Errorf("role = %q", p.Role)
	}
}
