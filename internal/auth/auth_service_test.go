package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	svc, err := NewAuthService(testSecret, "aicareer", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return svc
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	token, expiresAt, err := svc.GenerateAccessToken("user-1", "admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(expiresAt) > 15*time.Minute {
		t.Fatalf("expiry beyond ttl: %s", expiresAt)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID() != "user-1" || claims.Role != "admin" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := newTestService(t)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := svc.GenerateAccessToken("user-1", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	svc.now = time.Now

	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired got %v", err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewAuthService(strings.Repeat("x", 32), "aicareer", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("new other: %v", err)
	}
	token, _, err := other.GenerateAccessToken("user-1", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid got %v", err)
	}
}

func TestNewRefreshToken(t *testing.T) {
	svc := newTestService(t)

	token, hash, expiresAt, err := svc.NewRefreshToken()
	if err != nil {
		t.Fatalf("new refresh token: %v", err)
	}
	if len(token) != 128 {
		t.Fatalf("expected 128 hex chars got %d", len(token))
	}
	if hash != HashRefreshToken(token) || hash == token {
		t.Fatalf("hash mismatch")
	}
	if d := time.Until(expiresAt); d < 7*24*time.Hour-time.Minute {
		t.Fatalf("unexpected refresh expiry %s", d)
	}

	again, _, _, _ := svc.NewRefreshToken()
	if again == token {
		t.Fatalf("refresh tokens must be random")
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPasswordHash("correct horse battery", hash) {
		t.Fatalf("password should match")
	}
	if CheckPasswordHash("wrong", hash) {
		t.Fatalf("wrong password should not match")
	}
	if CheckPasswordHash("anything", "") {
		t.Fatalf("empty hash must never match")
	}
}
