package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

func TestNewAdapter(t *testing.T) {
	adapter := NewAdapter("test-secret")
	if adapter == nil {
		t.Fatal("expected non-nil adapter")
	}
	if string(adapter.jwtSecret) != "test-secret" {
		t.Error("expected jwt secret to be set")
	}
}

func TestGenerateToken(t *testing.T) {
	adapter := NewAdapter("secret")

	token, err := adapter.GenerateToken(domain.NewTokenClaims("ops", time.Hour))
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	// JWT has three dot separated parts
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3 token parts, got %d", len(parts))
	}
}

func TestParseToken_ValidToken(t *testing.T) {
	adapter := NewAdapter("secret")
	claims := domain.NewTokenClaims("ops", time.Hour)

	token, err := adapter.GenerateToken(claims)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	parsed, err := adapter.ParseToken(token)
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if parsed.Subject != "ops" {
		t.Errorf("expected subject ops, got %s", parsed.Subject)
	}
	if parsed.IssuedAt != claims.IssuedAt {
		t.Errorf("expected issued at %d, got %d", claims.IssuedAt, parsed.IssuedAt)
	}
	if parsed.ExpiresAt != claims.ExpiresAt {
		t.Errorf("expected expires at %d, got %d", claims.ExpiresAt, parsed.ExpiresAt)
	}
}

func TestParseToken_NoExpiry(t *testing.T) {
	adapter := NewAdapter("secret")

	token, err := adapter.GenerateToken(&domain.TokenClaims{Subject: "cli", IssuedAt: time.Now().Unix()})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	parsed, err := adapter.ParseToken(token)
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if parsed.ExpiresAt != 0 {
		t.Errorf("expected no expiry, got %d", parsed.ExpiresAt)
	}
}

func TestParseToken_ExpiredToken(t *testing.T) {
	adapter := NewAdapter("secret")

	token, _ := adapter.GenerateToken(&domain.TokenClaims{
		Subject:   "ops",
		IssuedAt:  time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	})

	_, err := adapter.ParseToken(token)
	if !errors.Is(err, domain.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	token, _ := NewAdapter("secret1").GenerateToken(domain.NewTokenClaims("ops", time.Hour))

	_, err := NewAdapter("secret2").ParseToken(token)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for wrong secret, got %v", err)
	}
}

func TestParseToken_WrongMethod(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "ops"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := NewAdapter("secret").ParseToken(signed); err == nil {
		t.Error("expected error for unsigned token")
	}
}

func TestParseToken_MalformedToken(t *testing.T) {
	adapter := NewAdapter("secret")

	malformed := []string{
		"",
		"not-a-jwt",
		"a.b",
		"a.b.c.d",
	}
	for _, token := range malformed {
		if _, err := adapter.ParseToken(token); err == nil {
			t.Errorf("expected error for malformed token %q", token)
		}
	}
}

func BenchmarkParseToken(b *testing.B) {
	adapter := NewAdapter("secret")
	token, _ := adapter.GenerateToken(domain.NewTokenClaims("ops", time.Hour))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = adapter.ParseToken(token)
	}
}
