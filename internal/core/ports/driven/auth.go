package driven

import "github.com/custodia-labs/calsynch/internal/core/domain"

// AuthAdapter issues and verifies bearer tokens for the admin API.
type AuthAdapter interface {
	// GenerateToken signs claims into a token string.
	GenerateToken(claims *domain.TokenClaims) (string, error)

	// ParseToken validates a token and returns its claims.
	// Expired tokens return domain.ErrTokenExpired.
	ParseToken(token string) (*domain.TokenClaims, error)
}
