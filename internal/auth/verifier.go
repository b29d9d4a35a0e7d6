package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/threadline-ai/threadline/internal/config"
)

// Claims is the identity material a Verifier extracts from a valid token.
// Raw carries every claim so the gate can inspect them after verification.
type Claims struct {
	UserID   string
	Username string
	Raw      map[string]any
}

// Verifier checks a token's signature and registered claims. Structural
// bounds and claim policy around the token are the Gate's job.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
	Name() string
}

// NewVerifier builds the verifier named by the auth config section.
func NewVerifier(cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Verifier {
	case "", "hmac":
		return NewHMACVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	case "jwks":
		return NewJWKSVerifier(cfg.JWKSURL, cfg.JWTIssuer)
	default:
		return nil, fmt.Errorf("unknown auth verifier %q (want hmac or jwks)", cfg.Verifier)
	}
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
