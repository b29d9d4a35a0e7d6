package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSVerifier validates tokens against a remote JSON Web Key Set. keyfunc
// refreshes the key set in the background, so upstream key rotation needs
// no restart.
type JWKSVerifier struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSVerifier fetches the key set from jwksURL and keeps it refreshed.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks verifier requires a key set URL")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSVerifier{issuer: issuer, jwks: jwks}, nil
}

// Name returns the verifier name.
func (j *JWKSVerifier) Name() string { return "jwks" }

// Verify parses the token, resolving its signing key from the key set.
// Expiration is required; the issuer is pinned when configured.
func (j *JWKSVerifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.Parse(tokenStr, j.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, errors.New("token carries no subject")
	}

	username := sub
	switch {
	case claimStr(claims, "username") != "":
		username = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	return &Claims{
		UserID:   sub,
		Username: username,
		Raw:      map[string]any(claims),
	}, nil
}
