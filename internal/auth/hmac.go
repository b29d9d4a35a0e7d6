package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

// NewHMACVerifier creates an HMACVerifier. issuer is optional; when set,
// tokens must carry a matching iss claim.
func NewHMACVerifier(secret []byte, issuer string) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac verifier requires a secret")
	}
	return &HMACVerifier{secret: secret, issuer: issuer}, nil
}

// Name returns the verifier name.
func (h *HMACVerifier) Name() string { return "hmac" }

// Verify parses the token and returns its claims. Only HMAC signing methods
// are accepted; tokens without an expiry are rejected. The user id comes
// from the uid claim, falling back to sub.
func (h *HMACVerifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	uid := claimStr(claims, "uid")
	if uid == "" {
		uid = claimStr(claims, "sub")
	}
	if uid == "" {
		return nil, errors.New("token carries no user id")
	}

	return &Claims{
		UserID:   uid,
		Username: claimStr(claims, "usr"),
		Raw:      map[string]any(claims),
	}, nil
}
