// Package auth verifies bearer tokens and maps them to account IDs.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "counsel"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

// Claims are the registered claims plus the account reference carried in
// the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with a shared key.
type Verifier struct {
	signingKey []byte
	expiry     time.Duration
}

func NewVerifier(signingKey string, expiry time.Duration) *Verifier {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Verifier{signingKey: []byte(signingKey), expiry: expiry}
}

// Verify parses a raw token and returns the account ID from its subject.
func (v *Verifier) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Issuer != issuer {
		return "", fmt.Errorf("%w: invalid issuer", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// VerifyRequest extracts and verifies the bearer token from an HTTP request.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	raw, err := ExtractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}
	return v.Verify(raw)
}

// Issue mints a token for the account, used by provisioning tooling and
// tests.
func (v *Verifier) Issue(accountID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.signingKey)
}

// ExtractBearerToken pulls the raw token out of an Authorization header.
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
	}
	return parts[1], nil
}
