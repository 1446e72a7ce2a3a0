package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-key", time.Hour)

	token, err := v.Issue("acct-1")
	require.NoError(t, err)

	accountID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	token, err := NewVerifier("key-a", time.Hour).Issue("acct-1")
	require.NoError(t, err)

	_, err = NewVerifier("key-b", time.Hour).Verify(token)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-key", time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "acct-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	v := NewVerifier("test-key", time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "acct-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	v := NewVerifier("test-key", time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestVerifyRequest(t *testing.T) {
	v := NewVerifier("test-key", time.Hour)
	token, err := v.Issue("acct-1")
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/v1/counsel", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	accountID, err := v.VerifyRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
}

func TestExtractBearerToken(t *testing.T) {
	_, err := ExtractBearerToken("")
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	_, err = ExtractBearerToken("Token abc")
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	raw, err := ExtractBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", raw)
}
