// ABOUTME: Tests for JWT token generation and verification
// ABOUTME: Covers round trips, expiry, wrong secrets, and claim scoping

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// signClaims hand-signs a claim set with the test secret, bypassing
// Generate, so malformed claim sets can be exercised.
func signClaims(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestGenerateAndVerify(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	token, err := v.Generate("principal-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	principalID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "principal-1", principalID)
}

func TestVerify_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	token, err := v.Generate("principal-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	signer := NewJWTVerifier([]byte(testSecret))
	verifier := NewJWTVerifier([]byte("another-secret-another-secret-32"))

	token, err := signer.Generate("principal-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	_, err := v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("")
	assert.Error(t, err)
}

func TestVerify_MissingSubClaim(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	token := signClaims(t, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_RejectsForeignIssuer(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	// Correctly signed, but minted by some other service sharing the
	// secret. Must not authenticate here.
	token := signClaims(t, jwt.RegisteredClaims{
		Subject:   "principal-1",
		Issuer:    "some-other-service",
		Audience:  jwt.ClaimStrings{tokenAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsForeignAudience(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	token := signClaims(t, jwt.RegisteredClaims{
		Subject:   "principal-1",
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{"some-other-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RequiresExpiry(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	token := signClaims(t, jwt.RegisteredClaims{
		Subject:  "principal-1",
		Issuer:   tokenIssuer,
		Audience: jwt.ClaimStrings{tokenAudience},
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	v := NewJWTVerifier([]byte(testSecret))

	claims := jwt.RegisteredClaims{
		Subject:   "principal-1",
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err, "alg=none must be rejected")
}
