package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestJWTAuthenticator(t *testing.T) {
	ctx := context.Background()
	valid, err := IssueToken(secret, "user-1", time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "user-1", -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", "user-1", time.Minute)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	strict := NewJWTAuthenticator(secret, false)
	lenient := NewJWTAuthenticator(secret, true)

	id, err := strict.Authenticate(ctx, "room", valid)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)

	rejected := map[string]string{
		"empty":     "",
		"expired":   expired,
		"signature": foreign,
		"none alg":  noneAlg,
		"garbage":   "not.a.token",
	}
	for name, token := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := strict.Authenticate(ctx, "room", token)
			assert.True(t, errors.Is(err, syncerr.ErrAuthRejected))
		})
	}

	id, err = lenient.Authenticate(ctx, "room", "")
	require.NoError(t, err)
	assert.True(t, id.Anonymous)

	_, err = lenient.Authenticate(ctx, "room", foreign)
	assert.True(t, errors.Is(err, syncerr.ErrAuthRejected), "invalid tokens are rejected even when anonymous access is allowed")
}

func TestAllowAll(t *testing.T) {
	id, err := NewAllowAll().Authenticate(context.Background(), "room", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)
}
