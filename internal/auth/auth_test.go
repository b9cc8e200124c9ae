package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := auth.NewVerifier("secret", "docpipe")

	token, err := v.Issue("user-1", "user@example.com", time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.ID)
	assert.Equal(t, "user@example.com", p.Email)
}

func TestVerifier_Rejects(t *testing.T) {
	v := auth.NewVerifier("secret", "docpipe")

	t.Run("empty", func(t *testing.T) {
		_, err := v.Verify("")
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := auth.NewVerifier("other", "docpipe").Issue("user-1", "", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Issue("user-1", "", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := auth.NewVerifier("secret", "someone-else").Issue("user-1", "", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
	})

	t.Run("no subject", func(t *testing.T) {
		claims := jwt.RegisteredClaims{Issuer: "docpipe", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
	})
}

func TestPrincipalContext(t *testing.T) {
	_, ok := auth.FromContext(context.Background())
	assert.False(t, ok)

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{ID: "u1"})
	p, ok := auth.FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", p.ID)

	ctx = auth.WithPrincipal(context.Background(), auth.Principal{})
	_, ok = auth.FromContext(ctx)
	assert.False(t, ok)
}

func TestCredentials_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, auth.Credentials{AccessToken: "t"}.Expired(now))
	assert.True(t, auth.Credentials{AccessToken: "t", Expiry: now.Add(-time.Second)}.Expired(now))
}
