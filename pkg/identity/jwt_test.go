package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-identity"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTProvider_CurrentPrincipal(t *testing.T) {
	provider := NewJWTProvider(testSecret)

	t.Run("no token means unauthenticated, not an error", func(t *testing.T) {
		principal, err := provider.CurrentPrincipal(context.Background())
		require.NoError(t, err)
		assert.Nil(t, principal)
	})

	t.Run("valid token yields principal", func(t *testing.T) {
		token := signToken(t, testSecret, Claims{
			Email:         "dr.chen@example.org",
			EmailVerified: true,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-42",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		principal, err := provider.CurrentPrincipal(WithToken(context.Background(), token))
		require.NoError(t, err)
		require.NotNil(t, principal)
		assert.Equal(t, "user-42", principal.ID)
		assert.Equal(t, "dr.chen@example.org", principal.Email)
		assert.True(t, principal.EmailVerified)
	})

	t.Run("expired token is an error, never anonymous", func(t *testing.T) {
		token := signToken(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-42",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})

		principal, err := provider.CurrentPrincipal(WithToken(context.Background(), token))
		assert.Error(t, err)
		assert.Nil(t, principal)
	})

	t.Run("token signed with wrong secret is rejected", func(t *testing.T) {
		token := signToken(t, "some-other-secret", Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-42",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		_, err := provider.CurrentPrincipal(WithToken(context.Background(), token))
		assert.Error(t, err)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := provider.CurrentPrincipal(WithToken(context.Background(), "not.a.token"))
		assert.Error(t, err)
	})
}

func TestStaticProvider(t *testing.T) {
	provider := NewStaticProvider()

	principal, err := provider.CurrentPrincipal(context.Background())
	require.NoError(t, err)
	assert.Nil(t, principal)

	var seen *Principal
	provider.OnChange(func(p *Principal) { seen = p })

	provider.SetPrincipal(&Principal{ID: "u1", EmailVerified: true})

	principal, err = provider.CurrentPrincipal(context.Background())
	require.NoError(t, err)
	require.NotNil(t, principal)
	assert.Equal(t, "u1", principal.ID)
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.ID)

	provider.SetPrincipal(nil)
	principal, err = provider.CurrentPrincipal(context.Background())
	require.NoError(t, err)
	assert.Nil(t, principal)
}
