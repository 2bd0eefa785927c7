package mcpserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/config"
)

func signJWT(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{})
	assert.False(t, a.Enabled())
	assert.NoError(t, a.Authenticate(""))

	a = NewAuthenticator(config.AuthConfig{StaticKey: "k", Disabled: true})
	assert.False(t, a.Enabled())
	assert.NoError(t, a.Authenticate("Bearer wrong"))
}

func TestAuthenticatorStaticKey(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{StaticKey: "sekrit"})
	require.True(t, a.Enabled())

	assert.NoError(t, a.Authenticate("Bearer sekrit"))

	err := a.Authenticate("Bearer wrong")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	err = a.Authenticate("")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	// Scheme must be Bearer.
	err = a.Authenticate("Basic sekrit")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestAuthenticatorJWT(t *testing.T) {
	const secret = "jwt-secret"
	a := NewAuthenticator(config.AuthConfig{JWTSecret: secret})

	good := signJWT(t, secret, jwt.MapClaims{"sub": "client", "exp": time.Now().Add(time.Hour).Unix()})
	assert.NoError(t, a.Authenticate("Bearer "+good))

	badSig := signJWT(t, "other-secret", jwt.MapClaims{"sub": "client"})
	err := a.Authenticate("Bearer " + badSig)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	expired := signJWT(t, secret, jwt.MapClaims{"sub": "client", "exp": time.Now().Add(-time.Hour).Unix()})
	err = a.Authenticate("Bearer " + expired)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestAuthenticatorJWTScopes(t *testing.T) {
	const secret = "jwt-secret"
	a := NewAuthenticator(config.AuthConfig{
		JWTSecret:      secret,
		RequiredScopes: []string{"research", "reports"},
	})

	full := signJWT(t, secret, jwt.MapClaims{"scope": "research reports extra"})
	assert.NoError(t, a.Authenticate("Bearer "+full))

	partial := signJWT(t, secret, jwt.MapClaims{"scope": "research"})
	err := a.Authenticate("Bearer " + partial)
	require.Error(t, err)
	// Valid credentials lacking scope are forbidden, not unauthorized.
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	none := signJWT(t, secret, jwt.MapClaims{"sub": "x"})
	err = a.Authenticate("Bearer " + none)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestAuthenticatorStaticKeyOrJWT(t *testing.T) {
	const secret = "jwt-secret"
	a := NewAuthenticator(config.AuthConfig{StaticKey: "sekrit", JWTSecret: secret})

	// Either credential form is accepted.
	assert.NoError(t, a.Authenticate("Bearer sekrit"))
	good := signJWT(t, secret, jwt.MapClaims{"sub": "client"})
	assert.NoError(t, a.Authenticate("Bearer "+good))
}
