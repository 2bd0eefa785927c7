package mcpserver

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/config"
)

// Authenticator validates bearer credentials for the HTTP and WebSocket
// transports. Stdio runs unauthenticated by definition: the caller already
// owns the process.
type Authenticator struct {
	cfg config.AuthConfig
}

// NewAuthenticator builds an authenticator from config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Enabled reports whether transports must demand credentials.
func (a *Authenticator) Enabled() bool {
	return !a.cfg.Disabled && (a.cfg.StaticKey != "" || a.cfg.JWTSecret != "")
}

// Authenticate checks an Authorization header value. It accepts the static
// key or a valid HS256 JWT carrying every required scope. The error kind
// separates missing/bad credentials (unauthorized) from insufficient scope
// (forbidden), which transports map onto 401/403 and close codes 4401/4403.
func (a *Authenticator) Authenticate(authorization string) error {
	if !a.Enabled() {
		return nil
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return apperr.E(apperr.KindUnauthorized, "missing bearer token")
	}

	if a.cfg.StaticKey != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.StaticKey)) == 1 {
		return nil
	}
	if a.cfg.JWTSecret != "" {
		return a.verifyJWT(token)
	}
	return apperr.E(apperr.KindUnauthorized, "invalid token")
}

func (a *Authenticator) verifyJWT(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return apperr.Wrap(apperr.KindUnauthorized, "invalid token", err)
	}

	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return apperr.E(apperr.KindForbidden, "token carries no scopes")
	}
	granted := map[string]bool{}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			granted[s] = true
		}
	}
	for _, required := range a.cfg.RequiredScopes {
		if !granted[required] {
			return apperr.Ef(apperr.KindForbidden, "missing scope %s", required)
		}
	}
	return nil
}
