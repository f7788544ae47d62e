package validationd

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/golang-jwt/jwt/v5"
)

// validateBearerToken checks the static operator token used by trusted
// internal callers (the consensus driver itself) that never need a
// session.
func (a *App) validateBearerToken(r *http.Request) bool {
	if a.AdminToken == "" {
		return false
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ") == a.AdminToken
	}
	return false
}

// validateOperatorSession checks a JWT issued by IssueOperatorToken,
// carried in the same Authorization header (as a JWT rather than the
// static token). The signing method is pinned to HS256 so a token signed
// with "none" or an asymmetric algorithm is never accepted, and an empty
// JWTSecret (unconfigured deployment) always fails closed.
func (a *App) validateOperatorSession(r *http.Request) bool {
	if len(a.JWTSecret) == 0 {
		return false
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	raw := strings.TrimPrefix(authHeader, "Bearer ")

	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) { return a.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && tok.Valid
}

// IssueOperatorToken mints a short-lived session token for a human
// operator allowed to mark ledgers dead out-of-band (e.g. from an
// incident-response tool), grounded on the teacher's admin session flow.
func (a *App) IssueOperatorToken(operatorID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": operatorID,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.JWTSecret)
}

// requireWriteAuth guards mutating endpoints: either the static operator
// token or a valid operator session JWT is accepted.
func (a *App) requireWriteAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.validateBearerToken(r) || a.validateOperatorSession(r) {
			next(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	}
}
