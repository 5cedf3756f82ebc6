// Package auth authenticates portal requests with bearer tokens, either
// against the upstream auth API or against locally configured users.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned by validators for missing, invalid or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// User is an authenticated portal user.
type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Validator resolves a bearer token to a user.
type Validator interface {
	Validate(ctx context.Context, token string) (*User, error)
}

type contextKey int

const principalKey contextKey = 0

type principal struct {
	user  *User
	token string
}

// WithUser stores the user and the token it was resolved from in ctx.
func WithUser(ctx context.Context, user *User, token string) context.Context {
	return context.WithValue(ctx, principalKey, principal{user: user, token: token})
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *User {
	p, _ := ctx.Value(principalKey).(principal)
	return p.user
}

// TokenFromContext returns the bearer token of the authenticated request.
func TokenFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey).(principal)
	return p.token
}

// ExtractBearerToken pulls the token from the Authorization header.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
