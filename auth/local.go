package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// UserConfig is a bootstrap user for local auth mode.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type localUser struct {
	User
	passwordHash string
}

// LocalService authenticates configured users and issues HS256 tokens.
type LocalService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
	users  map[string]*localUser
}

// NewLocalService creates a service for the given users. The user set is
// fixed for the lifetime of the service.
func NewLocalService(secret string, expiry time.Duration, users []UserConfig) (*LocalService, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required for local auth")
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("invalid token expiry %s", expiry)
	}

	svc := &LocalService{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
		users:  make(map[string]*localUser, len(users)),
	}
	for _, u := range users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, fmt.Errorf("user %q: username and password_hash are required", u.Username)
		}
		role := u.Role
		if role == "" {
			role = "viewer"
		}
		svc.users[u.Username] = &localUser{
			User:         User{Username: u.Username, Role: role},
			passwordHash: u.PasswordHash,
		}
	}
	return svc, nil
}

// HashPassword returns a bcrypt hash suitable for UserConfig.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a username/password combination and returns the user if valid.
func (s *LocalService) VerifyPassword(username, password string) (*User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid password: %w", ErrUnauthorized)
	}
	user := u.User
	return &user, nil
}

// ExpirySeconds returns the token expiry duration in whole seconds.
func (s *LocalService) ExpirySeconds() int {
	return int(s.expiry.Seconds())
}

// GenerateToken creates a signed JWT for the given user.
func (s *LocalService) GenerateToken(user *User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.expiry).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate implements Validator.
func (s *LocalService) Validate(_ context.Context, tokenStr string) (*User, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims: %w", ErrUnauthorized)
	}
	username, err := claims.GetSubject()
	if err != nil || username == "" {
		return nil, fmt.Errorf("missing sub claim: %w", ErrUnauthorized)
	}

	u, exists := s.users[username]
	if !exists {
		return nil, fmt.Errorf("user %q no longer exists: %w", username, ErrUnauthorized)
	}
	user := u.User
	return &user, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	User      *User  `json:"user"`
}

// LoginHandler exchanges username/password for a token.
func (s *LocalService) LoginHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, err := s.VerifyPassword(req.Username, req.Password)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		token, err := s.GenerateToken(user)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresIn: s.ExpirySeconds(), User: user})
	})
}
