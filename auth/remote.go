package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"solar_portal/apiclient"
)

const (
	mePath          = "/auth/me"
	maxCacheEntries = 4096
)

type cachedUser struct {
	user    *User
	expires time.Time
}

// RemoteValidator checks tokens against the upstream auth API's /auth/me.
// Results are cached until the token's exp claim or the cache TTL,
// whichever comes first.
type RemoteValidator struct {
	api *apiclient.Client
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedUser
}

// NewRemoteValidator returns a validator for the auth API at baseURL.
func NewRemoteValidator(baseURL string, ttl time.Duration) *RemoteValidator {
	return &RemoteValidator{
		api:   apiclient.New(baseURL, 10*time.Second),
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedUser),
	}
}

// Validate implements Validator.
func (v *RemoteValidator) Validate(ctx context.Context, token string) (*User, error) {
	now := v.now()

	v.mu.Lock()
	if c, ok := v.cache[token]; ok {
		if now.Before(c.expires) {
			v.mu.Unlock()
			return c.user, nil
		}
		delete(v.cache, token)
	}
	v.mu.Unlock()

	expires := now.Add(v.ttl)
	if exp, ok := tokenExpiry(token); ok {
		if !now.Before(exp) {
			return nil, fmt.Errorf("token expired: %w", ErrUnauthorized)
		}
		if exp.Before(expires) {
			expires = exp
		}
	}

	var user User
	err := v.api.DoJSON(ctx, http.MethodGet, mePath, token, nil, &user)
	if err != nil {
		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return nil, fmt.Errorf("%s: %w", apiErr.Message, ErrUnauthorized)
		}
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if user.Username == "" {
		return nil, fmt.Errorf("auth response has no username: %w", ErrUnauthorized)
	}

	if v.ttl > 0 {
		v.store(token, cachedUser{user: &user, expires: expires}, now)
	}
	return &user, nil
}

func (v *RemoteValidator) store(token string, c cachedUser, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= maxCacheEntries {
		for k, e := range v.cache {
			if !now.Before(e.expires) {
				delete(v.cache, k)
			}
		}
		if len(v.cache) >= maxCacheEntries {
			clear(v.cache)
		}
	}
	v.cache[token] = c
}

// tokenExpiry reads the exp claim without verifying the signature; the
// upstream API remains the authority on validity.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
