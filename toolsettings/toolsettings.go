// Package toolsettings is a client for the tool-settings whitelist API that
// decides which chat tools each user may run.
package toolsettings

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"solar_portal/apiclient"
)

// Path is the tool-settings collection route.
const Path = "/api/tool-settings"

// APIError is a non-2xx response from the tool-settings API.
type APIError = apiclient.Error

// Setting whitelists one tool name or pattern ("*" or "prefix*").
type Setting struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Client calls the tool-settings API on behalf of a user.
type Client struct {
	api *apiclient.Client
}

// New returns a client for the API at baseURL.
func New(baseURL string) *Client {
	return &Client{api: apiclient.New(baseURL, 15*time.Second)}
}

// List returns the caller's settings.
func (c *Client) List(ctx context.Context, token string) ([]Setting, error) {
	var out []Setting
	if err := c.api.DoJSON(ctx, http.MethodGet, Path, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert creates or replaces the setting named s.Name.
func (c *Client) Upsert(ctx context.Context, token string, s Setting) (*Setting, error) {
	var out Setting
	if err := c.api.DoJSON(ctx, http.MethodPut, settingPath(s.Name), token, s, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the setting named name.
func (c *Client) Delete(ctx context.Context, token, name string) error {
	return c.api.DoJSON(ctx, http.MethodDelete, settingPath(name), token, nil, nil)
}

// Patterns returns the names of the enabled settings.
func (c *Client) Patterns(ctx context.Context, token string) ([]string, error) {
	settings, err := c.List(ctx, token)
	if err != nil {
		return nil, err
	}
	patterns := make([]string, 0, len(settings))
	for _, s := range settings {
		if s.Enabled {
			patterns = append(patterns, s.Name)
		}
	}
	return patterns, nil
}

func settingPath(name string) string {
	return Path + "/" + url.PathEscape(name)
}

// Allowed reports whether name matches any pattern. "*" matches everything
// and a trailing "*" matches by prefix.
func Allowed(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if pattern == name {
			return true
		}
	}
	return false
}
