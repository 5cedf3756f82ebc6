// Package backend defines the contract between the chat handlers and the
// conversation providers that produce answers.
package backend

import (
	"context"
	"errors"

	"solar_portal/auth"
	"solar_portal/chatstream"
)

// Turn is one user question routed to a provider.
type Turn struct {
	Question  string
	SessionID string
	SystemID  string
	User      *auth.User
	Token     string
}

// Owner is the username sessions opened for this turn belong to.
func (t Turn) Owner() string {
	if t.User == nil {
		return ""
	}
	return t.User.Username
}

// ErrTokenRejected marks a failure caused by an upstream API refusing the
// caller's own bearer token. Handlers answer it with 401; a provider's own
// credentials being refused is a server fault and is not wrapped with it.
var ErrTokenRejected = errors.New("token rejected")

// Emit delivers one frame to the client. An error means the client is gone
// and the provider should stop.
type Emit func(chatstream.Frame) error

// Backend answers chat turns.
type Backend interface {
	// Name identifies the provider in logs and /health.
	Name() string

	// Stream answers turn by emitting frames. The first frame carries the
	// session id, which is turn.SessionID when resuming or a new id otherwise.
	Stream(ctx context.Context, turn Turn, emit Emit) error

	// EndSession releases the provider-side conversation if owner holds it.
	// Unknown ids and ids held by another owner are not an error and are
	// left untouched.
	EndSession(ctx context.Context, sessionID, owner string) error
}

// SessionFrame is the opening frame announcing the session id.
func SessionFrame(id string) chatstream.Frame {
	return chatstream.Frame{Role: chatstream.RoleAssistant, SessionID: id}
}

// Status builds an inline agent status frame.
func Status(content string) chatstream.Frame {
	return chatstream.Frame{Role: chatstream.RoleAgent, Content: content}
}

// ToolStatus builds an inline tool status frame.
func ToolStatus(content, tool string) chatstream.Frame {
	return chatstream.Frame{Role: chatstream.RoleTool, Content: content, Tool: tool}
}
