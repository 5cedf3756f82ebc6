// Package chatstream decodes the chat response stream: newline-delimited
// assistant frames interleaved with inline agent/tool status objects.
package chatstream

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleTool      Role = "tool"
	RoleError     Role = "error"
)

// IsStatus reports whether messages with this role are transient status lines.
func (r Role) IsStatus() bool {
	return r == RoleAgent || r == RoleTool
}

// User-visible failure texts.
const (
	MsgConnectionInterrupted = "Connection interrupted. Please try again."
	MsgSessionExpired        = "Session expired."
)

// Message is one entry of the rendered conversation. Slice order is display order.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool,omitempty"`
}

// Frame is a single JSON object on the wire.
type Frame struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

// cloneMessages returns a copy safe to hand to renderers.
func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
