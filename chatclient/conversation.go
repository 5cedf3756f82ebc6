// Package chatclient drives chat turns against the portal's streaming chat
// endpoint and keeps the resulting conversation.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"solar_portal/apiclient"
	"solar_portal/chatstream"
)

// APIError is a non-2xx response from the chat endpoint.
type APIError = apiclient.Error

// ChatPath is the streaming chat route relative to the base URL.
const ChatPath = "/api/chat"

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId,omitempty"`
	SystemID  string `json:"systemId,omitempty"`
}

// inflight tracks the single active stream of a Conversation.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Conversation is one user's chat history with the portal. It is safe for
// concurrent use; at most one stream is active at a time.
type Conversation struct {
	api          *apiclient.Client
	token        string
	cancelNotice string
	now          func() time.Time
	log          *zap.Logger

	mu        sync.Mutex
	messages  []chatstream.Message
	sessionID string
	active    *inflight
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Conversation) { c.token = token }
}

// WithHTTPClient replaces the default http.Client. Its timeout bounds the
// whole stream, so leave it zero for long answers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Conversation) { c.api.HTTP = hc }
}

// WithSessionID resumes an existing backend conversation.
func WithSessionID(id string) Option {
	return func(c *Conversation) { c.sessionID = id }
}

// WithCancelNotice appends notice as an assistant line when a turn is cancelled.
func WithCancelNotice(notice string) Option {
	return func(c *Conversation) { c.cancelNotice = notice }
}

// WithClock sets the timestamp source for messages.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// WithLogger sets the logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
	return func(c *Conversation) { c.log = l }
}

// New returns an empty conversation against the portal at baseURL.
func New(baseURL string, opts ...Option) *Conversation {
	c := &Conversation{
		api: apiclient.New(baseURL, 0),
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send runs one chat turn. Any stream still in flight is cancelled first and
// waited for. onUpdate, if non-nil, receives a snapshot of the full
// conversation as the answer grows. A cancelled turn returns an error
// satisfying errors.Is(err, context.Canceled) and records no error message.
func (c *Conversation) Send(ctx context.Context, question, systemID string, onUpdate func([]chatstream.Message)) error {
	turnCtx, cancel := context.WithCancel(ctx)
	me := &inflight{cancel: cancel, done: make(chan struct{})}
	defer func() {
		c.mu.Lock()
		if c.active == me {
			c.active = nil
		}
		c.mu.Unlock()
		cancel()
		close(me.done)
	}()

	c.mu.Lock()
	for c.active != nil {
		prev := c.active
		c.mu.Unlock()
		prev.cancel()
		<-prev.done
		c.mu.Lock()
	}
	c.active = me
	c.messages = append(c.messages, chatstream.Message{
		Role:      chatstream.RoleUser,
		Content:   question,
		Timestamp: c.now(),
	})
	base := len(c.messages)
	body := chatRequest{Question: question, SessionID: c.sessionID, SystemID: systemID}
	c.mu.Unlock()

	notify := func(turn []chatstream.Message) {
		c.merge(base, turn)
		if onUpdate != nil {
			onUpdate(c.Messages())
		}
	}
	notify(nil)

	req, err := c.api.NewRequest(turnCtx, http.MethodPost, ChatPath, c.token, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.api.HTTP.Do(req)
	if err != nil {
		if errors.Is(turnCtx.Err(), context.Canceled) {
			c.finishCancelled(notify)
			return turnCtx.Err()
		}
		c.log.Warn("chat request failed", zap.Error(err))
		c.fail(chatstream.MsgConnectionInterrupted, notify)
		return fmt.Errorf("post chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := apiclient.ReadError(resp)
		c.log.Warn("chat request rejected", zap.Int("status", apiErr.Status), zap.String("message", apiErr.Message))
		msg := chatstream.MsgConnectionInterrupted
		if apiErr.Status == http.StatusUnauthorized {
			msg = chatstream.MsgSessionExpired
		}
		c.fail(msg, notify)
		return apiErr
	}

	dec := chatstream.NewDecoder(
		chatstream.WithClock(c.now),
		chatstream.WithCancelNotice(c.cancelNotice),
		chatstream.WithLogger(c.log),
	)
	err = dec.Decode(turnCtx, resp.Body, notify)

	if id := dec.SessionID(); id != "" {
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = id
		}
		c.mu.Unlock()
	}
	return err
}

// finishCancelled records a turn aborted before any response arrived.
func (c *Conversation) finishCancelled(notify func([]chatstream.Message)) {
	var turn []chatstream.Message
	if c.cancelNotice != "" {
		turn = append(turn, chatstream.Message{Role: chatstream.RoleAssistant, Content: c.cancelNotice, Timestamp: c.now()})
	}
	notify(turn)
}

func (c *Conversation) fail(msg string, notify func([]chatstream.Message)) {
	notify([]chatstream.Message{{Role: chatstream.RoleError, Content: msg, Timestamp: c.now()}})
}

// merge replaces the current turn's messages, which start at base.
func (c *Conversation) merge(base int, turn []chatstream.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if base > len(c.messages) {
		return
	}
	c.messages = append(c.messages[:base:base], turn...)
}

// Cancel aborts the in-flight stream, if any. It does not wait for Send to return.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.cancel()
	}
}

// ResetSession forgets the cached session id so the next turn starts a new
// backend conversation. The server-side session is ended best-effort.
func (c *Conversation) ResetSession(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if id == "" {
		return nil
	}
	path := ChatPath + "/session/" + url.PathEscape(id)
	if err := c.api.DoJSON(ctx, http.MethodDelete, path, c.token, nil, nil); err != nil {
		c.log.Warn("end chat session", zap.String("session_id", id), zap.Error(err))
		return err
	}
	return nil
}

// SessionID returns the cached backend session id.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a snapshot of the conversation.
func (c *Conversation) Messages() []chatstream.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chatstream.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
