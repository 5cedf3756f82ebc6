package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solar_portal/backend"
	"solar_portal/chatstream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = 64 << 10
)

// Client to server message types. An empty type is a chat question.
const (
	wsTypeChat   = "chat"
	wsTypeCancel = "cancel"
)

// Server to client event types.
const (
	wsEventFrame     = "frame"
	wsEventDone      = "done"
	wsEventCancelled = "cancelled"
	wsEventError     = "error"
)

type wsRequest struct {
	Type string `json:"type"`
	chatRequest
}

type wsEvent struct {
	Type      string            `json:"type"`
	Frame     *chatstream.Frame `json:"frame,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func newUpgrader(allowed []string) websocket.Upgrader {
	u := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(allowed) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
				return true
			}
			o, err := url.Parse(origin)
			return err == nil && strings.EqualFold(o.Host, r.Host)
		}
	}
	return u
}

// wsSender serializes writes; gorilla connections allow one writer at a time.
type wsSender struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (s *wsSender) send(v wsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.c.WriteJSON(v)
}

func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// activeTurn tracks the in-flight turn of one connection. It is only touched
// by the connection's read loop.
type activeTurn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *activeTurn) start(parent context.Context, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	go func() {
		defer close(done)
		defer cancel()
		fn(ctx)
	}()
}

// stop cancels the running turn and waits for it to return.
func (t *activeTurn) stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil
}

// socket handles GET /api/chat/ws. Each question supersedes the turn in
// flight; {"type":"cancel"} stops it.
func (h *chatHandler) socket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &wsSender{c: conn}
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go func() {
		defer pingWG.Done()
		keepAlive(ctx, ws)
	}()
	defer func() {
		cancel()
		pingWG.Wait()
	}()

	var turn activeTurn
	defer turn.stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg wsRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.send(wsEvent{Type: wsEventError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case wsTypeCancel:
			turn.stop()
		case "", wsTypeChat:
			t, err := msg.turn(ctx)
			if err != nil {
				ws.send(wsEvent{Type: wsEventError, Error: err.Error()})
				continue
			}
			turn.stop()
			turn.start(ctx, func(ctx context.Context) { h.runSocketTurn(ctx, ws, t) })
		default:
			ws.send(wsEvent{Type: wsEventError, Error: "unknown message type " + msg.Type})
		}
	}
}

func keepAlive(ctx context.Context, ws *wsSender) {
	t := time.NewTicker(wsPingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}

func (h *chatHandler) runSocketTurn(ctx context.Context, ws *wsSender, turn backend.Turn) {
	ctx, tr := h.startTrace(ctx, "ws", turn)
	sessionID := turn.SessionID
	err := h.backend.Stream(ctx, turn, func(f chatstream.Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.SessionID != "" {
			sessionID = f.SessionID
		}
		tr.Frame(f.SessionID)
		return ws.send(wsEvent{Type: wsEventFrame, Frame: &f})
	})
	tr.Finish(err, ctx.Err() != nil)

	switch {
	case err == nil:
		ws.send(wsEvent{Type: wsEventDone, SessionID: sessionID})
	case ctx.Err() != nil:
		ws.send(wsEvent{Type: wsEventCancelled, SessionID: sessionID})
	default:
		h.log.Warn("websocket turn failed", zap.String("provider", h.backend.Name()), zap.Error(err))
		ws.send(wsEvent{Type: wsEventError, SessionID: sessionID, Error: err.Error()})
	}
}
