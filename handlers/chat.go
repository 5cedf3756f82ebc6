package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solar_portal/auth"
	"solar_portal/backend"
	"solar_portal/chatstream"
	"solar_portal/sse"
	"solar_portal/tracing"
)

// NDJSONContentType is the media type of the chat wire stream.
const NDJSONContentType = "application/x-ndjson"

// eventsKeepAlive is how often /api/chat/events writes a comment while the
// provider is silent, e.g. during a long tool round.
var eventsKeepAlive = 15 * time.Second

type chatHandler struct {
	backend  backend.Backend
	traces   *tracing.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
}

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId,omitempty"`
	SystemID  string `json:"systemId,omitempty"`
}

var errEmptyQuestion = errors.New("question is required")

func (req chatRequest) turn(ctx context.Context) (backend.Turn, error) {
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return backend.Turn{}, errEmptyQuestion
	}
	return backend.Turn{
		Question:  q,
		SessionID: req.SessionID,
		SystemID:  req.SystemID,
		User:      auth.UserFromContext(ctx),
		Token:     auth.TokenFromContext(ctx),
	}, nil
}

func decodeTurn(r *http.Request) (backend.Turn, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return backend.Turn{}, errors.New("invalid request body")
	}
	return req.turn(r.Context())
}

// startTrace records the turn in the trace store, if one is configured.
func (h *chatHandler) startTrace(ctx context.Context, transport string, turn backend.Turn) (context.Context, *tracing.Trace) {
	if h.traces == nil {
		return ctx, nil
	}
	user := ""
	if turn.User != nil {
		user = turn.User.Username
	}
	tr := tracing.New(h.backend.Name(), transport, user)
	h.traces.Put(tr)
	return tracing.WithTrace(ctx, tr), tr
}

// failureStatus maps a provider error raised before any output to a status.
// Only a refusal of the caller's own token is a 401; any other upstream
// failure, including rejected provider credentials, is a 502.
func failureStatus(err error) int {
	if errors.Is(err, backend.ErrTokenRejected) {
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}

// stream handles POST /api/chat: frames are written in the chat wire format
// as the provider produces them.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	turn, err := decodeTurn(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, tr := h.startTrace(r.Context(), "stream", turn)
	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	enc := chatstream.NewEncoder(w)
	started := false
	err = h.backend.Stream(ctx, turn, func(f chatstream.Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		started = true
		tr.Frame(f.SessionID)
		return enc.Encode(f)
	})
	tr.Finish(err, ctx.Err() != nil)

	log := h.log.With(zap.String("provider", h.backend.Name()), zap.String("session_id", turn.SessionID))
	switch {
	case err == nil:
		return
	case ctx.Err() != nil:
		log.Debug("chat stream cancelled by client")
	case !started:
		log.Warn("chat turn failed", zap.Error(err))
		writeJSONError(w, failureStatus(err), err.Error())
	default:
		// Headers are already sent; dropping the connection is the only
		// way left to tell the client the answer is incomplete.
		log.Warn("chat stream failed mid-response", zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

// events handles POST /api/chat/events: the wire stream is decoded here and
// the client receives the full message list after every frame.
//
//	event: messages  data: [Message...]
//	event: done      data: {"sessionId": "..."}
//	event: error     data: {"error": "...", "messages": [Message...]}
func (h *chatHandler) events(w http.ResponseWriter, r *http.Request) {
	turn, err := decodeTurn(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sw := sse.NewWriter(w)
	if sw == nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, tr := h.startTrace(r.Context(), "events", turn)
	stopPing := keepAliveEvents(ctx, sw, h.log)
	defer stopPing()

	dec := chatstream.NewDecoder(chatstream.WithLogger(h.log))
	var buf bytes.Buffer
	enc := chatstream.NewEncoder(&buf)
	err = h.backend.Stream(ctx, turn, func(f chatstream.Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tr.Frame(f.SessionID)
		buf.Reset()
		if err := enc.Encode(f); err != nil {
			return err
		}
		dec.Write(buf.Bytes())
		return sw.SendEvent("messages", dec.Messages())
	})
	tr.Finish(err, ctx.Err() != nil)
	stopPing()

	switch {
	case err == nil:
		dec.Close()
		sw.SendEvent("messages", dec.Messages())
		sw.SendEvent("done", map[string]string{"sessionId": dec.SessionID()})
	case ctx.Err() != nil:
		h.log.Debug("chat events cancelled by client")
	default:
		h.log.Warn("chat events failed", zap.String("provider", h.backend.Name()), zap.Error(err))
		dec.Fail(chatstream.MsgConnectionInterrupted)
		sw.SendEvent("error", map[string]any{"error": err.Error(), "messages": dec.Messages()})
	}
}

// keepAliveEvents writes a comment every eventsKeepAlive until the returned
// stop func is called. stop waits for the pinger to exit and may be called
// more than once.
func keepAliveEvents(ctx context.Context, sw *sse.Writer, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := eventsKeepAlive
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sw.SendComment("keep-alive"); err != nil {
					log.Debug("events keep-alive failed", zap.Error(err))
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// endSession handles DELETE /api/chat/session/{id}. Only the caller's own
// sessions are ended; other ids are ignored.
func (h *chatHandler) endSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner := ""
	if u := auth.UserFromContext(r.Context()); u != nil {
		owner = u.Username
	}
	if err := h.backend.EndSession(r.Context(), id, owner); err != nil {
		h.log.Warn("end session failed", zap.String("session_id", id), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
