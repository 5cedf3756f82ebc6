package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar_portal/apiclient"
	"solar_portal/auth"
	"solar_portal/backend"
	"solar_portal/chatclient"
	"solar_portal/chatstream"
	"solar_portal/llm"
	"solar_portal/sse"
	"solar_portal/tracing"
)

type fakeBackend struct {
	mu    sync.Mutex
	turns []backend.Turn
	ended []string
}

func assistant(s string) chatstream.Frame {
	return chatstream.Frame{Role: chatstream.RoleAssistant, Content: s}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Stream(ctx context.Context, turn backend.Turn, emit backend.Emit) error {
	b.mu.Lock()
	b.turns = append(b.turns, turn)
	b.mu.Unlock()

	send := func(frames ...chatstream.Frame) error {
		for _, f := range frames {
			if err := emit(f); err != nil {
				return err
			}
		}
		return nil
	}

	switch turn.Question {
	case "slow":
		if err := send(backend.SessionFrame("slow-1")); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	case "boom":
		return errors.New("model unavailable")
	case "expired":
		return fmt.Errorf("%w: %w", backend.ErrTokenRejected, &apiclient.Error{Status: http.StatusUnauthorized, Message: "token expired"})
	case "bad-credentials":
		return &apiclient.Error{Status: http.StatusUnauthorized, Message: "invalid client credentials"}
	case "pause":
		if err := send(backend.SessionFrame("pause-1")); err != nil {
			return err
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		return send(assistant("Done."))
	case "partial":
		if err := send(backend.SessionFrame("p-1"), assistant("Half an ")); err != nil {
			return err
		}
		return errors.New("upstream reset")
	default:
		return send(
			backend.SessionFrame("s-1"),
			backend.Status("Looking up"),
			assistant("Hello\n"),
			assistant("World"),
		)
	}
}

func (b *fakeBackend) EndSession(_ context.Context, id, owner string) error {
	if id == "broken" {
		return errors.New("provider down")
	}
	b.mu.Lock()
	b.ended = append(b.ended, owner+"/"+id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) lastTurn() backend.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turns[len(b.turns)-1]
}

type tokenValidator map[string]*auth.User

func (v tokenValidator) Validate(_ context.Context, token string) (*auth.User, error) {
	if u, ok := v[token]; ok {
		return u, nil
	}
	return nil, auth.ErrUnauthorized
}

var (
	alice = &auth.User{Username: "alice", Role: "viewer"}
	root  = &auth.User{Username: "root", Role: "admin"}
)

func newTestServer(t *testing.T, b backend.Backend, upstream *Forwarder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Backend:  b,
		Auth:     auth.Middleware(tokenValidator{"good": alice, "admin": root}, nil),
		Upstream: upstream,
		Traces:   tracing.NewStore(10),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func TestChat_StreamsWireFormat(t *testing.T) {
	b := &fakeBackend{}
	srv := newTestServer(t, b, nil)

	resp := post(t, srv.URL+"/api/chat", "good", `{"question":"  How much today? ","sessionId":"s-1","systemId":"sys-9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, NDJSONContentType, resp.Header.Get("Content-Type"))

	dec := chatstream.NewDecoder()
	require.NoError(t, dec.Decode(context.Background(), resp.Body, nil))
	msgs := dec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chatstream.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello\nWorld", msgs[0].Content)
	assert.Equal(t, "s-1", dec.SessionID())

	turn := b.lastTurn()
	assert.Equal(t, "How much today?", turn.Question)
	assert.Equal(t, "s-1", turn.SessionID)
	assert.Equal(t, "sys-9", turn.SystemID)
	assert.Equal(t, alice, turn.User)
	assert.Equal(t, "good", turn.Token)
}

func TestChat_RejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp := post(t, srv.URL+"/api/chat", "good", `{"question":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "question is required", errorBody(t, resp))

	resp = post(t, srv.URL+"/api/chat", "good", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/chat", "", `{"question":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/api/chat", "forged", `{"question":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChat_FailureBeforeOutput(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp := post(t, srv.URL+"/api/chat", "good", `{"question":"boom"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "model unavailable", errorBody(t, resp))

	resp = post(t, srv.URL+"/api/chat", "good", `{"question":"expired"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/api/chat", "good", `{"question":"bad-credentials"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode, "provider credentials are a server fault")
}

func TestChat_RejectedToolSettingsTokenExpiresSession(t *testing.T) {
	llmBackend := llm.New(llm.Config{
		BaseURL: "http://127.0.0.1:1/v1",
		Model:   "test-model",
		Tools:   []llm.ToolConfig{{Name: "solar_output", URL: "http://127.0.0.1:1"}},
	}, llm.WithWhitelist(func(context.Context, string) ([]string, error) {
		return nil, &apiclient.Error{Status: http.StatusUnauthorized, Message: "token expired"}
	}))
	srv := newTestServer(t, llmBackend, nil)

	conv := chatclient.New(srv.URL, chatclient.WithToken("good"))
	err := conv.Send(context.Background(), "hi", "", nil)

	var apiErr *chatclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chatstream.RoleUser, msgs[0].Role)
	assert.Equal(t, chatstream.RoleError, msgs[1].Role)
	assert.Equal(t, chatstream.MsgSessionExpired, msgs[1].Content)
	assert.Empty(t, conv.SessionID())
}

func TestChat_MidStreamFailureAbortsConnection(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp := post(t, srv.URL+"/api/chat", "good", `{"question":"partial"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dec := chatstream.NewDecoder()
	err := dec.Decode(context.Background(), resp.Body, nil)
	require.Error(t, err)

	msgs := dec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Half an ", msgs[0].Content)
	assert.Equal(t, chatstream.Message{Role: chatstream.RoleError, Content: chatstream.MsgConnectionInterrupted, Timestamp: msgs[1].Timestamp}, msgs[1])
}

func readEvents(t *testing.T, body io.Reader) []sse.Event {
	t.Helper()
	var events []sse.Event
	r := sse.NewReader(body)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestEvents_PushesMessageSnapshots(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp := post(t, srv.URL+"/api/chat/events", "good", `{"question":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)

	var withStatus []chatstream.Message
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &withStatus))
	require.Len(t, withStatus, 1)
	assert.Equal(t, chatstream.RoleAgent, withStatus[0].Role)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.Event)
	assert.JSONEq(t, `{"sessionId":"s-1"}`, last.Data)

	var final []chatstream.Message
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-2].Data), &final))
	require.Len(t, final, 1)
	assert.Equal(t, "Hello\nWorld", final[0].Content)
}

func TestEvents_ReportsFailure(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp := post(t, srv.URL+"/api/chat/events", "good", `{"question":"partial"}`)
	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "error", last.Event)
	var body struct {
		Error    string               `json:"error"`
		Messages []chatstream.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.Data), &body))
	assert.Equal(t, "upstream reset", body.Error)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, chatstream.RoleError, body.Messages[1].Role)
}

func TestEndSession(t *testing.T) {
	b := &fakeBackend{}
	srv := newTestServer(t, b, nil)

	do := func(id string) *http.Response {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/chat/session/"+id, nil)
		req.Header.Set("Authorization", "Bearer good")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusNoContent, do("s-1").StatusCode)
	assert.Equal(t, http.StatusBadGateway, do("broken").StatusCode)
	assert.Equal(t, []string{"alice/s-1"}, b.ended, "the caller is passed as owner")
}

func TestEvents_KeepAliveDuringSilence(t *testing.T) {
	prev := eventsKeepAlive
	eventsKeepAlive = 10 * time.Millisecond
	t.Cleanup(func() { eventsKeepAlive = prev })

	srv := newTestServer(t, &fakeBackend{}, nil)
	resp := post(t, srv.URL+"/api/chat/events", "good", `{"question":"pause"}`)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(raw), ": keep-alive\n\n")
	events := readEvents(t, strings.NewReader(string(raw)))
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Event)
	assert.JSONEq(t, `{"sessionId":"pause-1"}`, last.Data)
}

func TestHealthAndMe(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok","provider":"fake"}`, string(body))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	me, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer me.Body.Close()
	var user auth.User
	require.NoError(t, json.NewDecoder(me.Body).Decode(&user))
	assert.Equal(t, *alice, user)
}

func TestForwarder_PassesRequestsThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Internal", "secret")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"auth":   r.Header.Get("Authorization"),
			"body":   string(body),
		})
	}))
	defer upstream.Close()

	srv := newTestServer(t, &fakeBackend{}, NewForwarder(upstream.URL+"/", nil, nil))

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/tool-settings/get_forecast?dry=1", strings.NewReader(`{"enabled":true}`))
	req.Header.Set("Authorization", "Bearer good")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Internal"))
	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, map[string]string{
		"method": "PUT",
		"path":   "/api/tool-settings/get_forecast",
		"query":  "dry=1",
		"auth":   "Bearer good",
		"body":   `{"enabled":true}`,
	}, got)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/systems", nil)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode, "forwarded routes require auth")
}

func TestForwarder_UpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	srv := newTestServer(t, &fakeBackend{}, NewForwarder(dead.URL, nil, nil))
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/weather", nil)
	req.Header.Set("Authorization", "Bearer good")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func dialSocket(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSocket(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func readSocketUntil(t *testing.T, conn *websocket.Conn, kind string) []wsEvent {
	t.Helper()
	var events []wsEvent
	for {
		ev := readSocket(t, conn)
		events = append(events, ev)
		if ev.Type == kind {
			return events
		}
	}
}

func TestSocket_StreamsFrames(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	conn := dialSocket(t, srv, "good")

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "hi"}))
	events := readSocketUntil(t, conn, wsEventDone)

	require.Len(t, events, 5)
	assert.Equal(t, backend.SessionFrame("s-1"), *events[0].Frame)
	assert.Equal(t, backend.Status("Looking up"), *events[1].Frame)
	assert.Equal(t, assistant("Hello\n"), *events[2].Frame)
	assert.Equal(t, assistant("World"), *events[3].Frame)
	assert.Equal(t, wsEvent{Type: wsEventDone, SessionID: "s-1"}, events[4])
}

func TestSocket_RejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocket_NewQuestionSupersedesTurn(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	conn := dialSocket(t, srv, "good")

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "slow"}))
	first := readSocket(t, conn)
	assert.Equal(t, "slow-1", first.Frame.SessionID)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "chat", "question": "hi"}))
	assert.Equal(t, wsEvent{Type: wsEventCancelled, SessionID: "slow-1"}, readSocket(t, conn))

	events := readSocketUntil(t, conn, wsEventDone)
	assert.Equal(t, "s-1", events[len(events)-1].SessionID)
}

func TestSocket_CancelAndErrors(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)
	conn := dialSocket(t, srv, "good")

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "slow"}))
	readSocket(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))
	assert.Equal(t, wsEventCancelled, readSocket(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"question": " "}))
	assert.Equal(t, wsEvent{Type: wsEventError, Error: "question is required"}, readSocket(t, conn))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	assert.Equal(t, wsEventError, readSocket(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "boom"}))
	assert.Equal(t, wsEvent{Type: wsEventError, Error: "model unavailable"}, readSocket(t, conn))
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestTraces_RecordTurnsForAdmins(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp := post(t, srv.URL+"/api/chat", "good", `{"question":"hi"}`)
	io.Copy(io.Discard, resp.Body)
	resp = post(t, srv.URL+"/api/chat", "good", `{"question":"boom"}`)
	io.Copy(io.Discard, resp.Body)

	assert.Equal(t, http.StatusForbidden, getJSON(t, srv.URL+"/api/chat/traces", "good", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/chat/traces?limit=zero", "admin", nil))

	var body struct {
		Traces []*tracing.Trace `json:"traces"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/chat/traces", "admin", &body))
	require.Len(t, body.Traces, 2)

	failed, answered := body.Traces[0], body.Traces[1]
	assert.Equal(t, "model unavailable", failed.Error)
	assert.Equal(t, 0, failed.Frames)

	assert.Equal(t, "fake", answered.Provider)
	assert.Equal(t, "stream", answered.Transport)
	assert.Equal(t, "alice", answered.User)
	assert.Equal(t, "s-1", answered.SessionID)
	assert.Equal(t, 4, answered.Frames)
	assert.Empty(t, answered.Error)

	var one tracing.Trace
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/chat/traces/"+answered.TraceID, "admin", &one))
	assert.Equal(t, answered.TraceID, one.TraceID)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/chat/traces/nope", "admin", nil))
}
