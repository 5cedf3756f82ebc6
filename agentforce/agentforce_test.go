package agentforce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"solar_portal/auth"
	"solar_portal/backend"
	"solar_portal/chatstream"
)

type fakeAgentAPI struct {
	t *testing.T

	mu         sync.Mutex
	tokenCalls int
	reject401  int
	nextID     int
	stream     string
	opened     []openRequest
	sent       []sendRequest
	closed     []string
	endReasons []string
}

func sseEvent(kind, message string) string {
	data, _ := json.Marshal(map[string]any{"message": map[string]string{"type": kind, "message": message}})
	return fmt.Sprintf("event: %s\ndata: %s\n\n", kind, data)
}

func (f *fakeAgentAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(f.t, "cid", r.Form.Get("client_id"))
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"access_token": fmt.Sprintf("tok-%d", n), "instance_url": "https://example.my.salesforce.com"})
	})
	mux.HandleFunc("POST /einstein/ai-agent/v1/agents/{agent}/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "agent-1", r.PathValue("agent"))
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.reject401 > 0 {
			f.reject401--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req openRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.opened = append(f.opened, req)
		f.nextID++
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId": fmt.Sprintf("sess-%d", f.nextID),
			"messages":  []map[string]string{{"type": "Inform", "message": "Hi, how can I help?"}},
		})
	})
	mux.HandleFunc("POST /einstein/ai-agent/v1/sessions/{id}/messages/stream", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "text/event-stream", r.Header.Get("Accept"))
		var req sendRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.sent = append(f.sent, req)
		body := f.stream
		f.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	})
	mux.HandleFunc("DELETE /einstein/ai-agent/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.closed = append(f.closed, r.PathValue("id"))
		f.endReasons = append(f.endReasons, r.Header.Get("x-session-end-reason"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeAgentAPI) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func newFake(t *testing.T, stream string) (*fakeAgentAPI, *Client) {
	t.Helper()
	f := &fakeAgentAPI{t: t, stream: stream}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		MyDomainURL:  srv.URL,
		APIBaseURL:   srv.URL,
		ClientID:     "cid",
		ClientSecret: "secret",
		AgentID:      "agent-1",
	}, srv.Client(), nil)
	return f, c
}

func collectFrames(t *testing.T, m *Manager, turn backend.Turn) ([]chatstream.Frame, error) {
	t.Helper()
	var frames []chatstream.Frame
	err := m.Stream(context.Background(), turn, func(f chatstream.Frame) error {
		frames = append(frames, f)
		return nil
	})
	return frames, err
}

var alice = &auth.User{Username: "alice"}

func TestManager_StreamMapsEvents(t *testing.T) {
	stream := ": ping\n\n" +
		sseEvent("ProgressIndicator", "Looking up your system") +
		sseEvent("TextChunk", "Your output ") +
		sseEvent("TextChunk", "is 4 kWh.\nGreat") +
		sseEvent("TextChunk", " day.") +
		sseEvent("Inform", "Your output is 4 kWh.\nGreat day.") +
		sseEvent("EndOfTurn", "")
	f, c := newFake(t, stream)
	m := NewManager(c, time.Minute)

	frames, err := collectFrames(t, m, backend.Turn{Question: "How much?", User: alice})
	require.NoError(t, err)
	assert.Equal(t, []chatstream.Frame{
		{Role: chatstream.RoleAssistant, SessionID: "sess-1"},
		{Role: chatstream.RoleAgent, Content: "Looking up your system"},
		{Role: chatstream.RoleAssistant, Content: "Your output is 4 kWh.\n"},
		{Role: chatstream.RoleAssistant, Content: "Great day."},
	}, frames)

	_, err = collectFrames(t, m, backend.Turn{Question: "And tomorrow?", SessionID: "sess-1", User: alice})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.opened, 1, "session reused")
	open := f.opened[0]
	assert.NotEmpty(t, open.ExternalSessionKey)
	assert.True(t, open.BypassUser)
	assert.Equal(t, []string{"Text"}, open.StreamingCapabilities.ChunkTypes)
	assert.NotEmpty(t, open.InstanceConfig.Endpoint)

	require.Len(t, f.sent, 2)
	assert.Equal(t, sendMessage{SequenceID: 1, Type: "Text", Text: "How much?"}, f.sent[0].Message)
	assert.Equal(t, 2, f.sent[1].Message.SequenceID)
	assert.Equal(t, 1, f.tokenCalls)
}

func TestSession_InformWithoutChunks(t *testing.T) {
	_, c := newFake(t, sseEvent("Inform", "Hello there")+sseEvent("EndOfTurn", ""))
	s, err := c.Open(context.Background())
	require.NoError(t, err)

	var frames []chatstream.Frame
	require.NoError(t, s.Send(context.Background(), "hi", func(f chatstream.Frame) error {
		frames = append(frames, f)
		return nil
	}))
	assert.Equal(t, []chatstream.Frame{{Role: chatstream.RoleAssistant, Content: "Hello there"}}, frames)
}

func TestSession_FailureEvent(t *testing.T) {
	_, c := newFake(t, sseEvent("TextChunk", "Partial")+`data: {"message":{"type":"Failure","errors":["agent crashed"]}}`+"\n\n")
	s, err := c.Open(context.Background())
	require.NoError(t, err)

	err = s.Send(context.Background(), "hi", func(chatstream.Frame) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent crashed")
}

func TestSession_SendAfterClose(t *testing.T) {
	f, c := newFake(t, sseEvent("EndOfTurn", ""))
	s, err := c.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, s.Send(context.Background(), "hi", func(chatstream.Frame) error { return nil }), ErrSessionClosed)

	assert.Equal(t, []string{"sess-1"}, f.closedIDs())
	assert.Equal(t, []string{"UserRequest"}, f.endReasons)
}

func TestClient_RefreshesTokenOn401(t *testing.T) {
	f, c := newFake(t, "")
	f.reject401 = 1

	s, err := c.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, 2, f.tokenCalls)
}

func TestManager_OwnerMismatchOpensNewSession(t *testing.T) {
	_, c := newFake(t, sseEvent("EndOfTurn", ""))
	m := NewManager(c, time.Minute)
	ctx := context.Background()

	s1, release1, err := m.Acquire(ctx, "", "alice")
	require.NoError(t, err)
	release1()

	s2, release2, err := m.Acquire(ctx, s1.ID, "bob")
	require.NoError(t, err)
	release2()
	assert.NotEqual(t, s1.ID, s2.ID)

	s3, release3, err := m.Acquire(ctx, s1.ID, "alice")
	require.NoError(t, err)
	release3()
	assert.Equal(t, s1.ID, s3.ID)
	assert.Equal(t, 2, m.Len())
}

func TestManager_SweepClosesIdleSessions(t *testing.T) {
	f, c := newFake(t, sseEvent("EndOfTurn", ""))
	m := NewManager(c, 0)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	idle, release, err := m.Acquire(ctx, "", "alice")
	require.NoError(t, err)
	release()
	release()

	busy, releaseBusy, err := m.Acquire(ctx, "", "bob")
	require.NoError(t, err)
	defer releaseBusy()

	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, m.sweep(ctx), "not idle long enough")

	now = now.Add(31 * time.Second)
	assert.Equal(t, 1, m.sweep(ctx))
	assert.Equal(t, []string{idle.ID}, f.closedIDs())
	assert.Equal(t, 1, m.Len())
	assert.NotEqual(t, idle.ID, busy.ID)
}

func TestManager_RunClosesSessionsOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &fakeAgentAPI{t: t, stream: sseEvent("EndOfTurn", "")}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c := NewClient(Config{MyDomainURL: srv.URL, APIBaseURL: srv.URL, ClientID: "cid", AgentID: "agent-1"}, srv.Client(), nil)
	m := NewManager(c, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i := 0; i < 2; i++ {
		_, release, err := m.Acquire(context.Background(), "", "alice")
		require.NoError(t, err)
		release()
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, m.Len())
	closed := f.closedIDs()
	assert.Len(t, closed, 2)
	assert.True(t, strings.HasPrefix(closed[0], "sess-"))
}

func TestManager_EndSession(t *testing.T) {
	f, c := newFake(t, sseEvent("EndOfTurn", ""))
	m := NewManager(c, time.Minute)

	frames, err := collectFrames(t, m, backend.Turn{Question: "hi", User: alice})
	require.NoError(t, err)
	id := frames[0].SessionID

	require.NoError(t, m.EndSession(context.Background(), id, "mallory"))
	assert.Empty(t, f.closedIDs(), "another user cannot end the session")
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.EndSession(context.Background(), id, "alice"))
	require.NoError(t, m.EndSession(context.Background(), "unknown", "alice"))
	assert.Equal(t, []string{id}, f.closedIDs())
	assert.Equal(t, 0, m.Len())
}
