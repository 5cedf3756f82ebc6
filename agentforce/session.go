package agentforce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"solar_portal/backend"
	"solar_portal/sse"
)

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("agentforce: session closed")

// Agent API streaming message types.
const (
	msgTextChunk         = "TextChunk"
	msgProgressIndicator = "ProgressIndicator"
	msgInform            = "Inform"
	msgEndOfTurn         = "EndOfTurn"
	msgFailure           = "Failure"
)

// Session is one Agentforce conversation. Sends are serialized.
type Session struct {
	ID string

	client *Client

	mu     sync.Mutex
	seq    int
	closed bool
}

type openRequest struct {
	ExternalSessionKey    string                `json:"externalSessionKey"`
	InstanceConfig        instanceConfig        `json:"instanceConfig"`
	StreamingCapabilities streamingCapabilities `json:"streamingCapabilities"`
	BypassUser            bool                  `json:"bypassUser"`
}

type instanceConfig struct {
	Endpoint string `json:"endpoint"`
}

type streamingCapabilities struct {
	ChunkTypes []string `json:"chunkTypes"`
}

// Open starts a new agent session.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	body := openRequest{
		ExternalSessionKey:    uuid.NewString(),
		InstanceConfig:        instanceConfig{Endpoint: c.cfg.MyDomainURL},
		StreamingCapabilities: streamingCapabilities{ChunkTypes: []string{"Text"}},
		BypassUser:            true,
	}
	resp, err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(c.cfg.AgentID)+"/sessions", body, nil)
	if err != nil {
		return nil, fmt.Errorf("open agent session: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session response: %w", err)
	}
	id := gjson.GetBytes(data, "sessionId").String()
	if id == "" {
		return nil, errors.New("open agent session: response has no sessionId")
	}
	c.log.Info("agentforce session opened", zap.String("session_id", id))
	return &Session{ID: id, client: c}, nil
}

type sendRequest struct {
	Message sendMessage `json:"message"`
}

type sendMessage struct {
	SequenceID int    `json:"sequenceId"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

// Send posts text and relays the streamed reply: text chunks become
// assistant frames, progress indicators become agent status frames, and an
// Inform message is used only when no chunks were streamed.
func (s *Session) Send(ctx context.Context, text string, emit backend.Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.seq++

	header := http.Header{"Accept": {"text/event-stream"}}
	body := sendRequest{Message: sendMessage{SequenceID: s.seq, Type: "Text", Text: text}}
	resp, err := s.client.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(s.ID)+"/messages/stream", body, header)
	if err != nil {
		return fmt.Errorf("send agent message: %w", err)
	}
	defer resp.Body.Close()
	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()

	lines := backend.NewLineEmitter(emit)
	streamed := false
	events := sse.NewReader(resp.Body)
	for {
		ev, err := events.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read agent stream: %w", err)
		}

		msg := gjson.Get(ev.Data, "message")
		kind := msg.Get("type").String()
		if kind == "" {
			kind = ev.Event
		}
		content := msg.Get("message").String()

		switch kind {
		case msgTextChunk:
			streamed = true
			if err := lines.Write(content); err != nil {
				return err
			}
		case msgProgressIndicator:
			if err := lines.Flush(); err != nil {
				return err
			}
			if content != "" {
				if err := emit(backend.Status(content)); err != nil {
					return err
				}
			}
		case msgInform:
			if !streamed && content != "" {
				if err := lines.Write(content); err != nil {
					return err
				}
			}
		case msgFailure:
			lines.Flush()
			return fmt.Errorf("agent reported failure: %s", errorText(msg))
		case msgEndOfTurn:
			return lines.Flush()
		default:
			s.client.log.Debug("ignoring agent event", zap.String("type", kind))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return lines.Flush()
}

func errorText(msg gjson.Result) string {
	if errs := msg.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return errs.Array()[0].String()
	}
	if m := msg.Get("message").String(); m != "" {
		return m
	}
	return "unknown error"
}

// Close ends the session on the server. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	header := http.Header{"X-Session-End-Reason": {"UserRequest"}}
	resp, err := s.client.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(s.ID), nil, header)
	if err != nil {
		return fmt.Errorf("close agent session: %w", err)
	}
	resp.Body.Close()
	s.client.log.Info("agentforce session closed", zap.String("session_id", s.ID))
	return nil
}
