// Package llm answers chat turns with an OpenAI-compatible managed inference
// endpoint, running whitelisted HTTP tools between model rounds.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"solar_portal/apiclient"
	"solar_portal/backend"
	"solar_portal/chatstream"
	"solar_portal/toolsettings"
	"solar_portal/tracing"
)

const (
	// ProviderName identifies this backend in configuration and /health.
	ProviderName = "llm"

	defaultMaxToolRounds = 8
	thinkingStatus       = "Thinking..."
)

// Config selects the model endpoint and prompt limits.
type Config struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	SystemPrompt    string        `yaml:"system_prompt"`
	MaxPromptTokens int           `yaml:"max_prompt_tokens"`
	MaxToolRounds   int           `yaml:"max_tool_rounds"`
	HistoryTTL      time.Duration `yaml:"history_ttl"`
	Tools           []ToolConfig  `yaml:"tools"`
}

// WhitelistFunc returns the tool-name patterns the caller may use.
type WhitelistFunc func(ctx context.Context, token string) ([]string, error)

// Backend is the managed-inference chat provider.
type Backend struct {
	cfg       Config
	client    *openai.Client
	http      *http.Client
	tools     map[string]*HTTPTool
	history   *HistoryStore
	counter   TokenCounter
	whitelist WhitelistFunc
	newID     func() string
	log       *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithHistory sets the conversation store (default: a one-hour store).
func WithHistory(h *HistoryStore) Option {
	return func(b *Backend) { b.history = h }
}

// WithTokenCounter sets the counter used for prompt clipping.
func WithTokenCounter(c TokenCounter) Option {
	return func(b *Backend) { b.counter = c }
}

// WithWhitelist restricts tools per caller.
func WithWhitelist(f WhitelistFunc) Option {
	return func(b *Backend) { b.whitelist = f }
}

// WithHTTPClient sets the client used for model requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Backend) { b.http = hc }
}

// WithLogger sets the logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// New builds the backend.
func New(cfg Config, opts ...Option) *Backend {
	b := &Backend{
		cfg:     cfg,
		tools:   make(map[string]*HTTPTool, len(cfg.Tools)),
		counter: RuneCounter{},
		newID:   func() string { return uuid.NewString() },
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.history == nil {
		b.history = NewHistoryStore(cfg.HistoryTTL)
	}
	for _, tc := range cfg.Tools {
		b.tools[tc.Name] = NewHTTPTool(tc)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if b.http != nil {
		oc.HTTPClient = b.http
	}
	b.client = openai.NewClientWithConfig(oc)
	return b
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return ProviderName }

// History exposes the conversation store so the server can run its eviction loop.
func (b *Backend) History() *HistoryStore { return b.history }

// EndSession implements backend.Backend.
func (b *Backend) EndSession(_ context.Context, sessionID, owner string) error {
	if !b.history.Delete(sessionID, owner) {
		b.log.Debug("end session ignored", zap.String("session_id", sessionID), zap.String("owner", owner))
	}
	return nil
}

// Stream implements backend.Backend. Nothing is emitted until the tool
// whitelist is resolved and the model has accepted the first request, so
// those failures reach the handler before any output.
func (b *Backend) Stream(ctx context.Context, turn backend.Turn, emit backend.Emit) error {
	owner := turn.Owner()
	id := turn.SessionID
	history, err := b.history.Load(id, owner)
	if id == "" || errors.Is(err, errNotOwner) {
		id = b.newID()
	}

	tools, err := b.allowedTools(ctx, turn.Token)
	if err != nil {
		return err
	}

	var msgs []openai.ChatCompletionMessage
	if system := b.systemPrompt(turn.SystemID); system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, history...)
	question := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.Question}
	msgs = append(msgs, question)

	answer, err := b.run(ctx, msgs, tools, turn.Token, withSessionFrame(id, emit))
	if err != nil {
		return err
	}
	b.history.Append(id, owner, question, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer})
	return nil
}

// withSessionFrame emits the session frame ahead of the first frame.
func withSessionFrame(id string, emit backend.Emit) backend.Emit {
	sent := false
	return func(f chatstream.Frame) error {
		if !sent {
			sent = true
			if err := emit(backend.SessionFrame(id)); err != nil {
				return err
			}
		}
		return emit(f)
	}
}

func (b *Backend) systemPrompt(systemID string) string {
	if systemID == "" {
		return b.cfg.SystemPrompt
	}
	ctxLine := fmt.Sprintf("The user is asking about solar system %q.", systemID)
	if b.cfg.SystemPrompt == "" {
		return ctxLine
	}
	return b.cfg.SystemPrompt + "\n\n" + ctxLine
}

// allowedTools filters the configured tools by the caller's whitelist. A
// rejected token fails the turn; an unreachable settings API only disables tools.
func (b *Backend) allowedTools(ctx context.Context, token string) (map[string]*HTTPTool, error) {
	if b.whitelist == nil || len(b.tools) == 0 {
		return b.tools, nil
	}
	patterns, err := b.whitelist(ctx, token)
	if err != nil {
		if apiclient.IsUnauthorized(err) {
			return nil, fmt.Errorf("%w: tool settings: %w", backend.ErrTokenRejected, err)
		}
		b.log.Warn("tool whitelist unavailable, running without tools", zap.Error(err))
		return nil, nil
	}
	allowed := make(map[string]*HTTPTool)
	for name, t := range b.tools {
		if toolsettings.Allowed(patterns, name) {
			allowed[name] = t
		}
	}
	tracing.FromContext(ctx).RecordEvent("tools.allowed", map[string]any{"configured": len(b.tools), "allowed": len(allowed)})
	return allowed, nil
}

// run is the model/tool loop. It returns the assistant text of all rounds.
func (b *Backend) run(ctx context.Context, msgs []openai.ChatCompletionMessage, tools map[string]*HTTPTool, token string, emit backend.Emit) (string, error) {
	defs := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}

	rounds := b.cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = defaultMaxToolRounds
	}

	var answer strings.Builder
	for round := range rounds {
		prompt := Clip(b.counter, msgs, b.cfg.MaxPromptTokens)
		span := tracing.FromContext(ctx).StartSpan("model.round").
			Set("round", round).
			Set("prompt_messages", len(prompt))
		content, calls, err := b.complete(ctx, prompt, defs, emit)
		span.Set("tool_calls", len(calls)).End(err)
		if err != nil {
			return "", err
		}
		answer.WriteString(content)
		if len(calls) == 0 {
			return answer.String(), nil
		}

		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   content,
			ToolCalls: calls,
		})
		for _, call := range calls {
			name := call.Function.Name
			if err := emit(backend.ToolStatus("Running "+name, name)); err != nil {
				return "", err
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    b.execute(ctx, tools, call, token),
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("model still calling tools after %d rounds", rounds)
}

// complete streams one model round, emitting text at line boundaries. The
// thinking status goes out once the model has accepted the request.
func (b *Backend) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, defs []openai.Tool, emit backend.Emit) (string, []openai.ToolCall, error) {
	req := openai.ChatCompletionRequest{
		Model:    b.cfg.Model,
		Messages: msgs,
		Stream:   true,
	}
	if len(defs) > 0 {
		req.Tools = defs
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("start completion: %w", err)
	}
	defer stream.Close()

	if err := emit(backend.Status(thinkingStatus)); err != nil {
		return "", nil, err
	}
	lines := backend.NewLineEmitter(emit)
	var content strings.Builder
	var calls []openai.ToolCall
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("read completion: %w", err)
		}
		for _, choice := range resp.Choices {
			if d := choice.Delta.Content; d != "" {
				content.WriteString(d)
				if err := lines.Write(d); err != nil {
					return "", nil, err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				calls = mergeToolCall(calls, tc)
			}
		}
	}
	if err := lines.Flush(); err != nil {
		return "", nil, err
	}
	return content.String(), calls, nil
}

// mergeToolCall folds a streamed tool-call fragment into calls. Fragments
// for the same call share an index; arguments arrive in pieces.
func mergeToolCall(calls []openai.ToolCall, frag openai.ToolCall) []openai.ToolCall {
	idx := len(calls) - 1
	switch {
	case frag.Index != nil:
		idx = *frag.Index
	case frag.ID != "" || idx < 0:
		idx = len(calls)
	}
	for len(calls) <= idx {
		calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
	}

	c := &calls[idx]
	if frag.ID != "" {
		c.ID = frag.ID
	}
	if frag.Function.Name != "" {
		c.Function.Name = frag.Function.Name
	}
	c.Function.Arguments += frag.Function.Arguments
	return calls
}

func (b *Backend) execute(ctx context.Context, tools map[string]*HTTPTool, call openai.ToolCall, token string) string {
	tool, ok := tools[call.Function.Name]
	if !ok {
		return fmt.Sprintf("Error: tool %q not found", call.Function.Name)
	}
	span := tracing.FromContext(ctx).StartSpan("tool/" + call.Function.Name)
	out, err := tool.Execute(ctx, token, call.Function.Arguments)
	span.End(err)
	if err != nil {
		b.log.Warn("tool failed", zap.String("tool", call.Function.Name), zap.Error(err))
		return "Error: " + err.Error()
	}
	return out
}
