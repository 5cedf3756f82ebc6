// Package tracing records a timed trace of every chat turn: which provider
// answered, how long it took, the spans inside it and how it ended.
package tracing

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is a single timed operation within a trace.
type Span struct {
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace collects the spans of one chat turn. All methods are safe on a nil
// *Trace, so providers can record spans without checking for a trace.
type Trace struct {
	mu sync.Mutex

	TraceID    string    `json:"trace_id"`
	Provider   string    `json:"provider"`
	Transport  string    `json:"transport"`
	User       string    `json:"user,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs float64   `json:"duration_ms"`
	Frames     int       `json:"frames"`
	Spans      []Span    `json:"spans"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// New starts a trace for a turn answered by provider over transport
// ("stream", "events" or "ws").
func New(provider, transport, user string) *Trace {
	return &Trace{
		TraceID:   uuid.NewString(),
		Provider:  provider,
		Transport: transport,
		User:      user,
		StartTime: time.Now(),
		Spans:     []Span{},
	}
}

// SpanRecorder builds a span; End appends it to the trace.
type SpanRecorder struct {
	trace *Trace
	span  Span
}

// StartSpan begins a timed span.
func (t *Trace) StartSpan(name string) *SpanRecorder {
	if t == nil {
		return nil
	}
	return &SpanRecorder{
		trace: t,
		span:  Span{Name: name, StartTime: time.Now(), Metadata: map[string]any{}},
	}
}

// RecordEvent records an instantaneous event.
func (t *Trace) RecordEvent(name string, metadata map[string]any) {
	if t == nil {
		return
	}
	now := time.Now()
	t.addSpan(Span{Name: name, StartTime: now, EndTime: now, Metadata: metadata})
}

// Set adds a metadata key-value pair.
func (sr *SpanRecorder) Set(key string, value any) *SpanRecorder {
	if sr == nil {
		return nil
	}
	sr.span.Metadata[key] = value
	return sr
}

// End finalizes the span. A non-nil err is stored under "error".
func (sr *SpanRecorder) End(err error) {
	if sr == nil {
		return
	}
	if err != nil {
		sr.span.Metadata["error"] = err.Error()
	}
	sr.span.EndTime = time.Now()
	sr.span.DurationMs = millis(sr.span.EndTime.Sub(sr.span.StartTime))
	sr.trace.addSpan(sr.span)
}

func (t *Trace) addSpan(s Span) {
	t.mu.Lock()
	t.Spans = append(t.Spans, s)
	t.mu.Unlock()
}

// Frame counts one emitted frame, taking the session id from the first
// frame that carries one.
func (t *Trace) Frame(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.Frames++
	if t.SessionID == "" {
		t.SessionID = sessionID
	}
	t.mu.Unlock()
}

// Finish ends the trace. cancelled marks a turn the client abandoned.
func (t *Trace) Finish(err error, cancelled bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EndTime = time.Now()
	t.DurationMs = millis(t.EndTime.Sub(t.StartTime))
	t.Cancelled = cancelled
	if err != nil && !cancelled {
		t.Error = err.Error()
	}
}

// Snapshot returns a copy that is safe to encode while the turn runs.
func (t *Trace) Snapshot() *Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Trace{
		TraceID:    t.TraceID,
		Provider:   t.Provider,
		Transport:  t.Transport,
		User:       t.User,
		SessionID:  t.SessionID,
		StartTime:  t.StartTime,
		EndTime:    t.EndTime,
		DurationMs: t.DurationMs,
		Frames:     t.Frames,
		Cancelled:  t.Cancelled,
		Error:      t.Error,
		Spans:      make([]Span, len(t.Spans)),
	}
	for i, s := range t.Spans {
		s.Metadata = maps.Clone(s.Metadata)
		c.Spans[i] = s
	}
	return c
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Store holds recent traces in memory with bounded capacity.
type Store struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string // oldest first
	max    int
}

// NewStore creates a store that retains up to maxSize traces.
func NewStore(maxSize int) *Store {
	maxSize = max(maxSize, 1)
	return &Store{
		traces: make(map[string]*Trace),
		order:  make([]string, 0, maxSize),
		max:    maxSize,
	}
}

// Put stores a trace, evicting the oldest if at capacity.
func (s *Store) Put(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.traces[t.TraceID]; ok {
		return
	}
	if len(s.order) >= s.max {
		delete(s.traces, s.order[0])
		s.order = slices.Delete(s.order, 0, 1)
	}
	s.traces[t.TraceID] = t
	s.order = append(s.order, t.TraceID)
}

// Get returns a snapshot of the trace, or nil if unknown.
func (s *Store) Get(traceID string) *Trace {
	s.mu.RLock()
	t := s.traces[traceID]
	s.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Snapshot()
}

// List returns snapshots of the most recent traces, newest first.
func (s *Store) List(limit int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	limit = min(max(limit, 0), n)
	out := make([]*Trace, limit)
	for i := range limit {
		out[i] = s.traces[s.order[n-1-i]].Snapshot()
	}
	return out
}

// Len returns the number of stored traces.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

type traceKey struct{}

// WithTrace stores t in ctx.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// FromContext returns the turn's trace, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}
