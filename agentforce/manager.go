package agentforce

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"solar_portal/backend"
	"solar_portal/tracing"
)

const (
	// ProviderName identifies this backend in configuration and /health.
	ProviderName = "agentforce"

	defaultIdleTimeout = 60 * time.Second
	closeTimeout       = 10 * time.Second
)

type managedSession struct {
	session  *Session
	owner    string
	inUse    int
	lastUsed time.Time
}

// Manager owns the open Agentforce sessions, keyed by session id, and
// closes those left idle.
type Manager struct {
	client *Client
	idle   time.Duration
	now    func() time.Time
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// NewManager returns a manager using client. A non-positive idle timeout
// selects 60 seconds.
func NewManager(client *Client, idle time.Duration) *Manager {
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Manager{
		client:   client,
		idle:     idle,
		now:      time.Now,
		log:      client.log,
		sessions: make(map[string]*managedSession),
	}
}

// Name implements backend.Backend.
func (m *Manager) Name() string { return ProviderName }

// Acquire returns the caller's session with the given id, or opens a new one
// when id is empty, unknown, or owned by someone else. Call the returned
// release func when the turn is over.
func (m *Manager) Acquire(ctx context.Context, id, owner string) (*Session, func(), error) {
	m.mu.Lock()
	if ms, ok := m.sessions[id]; ok && id != "" && ms.owner == owner {
		ms.inUse++
		m.mu.Unlock()
		return ms.session, m.releaser(ms), nil
	}
	m.mu.Unlock()

	span := tracing.FromContext(ctx).StartSpan("agentforce.open")
	s, err := m.client.Open(ctx)
	span.End(err)
	if err != nil {
		return nil, nil, err
	}
	ms := &managedSession{session: s, owner: owner, inUse: 1, lastUsed: m.now()}
	m.mu.Lock()
	m.sessions[s.ID] = ms
	m.mu.Unlock()
	return s, m.releaser(ms), nil
}

func (m *Manager) releaser(ms *managedSession) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			ms.inUse--
			ms.lastUsed = m.now()
			m.mu.Unlock()
		})
	}
}

// Stream implements backend.Backend.
func (m *Manager) Stream(ctx context.Context, turn backend.Turn, emit backend.Emit) error {
	s, release, err := m.Acquire(ctx, turn.SessionID, turn.Owner())
	if err != nil {
		return err
	}
	defer release()

	if err := emit(backend.SessionFrame(s.ID)); err != nil {
		return err
	}
	span := tracing.FromContext(ctx).StartSpan("agentforce.send").Set("session_id", s.ID)
	err = s.Send(ctx, turn.Question, emit)
	span.End(err)
	if errors.Is(err, ErrSessionClosed) {
		m.forget(s.ID)
	}
	return err
}

// EndSession implements backend.Backend.
func (m *Manager) EndSession(ctx context.Context, sessionID, owner string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok && ms.owner != owner {
		m.mu.Unlock()
		m.log.Warn("end session refused: not the owner", zap.String("session_id", sessionID), zap.String("owner", owner))
		return nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ms.session.Close(ctx)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run sweeps idle sessions until ctx is done, then closes every session.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			m.Shutdown(shutdownCtx)
			return nil
		}
	}
}

func (m *Manager) sweepInterval() time.Duration {
	return max(m.idle/4, time.Second)
}

// sweep closes sessions idle longer than the idle timeout and returns how
// many it closed.
func (m *Manager) sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	var stale []*managedSession
	for id, ms := range m.sessions {
		if ms.inUse == 0 && ms.lastUsed.Before(cutoff) {
			stale = append(stale, ms)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, ms := range stale {
		m.close(ctx, ms.session)
	}
	return len(stale)
}

// Shutdown closes all sessions.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, ms := range m.sessions {
		all = append(all, ms.session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.close(ctx, s)
		}()
	}
	wg.Wait()
}

func (m *Manager) close(ctx context.Context, s *Session) {
	if err := s.Close(ctx); err != nil {
		m.log.Warn("agentforce session close failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}
