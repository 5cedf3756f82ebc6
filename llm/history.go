package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultHistoryTTL = 1 * time.Hour
	evictInterval     = 5 * time.Minute
)

// errNotOwner is returned by Load for a conversation held by another user.
var errNotOwner = errors.New("conversation belongs to another user")

// historyEntry wraps a conversation with its owner and a last-accessed
// timestamp for TTL eviction.
type historyEntry struct {
	owner      string
	msgs       []openai.ChatCompletionMessage
	lastAccess time.Time
}

// HistoryStore is an in-memory conversation store with TTL-based eviction.
type HistoryStore struct {
	mu    sync.Mutex
	convs map[string]*historyEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewHistoryStore creates a store; a non-positive ttl selects one hour.
func NewHistoryStore(ttl time.Duration) *HistoryStore {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &HistoryStore{
		convs: make(map[string]*historyEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Load returns a copy of owner's conversation. An unknown id yields no
// messages and no error; an id held by someone else yields errNotOwner.
func (hs *HistoryStore) Load(id, owner string) ([]openai.ChatCompletionMessage, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	entry, ok := hs.convs[id]
	if !ok {
		return nil, nil
	}
	if entry.owner != owner {
		return nil, errNotOwner
	}
	entry.lastAccess = hs.now()
	out := make([]openai.ChatCompletionMessage, len(entry.msgs))
	copy(out, entry.msgs)
	return out, nil
}

// Append adds messages to owner's conversation, creating it if needed, and
// refreshes its TTL. A conversation held by someone else is left unchanged.
func (hs *HistoryStore) Append(id, owner string, msgs ...openai.ChatCompletionMessage) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	entry, ok := hs.convs[id]
	if !ok {
		entry = &historyEntry{owner: owner}
		hs.convs[id] = entry
	}
	if entry.owner != owner {
		return
	}
	entry.msgs = append(entry.msgs, msgs...)
	entry.lastAccess = hs.now()
}

// Delete removes owner's conversation and reports whether it did.
func (hs *HistoryStore) Delete(id, owner string) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	entry, ok := hs.convs[id]
	if !ok || entry.owner != owner {
		return false
	}
	delete(hs.convs, id)
	return true
}

// Len returns the number of stored conversations.
func (hs *HistoryStore) Len() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.convs)
}

// Run evicts idle conversations every five minutes until ctx is done.
func (hs *HistoryStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hs.evict()
		case <-ctx.Done():
			return nil
		}
	}
}

func (hs *HistoryStore) evict() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	cutoff := hs.now().Add(-hs.ttl)
	n := 0
	for id, entry := range hs.convs {
		if entry.lastAccess.Before(cutoff) {
			delete(hs.convs, id)
			n++
		}
	}
	return n
}
