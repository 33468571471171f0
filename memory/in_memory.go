package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// Store persists conversation turns per session.
type Store interface {
	History(ctx context.Context, sessionID string) ([]core.Turn, error)
	Append(ctx context.Context, sessionID string, turns ...core.Turn) error
	Clear(ctx context.Context, sessionID string) error
}

// Options configures an InMemoryStore.
type Options struct {
	// MaxTurns bounds the history kept per session. Oldest turns go first.
	MaxTurns int
	// MaxSessions bounds the number of tracked sessions.
	MaxSessions int
}

type session struct {
	id    string
	turns []core.Turn
}

// InMemoryStore is a process-local Store protected by a mutex.
type InMemoryStore struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*list.Element
	order    *list.List // front = most recently used
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory history store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{MaxTurns: 20, MaxSessions: 1000}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 20
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1000
	}
	return &InMemoryStore{opts: opts, sessions: make(map[string]*list.Element), order: list.New()}
}

// History returns a copy of the session's turns, oldest first.
func (m *InMemoryStore) History(_ context.Context, sessionID string) ([]core.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	m.order.MoveToFront(el)
	turns := el.Value.(*session).turns
	out := make([]core.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Append adds turns to the session, trimming to MaxTurns.
func (m *InMemoryStore) Append(_ context.Context, sessionID string, turns ...core.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.sessions[sessionID]
	if !ok {
		el = m.order.PushFront(&session{id: sessionID})
		m.sessions[sessionID] = el
		for m.order.Len() > m.opts.MaxSessions {
			oldest := m.order.Back()
			m.order.Remove(oldest)
			delete(m.sessions, oldest.Value.(*session).id)
		}
	} else {
		m.order.MoveToFront(el)
	}

	s := el.Value.(*session)
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - m.opts.MaxTurns; over > 0 {
		s.turns = append(s.turns[:0:0], s.turns[over:]...)
	}
	return nil
}

// Clear drops the session's history.
func (m *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.sessions[sessionID]; ok {
		m.order.Remove(el)
		delete(m.sessions, sessionID)
	}
	return nil
}

// Sessions returns the number of tracked sessions.
func (m *InMemoryStore) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
