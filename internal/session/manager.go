package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Session is one client's review context. It owns a Store and serializes
// the run batches started against it.
type Session struct {
	ID        string
	CreatedAt time.Time
	Store     *Store

	clock clockwork.Clock
	runMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
}

// LockRun blocks until no other batch is running for this session.
func (s *Session) LockRun() { s.runMu.Lock() }

// UnlockRun releases the run lock taken by LockRun. The session counts as
// seen when its batch ends.
func (s *Session) UnlockRun() {
	s.Touch()
	s.runMu.Unlock()
}

// Touch marks the session as active now.
func (s *Session) Touch() { s.touch(s.clock.Now()) }

// LastSeen returns the last time the session was used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// Manager tracks live sessions by id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clockwork.Clock
}

// NewManager returns an empty session manager. A nil clock means the real
// clock.
func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		clock:    clock,
	}
}

// Create starts a new session with an empty store.
func (m *Manager) Create() *Session {
	now := m.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Store:     NewStore(),
		clock:     m.clock,
		lastSeen:  now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given id and marks it as active.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: KindSession, Name: id}
	}
	s.touch(m.clock.Now())
	return s, nil
}

// Delete tears the session down. Its images and artifacts are dropped.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return &NotFoundError{Kind: KindSession, Name: id}
	}
	delete(m.sessions, id)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap removes sessions that have not been used for longer than idle and
// returns their ids. Sessions with a batch in progress are kept.
func (m *Manager) Reap(idle time.Duration) []string {
	cutoff := m.clock.Now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, s := range m.sessions {
		if !s.LastSeen().Before(cutoff) {
			continue
		}
		if !s.runMu.TryLock() {
			continue
		}
		delete(m.sessions, id)
		s.runMu.Unlock()
		removed = append(removed, id)
	}
	return removed
}

// StartReaper runs Reap every interval until ctx is done. onReap is called
// with the removed ids after each pass that removed any. The returned
// channel is closed when the reaper has stopped.
func (m *Manager) StartReaper(ctx context.Context, interval, idle time.Duration, onReap func([]string)) <-chan struct{} {
	ticker := m.clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if ids := m.Reap(idle); len(ids) > 0 && onReap != nil {
					onReap(ids)
				}
			}
		}
	}()
	return done
}
