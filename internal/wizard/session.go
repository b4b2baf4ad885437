package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout is how long an unanswered session is kept.
const DefaultIdleTimeout = 30 * time.Minute

var ErrSessionNotFound = errors.New("wizard session not found")

type sessionEntry struct {
	mu       sync.Mutex // one step at a time per session
	session  Session
	lastSeen time.Time
	closed   bool // finished or expired; set under mu
}

// Sessions tracks open wizard dialogues by ID.
type Sessions struct {
	machine *Machine
	idle    time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// NewSessions creates a session table. idle <= 0 uses DefaultIdleTimeout.
func NewSessions(machine *Machine, idle time.Duration) *Sessions {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Sessions{
		machine: machine,
		idle:    idle,
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}
}

// Start opens a new session and returns its first screen.
func (t *Sessions) Start(ctx context.Context) (string, Result, error) {
	t.Sweep()

	e := &sessionEntry{session: Session{ID: uuid.NewString()}}
	res, err := t.machine.Step(ctx, &e.session, Request{})
	if err != nil || res.Done {
		return e.session.ID, res, err
	}
	e.lastSeen = t.now()

	t.mu.Lock()
	t.entries[e.session.ID] = e
	t.mu.Unlock()
	return e.session.ID, res, nil
}

// Advance feeds req to the session. Finished sessions are dropped.
func (t *Sessions) Advance(ctx context.Context, id string, req Request) (Result, error) {
	t.Sweep()

	e, ok := t.entry(id)
	if !ok {
		return Result{}, ErrSessionNotFound
	}
	return t.advance(ctx, e, req)
}

// advance steps e unless another caller finished it while this one waited
// for its lock.
func (t *Sessions) advance(ctx context.Context, e *sessionEntry, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, ErrSessionNotFound
	}
	res, err := t.machine.Step(ctx, &e.session, req)
	e.lastSeen = t.now()
	if res.Done {
		e.closed = true
		t.mu.Lock()
		delete(t.entries, e.session.ID)
		t.mu.Unlock()
	}
	return res, err
}

func (t *Sessions) entry(id string) (*sessionEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Terminate ends the session.
func (t *Sessions) Terminate(ctx context.Context, id string) error {
	_, err := t.Advance(ctx, id, Request{Type: RequestTerminate})
	return err
}

// snapshot returns a copy of the session state.
func (t *Sessions) snapshot(id string) (Session, bool) {
	e, ok := t.entry(id)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	s.Names = append([]string(nil), e.session.Names...)
	return s, true
}

// Len returns the number of open sessions.
func (t *Sessions) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep drops sessions idle for longer than the idle timeout and returns
// how many were dropped.
func (t *Sessions) Sweep() int {
	cutoff := t.now().Add(-t.idle)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			e.closed = true
			delete(t.entries, id)
			n++
		}
		e.mu.Unlock()
	}
	return n
}
