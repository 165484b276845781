package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound marks a late or duplicate reference to a call with no live session.
	ErrSessionNotFound = errors.New("dialogue session not found")
	// ErrStaleTransition marks a mutation computed against an outdated snapshot.
	ErrStaleTransition = errors.New("stale dialogue transition")
	// ErrInvalidTransition is returned when a mutation would break state consistency.
	ErrInvalidTransition = errors.New("invalid dialogue transition")
	// ErrSessionEnded is the cancellation cause for in-flight work on an ended session.
	ErrSessionEnded = errors.New("dialogue session ended")
)

// Session owns one call's dialogue state. State is only reachable through copies;
// mutation goes through Update, which enforces optimistic versioning.
type Session struct {
	ctx CallContext

	mu         sync.Mutex
	state      State
	ended      bool
	endReason  string
	lastActive time.Time
	now        func() time.Time

	// turn orders utterance handling for this call. It is held across LLM calls;
	// mu never is.
	turn sync.Mutex

	done   context.Context
	cancel context.CancelCauseFunc
}

func newSession(cc CallContext, now func() time.Time) *Session {
	done, cancel := context.WithCancelCause(context.Background())
	t := now()
	return &Session{
		ctx:        cc,
		state:      newState(t),
		lastActive: t,
		now:        now,
		done:       done,
		cancel:     cancel,
	}
}

func (s *Session) CallID() string { return s.ctx.CallID }

func (s *Session) Context() CallContext { return s.ctx }

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to a copy of the state if the version still matches expected.
// The copy replaces the state only when fn succeeds and the result validates.
func (s *Session) Update(expected uint64, fn func(*State) error) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return State{}, fmt.Errorf("%w: session ended (%s)", ErrStaleTransition, s.endReason)
	}
	if s.state.Version != expected {
		return State{}, fmt.Errorf("%w: version %d, expected %d", ErrStaleTransition, s.state.Version, expected)
	}
	next := s.state.clone()
	if err := fn(&next); err != nil {
		return State{}, err
	}
	if err := next.Validate(); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	t := s.now()
	next.Version++
	next.UpdatedAt = t
	s.state = next
	s.lastActive = t
	return next.clone(), nil
}

// Touch marks activity without changing state.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// End freezes the session and cancels any in-flight work bound to it. It is idempotent.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endReason = reason
	s.mu.Unlock()
	s.cancel(ErrSessionEnded)
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Bind derives a context from parent that is also cancelled when the session ends.
func (s *Session) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(s.done, func() { cancel(ErrSessionEnded) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// LockTurn serializes utterance handling for the call.
func (s *Session) LockTurn() { s.turn.Lock() }

func (s *Session) UnlockTurn() { s.turn.Unlock() }
