package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"learnova.app/backend/internal/quota"
	"learnova.app/backend/internal/store"
)

// Session is the in-memory mirror of a signed-in user. Its settings and
// history follow the store through live subscriptions until it is released.
type Session struct {
	ID   string
	User store.User

	mu      sync.RWMutex
	state   quota.State
	history []store.Conversation
	changed chan struct{}

	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen atomic.Int64 // unix nanos
}

func newSession(id string, user store.User, cancel context.CancelFunc) *Session {
	return &Session{
		ID:      id,
		User:    user,
		changed: make(chan struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

func (s *Session) Entitlement() quota.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) History() []store.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Conversation, len(s.history))
	copy(out, s.history)
	return out
}

// Changed returns a channel closed at the next mirror update. Grab it before
// reading the mirror so an update in between is not missed.
func (s *Session) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// Done is closed once the session has been released and its subscriptions
// have stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// follow applies pushed snapshots until both subscriptions close.
func (s *Session) follow(states <-chan quota.State, history <-chan []store.Conversation) {
	defer close(s.done)
	for states != nil || history != nil {
		select {
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.update(func() { s.state = st })
		case h, ok := <-history:
			if !ok {
				history = nil
				continue
			}
			s.update(func() { s.history = h })
		}
	}
}

func (s *Session) release() {
	s.cancel()
	<-s.done
}
