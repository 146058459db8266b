package relay

import (
	"sync"

	"crabstack.local/crab-relay/internal/metrics"
	"crabstack.local/crab-relay/internal/types"
)

type Subscription struct {
	ID       uint64
	TenantID string

	hub    *Hub
	events chan types.Event

	registered bool

	mu     sync.Mutex
	closed bool
	reason string
}

// Events is closed when the subscription ends; Reason then says why.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s, CloseReasonUnsubscribed)
}

func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// closeLocked must be called with the owning topic locked (or before the
// subscription was ever registered).
func (s *Subscription) closeLocked(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.events)
	if s.registered {
		metrics.AddRelaySubscribers(-1)
	}
}
