// Package deferred provides a settle-once handshake object used to gate one
// build stage on another.
package deferred

import (
	"context"
	"sync"
	"time"
)

// State is the settlement state of a Signal.
type State int

const (
	Pending State = iota
	Resolved
	Rejected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Signal is a future with external resolve/reject control. It settles at
// most once; transitions only move forward from Pending.
// It is safe for concurrent use.
type Signal struct {
	mu        sync.Mutex
	state     State
	err       error
	settledAt time.Time
	done      chan struct{}
}

// New returns a pending Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Resolve settles the signal successfully. It reports whether this call
// performed the transition.
func (s *Signal) Resolve() bool {
	return s.settle(Resolved, nil)
}

// Reject settles the signal with err. It reports whether this call
// performed the transition.
func (s *Signal) Reject(err error) bool {
	return s.settle(Rejected, err)
}

func (s *Signal) settle(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Pending {
		return false
	}
	s.state = state
	s.err = err
	s.settledAt = time.Now()
	close(s.done)
	return true
}

// Done returns a channel closed once the signal settles.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the signal settles or ctx is done. It returns the
// rejection error, nil on resolve, or ctx.Err().
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (s *Signal) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the rejection error, or nil if the signal is not rejected.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SettledAt returns when the signal settled, or the zero time while pending.
func (s *Signal) SettledAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settledAt
}
