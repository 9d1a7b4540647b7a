// Package reconnect tracks per-connection retry negotiation state for
// the bounded reconnection protocol.
package reconnect

import (
	"errors"
	"sync"
	"time"

	"github.com/commonaid/realtime/internal/backoff"
)

// ErrExhausted indicates a connection has used all of its retry
// attempts and must be disconnected.
var ErrExhausted = errors.New("retry attempts exhausted")

// State is the backoff bookkeeping for one connection.
type State struct {
	Attempts      int
	LastAttemptAt time.Time
	MaxRetries    int
}

// Tracker manages retry state keyed by connection id. State is created
// lazily on the first retry request and discarded on successful
// authentication or when stale.
type Tracker struct {
	policy     backoff.Policy
	maxRetries int

	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// NewTracker creates a tracker allowing maxRetries attempts per
// connection under the given delay policy.
func NewTracker(policy backoff.Policy, maxRetries int) *Tracker {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Tracker{
		policy:     policy,
		maxRetries: maxRetries,
		states:     make(map[string]*State),
		now:        time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (t *Tracker) SetNowFunc(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = fn
}

// Next records one retry attempt for the connection. It returns the
// attempt number just consumed and the delay before the client should
// re-attempt the handshake. Once attempts reach the maximum, Next
// returns ErrExhausted and the caller must force-close the connection.
func (t *Tracker) Next(connectionID string) (attempt int, delay time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[connectionID]
	if !ok {
		state = &State{MaxRetries: t.maxRetries}
		t.states[connectionID] = state
	}
	if state.Attempts >= state.MaxRetries {
		return state.Attempts, 0, ErrExhausted
	}

	state.Attempts++
	state.LastAttemptAt = t.now()
	return state.Attempts, backoff.Delay(t.policy, state.Attempts), nil
}

// NextDelay returns the delay that would apply to the connection's next
// attempt, without consuming one.
func (t *Tracker) NextDelay(connectionID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempts := 0
	if state, ok := t.states[connectionID]; ok {
		attempts = state.Attempts
	}
	return backoff.Delay(t.policy, attempts+1)
}

// Clear discards retry state for the connection. Called on successful
// authentication so a fresh drop starts the schedule over.
func (t *Tracker) Clear(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, connectionID)
}

// Active returns the number of connections with live retry state.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// SweepStale discards state whose last attempt is older than ttl and
// returns how many entries were dropped.
func (t *Tracker) SweepStale(ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-ttl)
	dropped := 0
	for id, state := range t.states {
		if state.LastAttemptAt.Before(cutoff) {
			delete(t.states, id)
			dropped++
		}
	}
	return dropped
}
