// Package breaker implements the per-connection circuit breaker state
// machine described in spec.md §4.3. It is a pure value operating on a
// Connection's breaker fields in memory; callers persist the mutated
// fields themselves (via store.Store.UpdateBreakerFields) after each call.
// There is no I/O and no goroutine here, matching the "Mapper and Breaker
// operations are synchronous and non-suspending" rule in §5.
package breaker

import (
	"time"

	"github.com/orderbridge/poller/pkg/types"
)

const (
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trips the breaker to OPEN.
	FailureThreshold = 5

	// OpenWindow is how long the breaker stays OPEN before a probe cycle
	// is allowed through as HALF_OPEN.
	OpenWindow = 120 * time.Second

	// HalfOpenSuccessThreshold is the number of consecutive successful
	// probe cycles in HALF_OPEN required to close the breaker.
	HalfOpenSuccessThreshold = 2
)

// Breaker operates on a single Connection's breaker fields.
type Breaker struct {
	conn *types.Connection
}

// New wraps conn for breaker operations. conn's breaker fields are
// mutated in place by Allow, Success, and Failure.
func New(conn *types.Connection) *Breaker {
	return &Breaker{conn: conn}
}

// Allow reports whether the Worker may run a cycle right now, and the
// breaker state after the decision (which may have just transitioned
// OPEN to HALF_OPEN). A false return means the Worker must skip the
// cycle with a lightweight log entry.
func (b *Breaker) Allow(now time.Time) (bool, types.BreakerState) {
	conn := b.conn
	if conn.BreakerState == "" {
		conn.BreakerState = types.BreakerClosed
	}

	switch conn.BreakerState {
	case types.BreakerClosed:
		return true, conn.BreakerState

	case types.BreakerOpen:
		if conn.EarliestRetryAt == nil || now.Before(*conn.EarliestRetryAt) {
			return false, conn.BreakerState
		}
		conn.BreakerState = types.BreakerHalfOpen
		conn.HalfOpenSuccesses = 0
		return true, conn.BreakerState

	case types.BreakerHalfOpen:
		return true, conn.BreakerState

	default:
		return true, conn.BreakerState
	}
}

// Success records a successful cycle. In CLOSED it resets the failure
// count. In HALF_OPEN it increments the probe-success count and closes
// the breaker once the threshold is reached.
func (b *Breaker) Success(now time.Time) {
	conn := b.conn
	switch conn.BreakerState {
	case types.BreakerClosed:
		conn.FailureCount = 0

	case types.BreakerHalfOpen:
		conn.HalfOpenSuccesses++
		if conn.HalfOpenSuccesses >= HalfOpenSuccessThreshold {
			conn.BreakerState = types.BreakerClosed
			conn.FailureCount = 0
			conn.HalfOpenSuccesses = 0
			conn.EarliestRetryAt = nil
		}
	}
}

// Failure records a failed cycle. In CLOSED it increments the failure
// count, tripping to OPEN once the threshold is reached. In HALF_OPEN
// any failure reopens the breaker immediately.
func (b *Breaker) Failure(now time.Time) {
	conn := b.conn
	switch conn.BreakerState {
	case types.BreakerClosed:
		conn.FailureCount++
		if conn.FailureCount >= FailureThreshold {
			b.trip(now)
		}

	case types.BreakerHalfOpen:
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	conn := b.conn
	conn.BreakerState = types.BreakerOpen
	earliest := now.Add(OpenWindow)
	conn.EarliestRetryAt = &earliest
	conn.HalfOpenSuccesses = 0
}

// Reset clears the breaker to CLOSED, as the operator `breaker reset`
// command does.
func (b *Breaker) Reset() {
	conn := b.conn
	conn.BreakerState = types.BreakerClosed
	conn.FailureCount = 0
	conn.HalfOpenSuccesses = 0
	conn.EarliestRetryAt = nil
}
