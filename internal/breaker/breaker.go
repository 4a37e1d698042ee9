// Package breaker implements a per-(tenant, target) circuit breaker guarding
// calls to Zoho's identity endpoint and the SDP REST API. It is grounded in
// the single-flight/backoff idiom used by erauner12-toolbridge-api's
// TokenBroker, generalized into an explicit CLOSED/OPEN/HALF_OPEN state
// machine because the broker's cache alone does not shed load from a
// genuinely down dependency.
package breaker

import (
	"sync"
	"time"
)

// Target identifies which upstream dependency a breaker instance protects.
// Identity and API failures are tracked independently: Zoho's accounts
// service and its REST API can be degraded independently of each other.
type Target string

const (
	TargetIdentity Target = "identity"
	TargetAPI      Target = "api"
)

// State is one of the three circuit-breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	// FailureThreshold is the number of consecutive genuine failures that
	// trips a CLOSED breaker to OPEN.
	FailureThreshold = 5
	// ResetTimeout is how long an OPEN breaker waits before moving to
	// HALF_OPEN and admitting calls again.
	ResetTimeout = 300 * time.Second
	// SuccessThreshold is the number of consecutive successes a HALF_OPEN
	// breaker needs to close again.
	SuccessThreshold = 2
)

// Snapshot is the externally visible, persistable state of a breaker. It
// mirrors tokenstore.BreakerState field-for-field so TokenStorePersister can
// round-trip it through storage.
type Snapshot struct {
	State              State
	ConsecutiveFails   int
	ConsecutiveSuccess int
	OpenedAt           time.Time
}

// Breaker is a single (tenant, target) state machine. It is not safe for
// concurrent use by itself — callers go through Manager, which serializes
// access per key.
type Breaker struct {
	snap Snapshot
}

// FromSnapshot rehydrates a Breaker from persisted state (e.g. after a
// process restart), so a breaker that was OPEN does not silently reset to
// CLOSED just because the in-memory copy was lost.
func FromSnapshot(s Snapshot) *Breaker {
	if s.State == "" {
		s.State = StateClosed
	}
	return &Breaker{snap: s}
}

// Snapshot returns the current persistable state.
func (b *Breaker) Snapshot() Snapshot {
	return b.snap
}

// Allow reports whether a call may proceed right now, transitioning
// OPEN->HALF_OPEN when ResetTimeout has elapsed.
func (b *Breaker) Allow(now time.Time) bool {
	switch b.snap.State {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.Sub(b.snap.OpenedAt) >= ResetTimeout {
			b.snap.State = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RetryAfter reports how long the caller must wait before Allow will pass
// again. Only meaningful when Allow returns false.
func (b *Breaker) RetryAfter(now time.Time) time.Duration {
	if b.snap.State != StateOpen {
		return 0
	}
	remaining := ResetTimeout - now.Sub(b.snap.OpenedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess registers a genuine success, closing a HALF_OPEN breaker
// once SuccessThreshold consecutive successes have been observed.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.snap.ConsecutiveFails = 0
	switch b.snap.State {
	case StateHalfOpen:
		b.snap.ConsecutiveSuccess++
		if b.snap.ConsecutiveSuccess >= SuccessThreshold {
			b.snap.State = StateClosed
			b.snap.ConsecutiveSuccess = 0
			b.snap.OpenedAt = time.Time{}
		}
	case StateClosed:
		b.snap.ConsecutiveSuccess = 0
	}
}

// RecordFailure registers a genuine failure (5xx, network error, or
// identity-provider refusal — never a tenant-caused 4xx). A single failure
// while HALF_OPEN immediately reopens the breaker; FailureThreshold
// consecutive failures while CLOSED trips it open.
func (b *Breaker) RecordFailure(now time.Time) {
	b.snap.ConsecutiveSuccess = 0
	switch b.snap.State {
	case StateHalfOpen:
		b.trip(now)
	case StateClosed:
		b.snap.ConsecutiveFails++
		if b.snap.ConsecutiveFails >= FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.snap.State = StateOpen
	b.snap.OpenedAt = now
	b.snap.ConsecutiveFails = 0
}

type lockedBreaker struct {
	mu sync.Mutex
	b  *Breaker
}
