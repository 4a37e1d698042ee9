// Package ratecoord enforces the hard provider-imposed rate caps on
// refresh-token exchanges ("no more than one per tenant per 180s, and no
// more than ten within any 600s window") plus advisory per-tenant call
// budgets against the upstream API.
//
// A single-instance deployment can use the in-process Store; a
// multi-instance deployment backs the same interface with Redis so the
// invariant holds globally (§4.3, §9 open question on multi-instance
// coordination — this package commits to "either is fine", not to a
// leader-election scheme).
package ratecoord

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// RefreshMinGap is the minimum spacing between two successful refresh
	// exchanges for the same tenant.
	RefreshMinGap = 180 * time.Second
	// RefreshWindow is the sliding window over which at most RefreshMax
	// exchanges may occur.
	RefreshWindow = 600 * time.Second
	// RefreshMax is the maximum number of refresh exchanges allowed inside
	// RefreshWindow.
	RefreshMax = 10
)

// Decision is the outcome of a reservation request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store is the backing state for refresh-window and call-budget tracking.
// Implementations must serialize operations per tenant; cross-tenant
// operations must not block each other.
type Store interface {
	// ReserveRefresh returns Allowed=true and records `now` iff
	// now-lastRefresh >= RefreshMinGap and fewer than RefreshMax timestamps
	// fall within [now-RefreshWindow, now]. The append only happens when
	// the grant is made.
	ReserveRefresh(ctx context.Context, tenantID string, now time.Time) (Decision, error)

	// RecordCall checks and increments the tenant's minute/hour/day request
	// counters, returning Allowed=false with RetryAfter if any is exhausted.
	RecordCall(ctx context.Context, tenantID string, now time.Time, limits CallLimits) (Decision, error)

	// Reset clears all rate-limit state for a tenant (administrative
	// override).
	Reset(ctx context.Context, tenantID string) error
}

// CallLimits bounds the three CallBudget fixed-window counters. Zero disables
// that window's check.
type CallLimits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultCallLimits returns generous defaults; these are advisory only — the
// provider may still reject calls its own budget permits.
func DefaultCallLimits() CallLimits {
	return CallLimits{PerMinute: 120, PerHour: 3000, PerDay: 20000}
}

// Coordinator is the façade TokenManager and UpstreamAdapter consult.
type Coordinator struct {
	store  Store
	limits CallLimits
}

// New builds a Coordinator over the given Store.
func New(store Store, limits CallLimits) *Coordinator {
	return &Coordinator{store: store, limits: limits}
}

// ReserveRefresh is the single hard invariant this package exists to
// preserve: callers may not bypass it. When the backing Store is
// unavailable, callers must treat that as Denied (fail closed) — see
// RedisStore, which returns ErrStoreUnavailable rather than silently
// allowing.
func (c *Coordinator) ReserveRefresh(ctx context.Context, tenantID string) (Decision, error) {
	now := time.Now()
	d, err := c.store.ReserveRefresh(ctx, tenantID, now)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("ratecoord: reserve_refresh failing closed")
		return Decision{Allowed: false, RetryAfter: RefreshMinGap}, err
	}
	return d, nil
}

// RecordCall checks the advisory call budget. Unlike ReserveRefresh, a
// store outage here fails open (with a logged warning) because failing
// closed would make every tool call unavailable whenever the counter store
// has a blip, which is a worse outcome than occasionally exceeding an
// advisory budget the provider enforces anyway.
func (c *Coordinator) RecordCall(ctx context.Context, tenantID string) (Decision, error) {
	now := time.Now()
	d, err := c.store.RecordCall(ctx, tenantID, now, c.limits)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("ratecoord: record_call failing open")
		return Decision{Allowed: true}, nil
	}
	return d, nil
}

// Reset clears a tenant's rate-limit state (administrative override).
func (c *Coordinator) Reset(ctx context.Context, tenantID string) error {
	return c.store.Reset(ctx, tenantID)
}
