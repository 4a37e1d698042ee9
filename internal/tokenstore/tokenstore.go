// Package tokenstore persists encrypted per-tenant credential records and
// provides atomic read-modify-write semantics. It never performs crypto
// itself — callers hand it already-encrypted blobs (see internal/cryptobox).
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a tenant id.
var ErrNotFound = errors.New("tokenstore: record not found")

// ErrStorageUnavailable is a retryable failure of the backing store.
var ErrStorageUnavailable = errors.New("tokenstore: storage unavailable")

// BreakerState is a persisted snapshot of one CircuitBreaker's state, so a
// process restart does not silently reopen a breaker that was protecting a
// failing dependency.
type BreakerState struct {
	State              string // "closed", "open", "half_open"
	ConsecutiveFails   int
	ConsecutiveSuccess int
	OpenedAt           time.Time
}

// Record is one tenant's credential record (§3 Data Model). It also carries
// the onboarding-time tenant attributes (data center, base URL, instance,
// client id, encrypted client secret) since they share the record's
// lifetime and atomic-upsert contract; a separate tenant table would only
// duplicate that contract for no benefit.
type Record struct {
	TenantID              string
	DataCenter            string
	BaseURL               string
	Instance              string
	ClientID              string
	EncryptedClientSecret []byte
	Name                  string
	Email                 string
	EncryptedRefreshToken []byte
	EncryptedAccessToken  []byte
	AccessTokenExpiresAt  time.Time
	Scopes                []string
	NeedsReauth           bool
	LastRefresh           time.Time
	ConsecutiveFailures   int
	IdentityBreaker       BreakerState
	APIBreaker            BreakerState
}

// HasRefreshToken reports whether initial onboarding has completed for this
// tenant (a refresh token exists iff setup completed).
func (r *Record) HasRefreshToken() bool {
	return len(r.EncryptedRefreshToken) > 0
}

// Store persists Records. Upsert must be atomic with respect to concurrent
// readers: a reader either observes the prior record in full or the new one
// in full, never a mixture. Implementations must also be safe against a
// process crash mid-write.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	MarkNeedsReauth(ctx context.Context, tenantID string) error
	ListActive(ctx context.Context) ([]*Record, error)
}
