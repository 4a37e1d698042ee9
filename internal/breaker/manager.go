package breaker

import (
	"context"
	"sync"
	"time"
)

// Persister loads and saves breaker snapshots keyed by (tenantID, target).
// TokenStorePersister adapts internal/tokenstore.Store to this interface so
// breaker state survives a process restart.
type Persister interface {
	LoadBreaker(ctx context.Context, tenantID string, target Target) (Snapshot, error)
	SaveBreaker(ctx context.Context, tenantID string, target Target, snap Snapshot) error
}

type key struct {
	tenantID string
	target   Target
}

// Manager caches one Breaker per (tenant, target) pair in memory, backed by
// a Persister for durability. Access to a given pair is serialized; access
// to different pairs never blocks.
type Manager struct {
	persist Persister

	mu    sync.Mutex
	cache map[key]*lockedBreaker
}

// NewManager builds a Manager over the given Persister.
func NewManager(persist Persister) *Manager {
	return &Manager{persist: persist, cache: make(map[key]*lockedBreaker)}
}

// entry returns the cached lockedBreaker for (tenantID, target), creating
// and loading it from the Persister if this is the pair's first access.
// Initialization of lb.b happens under lb.mu, which this function always
// acquires before returning — even on the cache-hit path — so a second
// goroutine that observes a just-created, not-yet-loaded entry in the map
// can never hand its caller a lockedBreaker whose b is still nil.
func (m *Manager) entry(ctx context.Context, tenantID string, target Target) (*lockedBreaker, error) {
	m.mu.Lock()
	k := key{tenantID, target}
	lb, ok := m.cache[k]
	if !ok {
		lb = &lockedBreaker{}
		m.cache[k] = lb
	}
	m.mu.Unlock()

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.b == nil {
		snap, err := m.persist.LoadBreaker(ctx, tenantID, target)
		if err != nil {
			return nil, err
		}
		lb.b = FromSnapshot(snap)
	}
	return lb, nil
}

// Allow reports whether a call to target is currently permitted for tenant.
func (m *Manager) Allow(ctx context.Context, tenantID string, target Target) (bool, time.Duration, error) {
	lb, err := m.entry(ctx, tenantID, target)
	if err != nil {
		return false, 0, err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	allowed := lb.b.Allow(now)
	retryAfter := lb.b.RetryAfter(now)
	return allowed, retryAfter, nil
}

// RecordSuccess records a genuine success against (tenant, target) and
// persists the resulting state.
func (m *Manager) RecordSuccess(ctx context.Context, tenantID string, target Target) error {
	lb, err := m.entry(ctx, tenantID, target)
	if err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.b.RecordSuccess(time.Now())
	return m.persist.SaveBreaker(ctx, tenantID, target, lb.b.Snapshot())
}

// RecordFailure records a genuine failure against (tenant, target) and
// persists the resulting state. Callers must not call this for
// tenant-caused 4xx responses — only for 5xx, network errors, or identity
// refusals, per the distinction the state machine exists to make.
func (m *Manager) RecordFailure(ctx context.Context, tenantID string, target Target) error {
	lb, err := m.entry(ctx, tenantID, target)
	if err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.b.RecordFailure(time.Now())
	return m.persist.SaveBreaker(ctx, tenantID, target, lb.b.Snapshot())
}

// State returns the current state of (tenant, target) without side effects,
// for diagnostics.
func (m *Manager) State(ctx context.Context, tenantID string, target Target) (State, error) {
	lb, err := m.entry(ctx, tenantID, target)
	if err != nil {
		return "", err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.Snapshot().State, nil
}

// Reset forces (tenant, target) back to CLOSED with its failure/success
// counters cleared, the administrative override an operator triggers via
// the reset-breaker endpoint when they know a dependency has recovered
// faster than the breaker's own ResetTimeout would detect.
func (m *Manager) Reset(ctx context.Context, tenantID string, target Target) error {
	lb, err := m.entry(ctx, tenantID, target)
	if err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.b = FromSnapshot(Snapshot{State: StateClosed})
	return m.persist.SaveBreaker(ctx, tenantID, target, lb.b.Snapshot())
}
