package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	snaps map[key]Snapshot
}

func newFakePersister() *fakePersister {
	return &fakePersister{snaps: make(map[key]Snapshot)}
}

func (f *fakePersister) LoadBreaker(_ context.Context, tenantID string, target Target) (Snapshot, error) {
	s, ok := f.snaps[key{tenantID, target}]
	if !ok {
		return Snapshot{State: StateClosed}, nil
	}
	return s, nil
}

func (f *fakePersister) SaveBreaker(_ context.Context, tenantID string, target Target, snap Snapshot) error {
	f.snaps[key{tenantID, target}] = snap
	return nil
}

func TestBreakerTripsAfterThresholdFailures(t *testing.T) {
	b := FromSnapshot(Snapshot{State: StateClosed})
	now := time.Now()

	for i := 0; i < FailureThreshold-1; i++ {
		b.RecordFailure(now)
		require.Equal(t, StateClosed, b.Snapshot().State)
	}
	b.RecordFailure(now)
	require.Equal(t, StateOpen, b.Snapshot().State)
}

func TestBreakerStaysOpenUntilResetTimeout(t *testing.T) {
	b := FromSnapshot(Snapshot{State: StateOpen, OpenedAt: time.Now()})
	require.False(t, b.Allow(time.Now().Add(ResetTimeout/2)))
	require.True(t, b.Allow(time.Now().Add(ResetTimeout+time.Second)))
	require.Equal(t, StateHalfOpen, b.Snapshot().State)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := FromSnapshot(Snapshot{State: StateHalfOpen})
	now := time.Now()
	for i := 0; i < SuccessThreshold-1; i++ {
		b.RecordSuccess(now)
		require.Equal(t, StateHalfOpen, b.Snapshot().State)
	}
	b.RecordSuccess(now)
	require.Equal(t, StateClosed, b.Snapshot().State)
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	b := FromSnapshot(Snapshot{State: StateHalfOpen})
	now := time.Now()
	b.RecordFailure(now)
	require.Equal(t, StateOpen, b.Snapshot().State)
}

func TestManagerPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	p := newFakePersister()
	m1 := NewManager(p)

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, m1.RecordFailure(ctx, "t1", TargetAPI))
	}
	state, err := m1.State(ctx, "t1", TargetAPI)
	require.NoError(t, err)
	require.Equal(t, StateOpen, state)

	// A second Manager backed by the same persister must observe the
	// persisted OPEN state rather than starting fresh.
	m2 := NewManager(p)
	allowed, retryAfter, err := m2.Allow(ctx, "t1", TargetAPI)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestManagerTracksTargetsIndependently(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakePersister())

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, m.RecordFailure(ctx, "t1", TargetIdentity))
	}

	identityState, err := m.State(ctx, "t1", TargetIdentity)
	require.NoError(t, err)
	require.Equal(t, StateOpen, identityState)

	apiState, err := m.State(ctx, "t1", TargetAPI)
	require.NoError(t, err)
	require.Equal(t, StateClosed, apiState)
}
