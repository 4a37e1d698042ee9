package ratecoord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserveRefreshDeniesWithinMinGap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(store, DefaultCallLimits())

	d, err := c.ReserveRefresh(ctx, "t1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = c.ReserveRefresh(ctx, "t1")
	require.NoError(t, err)
	require.False(t, d.Allowed, "second reservation inside 180s must be denied")
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

// TestRefreshInvariantHoldsUnderArbitraryInterleaving is the §8 property 1
// test: for any 600s window, at most 10 grants are observed and the minimum
// gap between any two successive grants is >= 180s. It drives the store with
// synthetic timestamps rather than sleeping in real time.
func TestRefreshInvariantHoldsUnderArbitraryInterleaving(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	var grants []time.Time

	// Drive 200 attempts spaced 37s apart (an interleaving that would
	// violate both rules if unchecked) and record which ones were granted.
	for i := 0; i < 200; i++ {
		now := base.Add(time.Duration(i) * 37 * time.Second)
		d, err := store.ReserveRefresh(ctx, "t1", now)
		require.NoError(t, err)
		if d.Allowed {
			grants = append(grants, now)
		}
	}

	require.NotEmpty(t, grants)
	for i := 1; i < len(grants); i++ {
		require.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), RefreshMinGap)
	}

	for i := range grants {
		count := 0
		for j := range grants {
			if grants[j].Sub(grants[i]) >= 0 && grants[j].Sub(grants[i]) < RefreshWindow {
				count++
			}
		}
		require.LessOrEqual(t, count, RefreshMax)
	}
}

func TestRecordCallEnforcesPerMinuteLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(store, CallLimits{PerMinute: 3})

	for i := 0; i < 3; i++ {
		d, err := c.RecordCall(ctx, "t1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := c.RecordCall(ctx, "t1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestResetClearsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(store, DefaultCallLimits())

	_, err := c.ReserveRefresh(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, c.Reset(ctx, "t1"))

	d, err := c.ReserveRefresh(ctx, "t1")
	require.NoError(t, err)
	require.True(t, d.Allowed, "reservation should succeed again after reset")
}

func TestZeroLimitDisablesWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(store, CallLimits{PerMinute: 0, PerHour: 0, PerDay: 0})

	for i := 0; i < 1000; i++ {
		d, err := c.RecordCall(ctx, "t1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}
