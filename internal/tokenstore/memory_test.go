package tokenstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertThenGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := &Record{TenantID: "t1", LastRefresh: time.Now()}
	require.NoError(t, store.Upsert(ctx, rec))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.TenantID)
}

func TestMemoryStoreGetMissingReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreMarkNeedsReauth(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, &Record{TenantID: "t1"}))

	require.NoError(t, store.MarkNeedsReauth(ctx, "t1"))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, got.NeedsReauth)
}

func TestMemoryStoreListActiveExcludesNeedsReauth(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, &Record{TenantID: "active"}))
	require.NoError(t, store.Upsert(ctx, &Record{TenantID: "stale", NeedsReauth: true}))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "active", active[0].TenantID)
}

// TestMemoryStoreUpsertAtomicToReaders exercises the "all or nothing" upsert
// contract: a concurrent reader must never observe a torn write between the
// old and new Record.
func TestMemoryStoreUpsertAtomicToReaders(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(ctx, &Record{TenantID: "t1", ConsecutiveFailures: 0}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			store.Upsert(ctx, &Record{TenantID: "t1", ConsecutiveFailures: i})
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				rec, err := store.Get(ctx, "t1")
				require.NoError(t, err)
				require.GreaterOrEqual(t, rec.ConsecutiveFailures, 0)
			}
		}
	}()

	wg.Wait()
}
