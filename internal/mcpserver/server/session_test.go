package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionSubmitRunsHandlersInOrder(t *testing.T) {
	sm := NewSessionManager(context.Background(), time.Hour)
	defer sm.Shutdown()

	s := sm.Create(context.Background(), "tenant-1")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		s.Submit(func(context.Context) {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSessionCloseCancelsInFlightHandlers(t *testing.T) {
	s := newSession(context.Background(), "tenant-1")

	started := make(chan struct{})
	canceled := make(chan struct{})
	s.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	})
	<-started
	s.Close()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("handler was not canceled on session close")
	}
}

func TestSessionManagerGetAndRemove(t *testing.T) {
	sm := NewSessionManager(context.Background(), time.Hour)
	defer sm.Shutdown()

	s := sm.Create(context.Background(), "tenant-1")
	require.Equal(t, 1, sm.Count())

	got, err := sm.Get(s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)

	sm.Remove(s.ID)
	require.Equal(t, 0, sm.Count())

	_, err = sm.Get(s.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionIdleForReflectsElapsedTimeSinceTouch(t *testing.T) {
	s := newSession(context.Background(), "tenant-1")
	defer s.Close()

	past := time.Now().Add(-time.Hour)
	s.mu.Lock()
	s.lastActive = past
	s.mu.Unlock()

	require.GreaterOrEqual(t, s.idleFor(time.Now()), 59*time.Minute)

	s.touch()
	require.Less(t, s.idleFor(time.Now()), time.Second)
}
