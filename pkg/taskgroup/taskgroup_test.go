package taskgroup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnAndWaitCompleted(t *testing.T) {
	g := New[int](context.Background())

	g.Spawn(func(ctx context.Context) int { return 7 })
	g.Spawn(func(ctx context.Context) int { return 8 })

	require.Eventually(t, func() bool { return g.Len() == 0 }, time.Second, time.Millisecond)
}

func TestCancelStopsCtxAwareTask(t *testing.T) {
	g := New[int](context.Background())

	started := make(chan struct{})
	g.Spawn(func(ctx context.Context) int {
		close(started)
		<-ctx.Done()
		return -1
	})

	<-started
	g.Cancel()
	require.Equal(t, 0, g.Len())
}

func TestAbortTaskDropsBookkeepingImmediately(t *testing.T) {
	g := New[int](context.Background())

	started := make(chan struct{})
	blocked := make(chan struct{})
	id := g.Spawn(func(ctx context.Context) int {
		close(started)
		<-blocked // never closed: simulates a non-ctx-aware task
		return 0
	})

	<-started
	require.True(t, g.AbortTask(id))
	require.Equal(t, 0, g.Len())
	require.False(t, g.AbortTask(id))
	close(blocked)
}

func TestAbortAll(t *testing.T) {
	g := New[int](context.Background())

	const n = 5
	starts := make(chan struct{}, n)
	blocked := make(chan struct{})
	for i := 0; i < n; i++ {
		g.Spawn(func(ctx context.Context) int {
			starts <- struct{}{}
			<-blocked
			return 0
		})
	}
	for i := 0; i < n; i++ {
		<-starts
	}

	g.AbortAll()
	require.Equal(t, 0, g.Len())
	close(blocked)
}
