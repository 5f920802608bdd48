package actor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdateYieldsMessage(t *testing.T) {
	inbox := make(chan string, 1)
	a := New[string, int, int](context.Background(), inbox)

	inbox <- "hello"
	ev := a.Update()
	require.Equal(t, EventMessage, ev.Kind)
	require.Equal(t, "hello", ev.Message)
}

func TestUpdateYieldsTimer(t *testing.T) {
	inbox := make(chan string)
	a := New[string, int, int](context.Background(), inbox)

	a.InsertTimer(42, 10*time.Millisecond)
	ev := a.Update()
	require.Equal(t, EventTimer, ev.Kind)
	require.Equal(t, 42, ev.Timer)
}

func TestRemoveTimerPreventsDelivery(t *testing.T) {
	inbox := make(chan string)
	a := New[string, int, int](context.Background(), inbox)

	key := a.InsertTimer(1, 20*time.Millisecond)
	a.RemoveTimer(key)

	inbox2 := make(chan string, 1)
	a.inbox = inbox2
	inbox2 <- "after"

	ev := a.Update()
	require.Equal(t, EventMessage, ev.Kind)
	require.Equal(t, "after", ev.Message)
}

func TestClosedInboxStopsClosed(t *testing.T) {
	inbox := make(chan string)
	a := New[string, int, int](context.Background(), inbox)
	close(inbox)

	ev := a.Update()
	require.Equal(t, EventStopped, ev.Kind)
	require.Equal(t, StopClosed, ev.StopReason)
}

func TestShutdownStopsCancelled(t *testing.T) {
	inbox := make(chan string)
	a := New[string, int, int](context.Background(), inbox)

	a.Shutdown()
	ev := a.Update()
	require.Equal(t, EventStopped, ev.Kind)
	require.Equal(t, StopCancelled, ev.StopReason)
}

func TestShutdownAbortsSlowTask(t *testing.T) {
	inbox := make(chan string)
	a := New[string, int, int](context.Background(), inbox)
	a.SetShutdownTimeout(10 * time.Millisecond)

	started := make(chan struct{})
	blocked := make(chan struct{})
	a.Tasks().Spawn(func(ctx context.Context) int {
		close(started)
		<-blocked
		return 0
	})
	<-started

	a.Shutdown()
	ev := a.Update()
	require.Equal(t, EventStopped, ev.Kind)
	require.Equal(t, StopAborted, ev.StopReason)
	close(blocked)
}
