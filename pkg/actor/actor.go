// Package actor is the message-loop scaffold the image cache is built on: an
// inbox channel, a set of named timers, and a taskgroup.Group of owned
// background work. Machines and instances do not run on it.
//
// Go's standard library has nothing like tokio_util's DelayQueue, so timers
// are a map of *time.Timer plus a channel the fired value is delivered on
// once its deadline passes; InsertTimer/RemoveTimer play the role the
// original's DelayQueue key did.
package actor

import (
	"context"
	"sync"
	"time"

	"github.com/vmmd-project/vmmd/pkg/taskgroup"
)

// StopReason explains why Update stopped yielding events.
type StopReason int

const (
	StopClosed StopReason = iota
	StopAborted
	StopCancelled
)

// EventKind tags which field of an Event is populated.
type EventKind int

const (
	EventMessage EventKind = iota
	EventTimer
	EventStopped
)

// Event is the sum type Update returns: exactly one of Message or Timer is
// meaningful, depending on Kind, unless Kind is EventStopped.
type Event[Message any, Timer any] struct {
	Kind       EventKind
	Message    Message
	Timer      Timer
	StopReason StopReason
}

// DefaultShutdownTimeout bounds how long a graceful shutdown waits for owned
// tasks before forcefully aborting them.
const DefaultShutdownTimeout = 5 * time.Second

// TimerKey references a timer previously installed with InsertTimer.
type TimerKey uint64

// Actor is the generic scaffold. Message is the inbox element type, Timer is
// the payload carried by named timers, and Return is the result type of
// tasks spawned on Tasks().
type Actor[Message any, Timer any, Return any] struct {
	inbox  <-chan Message
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group[Return]

	shutdownTimeout time.Duration

	mu           sync.Mutex
	timers       map[TimerKey]*time.Timer
	nextTimerKey TimerKey
	shutdown     bool

	timerFired chan Timer
	stopped    chan StopReason
}

// New builds an Actor reading from inbox, whose tasks and timers are
// descendants of ctx.
func New[Message any, Timer any, Return any](ctx context.Context, inbox <-chan Message) *Actor[Message, Timer, Return] {
	actorCtx, cancel := context.WithCancel(ctx)
	return &Actor[Message, Timer, Return]{
		inbox:           inbox,
		ctx:             actorCtx,
		cancel:          cancel,
		tasks:           taskgroup.New[Return](actorCtx),
		shutdownTimeout: DefaultShutdownTimeout,
		timers:          make(map[TimerKey]*time.Timer),
		timerFired:      make(chan Timer),
		stopped:         make(chan StopReason, 1),
	}
}

// Tasks exposes the actor's owned task group, for spawning background work
// that should be cancelled or aborted alongside the actor itself.
func (a *Actor[Message, Timer, Return]) Tasks() *taskgroup.Group[Return] {
	return a.tasks
}

// SetShutdownTimeout overrides DefaultShutdownTimeout; callers must do this
// before the actor starts shutting down.
func (a *Actor[Message, Timer, Return]) SetShutdownTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdownTimeout = d
}

// InsertTimer schedules value to be delivered through Update after d elapses.
func (a *Actor[Message, Timer, Return]) InsertTimer(value Timer, d time.Duration) TimerKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.nextTimerKey
	a.nextTimerKey++

	t := time.AfterFunc(d, func() {
		select {
		case a.timerFired <- value:
		case <-a.ctx.Done():
		}
		a.mu.Lock()
		delete(a.timers, key)
		a.mu.Unlock()
	})
	a.timers[key] = t
	return key
}

// RemoveTimer cancels a previously installed timer. Removing an unknown or
// already-fired key is a no-op.
func (a *Actor[Message, Timer, Return]) RemoveTimer(key TimerKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}
}

// Shutdown requests a graceful stop: owned tasks are cancelled and waited
// on, up to the shutdown timeout, after which they are forcefully aborted.
// Update eventually yields a single EventStopped.
func (a *Actor[Message, Timer, Return]) Shutdown() {
	a.cancel()
}

// IsRunning reports whether Update may still yield a Message or Timer event.
// It flips false as soon as the actor begins shutting down — the inbox has
// closed or the outer context has been cancelled — and stays false once
// Update has yielded EventStopped.
func (a *Actor[Message, Timer, Return]) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.shutdown
}

// Update blocks until a message arrives, a timer fires, or the actor is
// shutting down. Once it returns an EventStopped, it must not be called
// again.
func (a *Actor[Message, Timer, Return]) Update() Event[Message, Timer] {
	select {
	case msg, ok := <-a.inbox:
		if !ok {
			a.beginShutdown(false)
			return Event[Message, Timer]{Kind: EventStopped, StopReason: <-a.stopped}
		}
		return Event[Message, Timer]{Kind: EventMessage, Message: msg}
	case tv := <-a.timerFired:
		return Event[Message, Timer]{Kind: EventTimer, Timer: tv}
	case <-a.ctx.Done():
		a.beginShutdown(true)
		return Event[Message, Timer]{Kind: EventStopped, StopReason: <-a.stopped}
	}
}

func (a *Actor[Message, Timer, Return]) beginShutdown(viaCancel bool) {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	timeout := a.shutdownTimeout
	a.mu.Unlock()

	go func() {
		done := make(chan struct{})
		go func() {
			a.tasks.Cancel()
			close(done)
		}()

		select {
		case <-done:
			if viaCancel {
				a.stopped <- StopCancelled
			} else {
				a.stopped <- StopClosed
			}
		case <-time.After(timeout):
			a.tasks.AbortAll()
			a.stopped <- StopAborted
		}
	}()
}
