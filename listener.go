package mailbus

import (
	"context"
	"fmt"
	"sync"
)

// EventListener receives dispatched events.
type EventListener interface {
	Event(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to EventListener.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) Event(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// ExecutionMode tells how key listeners are run on delivery.
type ExecutionMode int

const (
	// ExecutionModeSync runs the listener on the delivering goroutine.
	ExecutionModeSync ExecutionMode = iota
	// ExecutionModeAsync runs the listener on its own goroutine.
	ExecutionModeAsync
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecutionModeSync:
		return "sync"
	case ExecutionModeAsync:
		return "async"
	default:
		return fmt.Sprintf("ExecutionMode(%d)", int(m))
	}
}

// ExecutionModeListener is implemented by listeners declaring their mode.
// Listeners that do not implement it are synchronous.
//
// Group listeners always run in the order of their work queue; the mode only
// applies to key listeners.
type ExecutionModeListener interface {
	EventListener
	ExecutionMode() ExecutionMode
}

type asyncListener struct {
	EventListener
}

func (asyncListener) ExecutionMode() ExecutionMode { return ExecutionModeAsync }

// Async marks l as asynchronous.
func Async(l EventListener) EventListener {
	return asyncListener{EventListener: l}
}

func executionMode(l EventListener) ExecutionMode {
	if m, ok := l.(ExecutionModeListener); ok {
		return m.ExecutionMode()
	}
	return ExecutionModeSync
}

// invoke runs l, turning a panic into an error.
func invoke(ctx context.Context, l EventListener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
		}
	}()
	return l.Event(ctx, ev)
}

// Registration ends a listener registration.
type Registration interface {
	// Unregister removes the listener. Calling it more than once is a no-op.
	Unregister(ctx context.Context) error
}

type registration struct {
	once       sync.Once
	unregister func(ctx context.Context) error
	err        error
}

func newRegistration(fn func(ctx context.Context) error) *registration {
	return &registration{unregister: fn}
}

func (r *registration) Unregister(ctx context.Context) error {
	r.once.Do(func() {
		r.err = r.unregister(ctx)
	})
	return r.err
}
