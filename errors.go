package mailbus

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mailbus package.
// Use errors.Is() to check for these errors.
var (
	// ErrBrokerRequired is returned when no durable broker is configured.
	ErrBrokerRequired = errors.New("mailbus: broker is required")

	// ErrRedisRequired is returned when no Redis client is configured.
	ErrRedisRequired = errors.New("mailbus: redis client is required")

	// ErrNotStarted is returned when registering or dispatching on a bus that
	// is not started.
	ErrNotStarted = errors.New("mailbus: event bus is not started")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("mailbus: event bus is closed")

	// ErrNilEvent is returned when dispatching or redelivering a nil event.
	ErrNilEvent = errors.New("mailbus: nil event")

	// ErrGroupAlreadyRegistered is returned when a group is registered twice
	// on the same bus.
	ErrGroupAlreadyRegistered = errors.New("mailbus: group already registered")

	// ErrGroupRegistrationNotFound is returned when redelivering to a group
	// without a live listener on this bus.
	ErrGroupRegistrationNotFound = errors.New("mailbus: group registration not found")

	// ErrDispatchFailed is returned when an event could not be published to
	// the broker. The event was stored under DispatchingFailureGroup.
	ErrDispatchFailed = errors.New("mailbus: dispatch failed")

	// ErrKeyDispatchFailed is returned when the key path could not reach Redis
	// and failure ignore is off.
	ErrKeyDispatchFailed = errors.New("mailbus: key dispatch failed")

	// ErrListenerPanic wraps a panic raised by a listener.
	ErrListenerPanic = errors.New("mailbus: listener panicked")

	// ErrNilListener is returned when registering a nil listener.
	ErrNilListener = errors.New("mailbus: listener is nil")
)

// GroupRegistrationNotFoundError names the group that has no live listener.
type GroupRegistrationNotFoundError struct {
	Group Group
}

func (e *GroupRegistrationNotFoundError) Error() string {
	return fmt.Sprintf("mailbus: group registration not found: %s", e.Group)
}

func (e *GroupRegistrationNotFoundError) Unwrap() error {
	return ErrGroupRegistrationNotFound
}

// DispatchError reports a failed publication on the group path.
type DispatchError struct {
	EventID EventID
	// Stored is true when the event was saved under DispatchingFailureGroup.
	Stored bool
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Stored {
		return fmt.Sprintf("mailbus: dispatch of %s failed, stored for redelivery: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("mailbus: dispatch of %s failed: %v", e.EventID, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatchFailed, e.Err}
}

// KeyDispatchError reports a Redis failure on the key path.
type KeyDispatchError struct {
	// Op is the failing operation: dispatch, register, unregister, refresh or subscribe.
	Op         string
	RoutingKey string
	Err        error
}

func (e *KeyDispatchError) Error() string {
	if e.RoutingKey == "" {
		return fmt.Sprintf("mailbus: key %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mailbus: key %s of %s failed: %v", e.Op, e.RoutingKey, e.Err)
}

func (e *KeyDispatchError) Unwrap() []error {
	return []error{ErrKeyDispatchFailed, e.Err}
}

// IsGroupRegistrationNotFound reports whether err is a missing group registration.
func IsGroupRegistrationNotFound(err error) bool {
	return errors.Is(err, ErrGroupRegistrationNotFound)
}
