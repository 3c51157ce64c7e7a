// Package event defines the values distributed by the mail event bus: events,
// the groups that durably consume them and the registration keys that select
// them for live, per-node listeners.
//
// The types here carry no transport logic. The mailbus package re-exports them.
package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors for the event package.
var (
	// ErrInvalidEventID is returned when an event id is not a UUID.
	ErrInvalidEventID = errors.New("event: invalid event id")

	// ErrInvalidGroup is returned when a group name is empty or malformed.
	ErrInvalidGroup = errors.New("event: invalid group")

	// ErrInvalidRoutingKey is returned when a routing key cannot be turned back
	// into a RegistrationKey. Its text is stable and may be matched by tooling.
	ErrInvalidRoutingKey = errors.New("mailbus: can not deserialize the following routing key")
)

// ID identifies an event across nodes and retries.
type ID string

// NewID returns a random event id.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID validates s as an event id.
func ParseID(s string) (ID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventID, s)
	}
	return ID(s), nil
}

func (id ID) String() string {
	return string(id)
}

// Event is an immutable domain fact. Implementations must be serializable by
// the codec they are dispatched with.
type Event interface {
	// EventID identifies this event.
	EventID() ID
	// Username is the account the event relates to.
	Username() string
}

// Group identifies a durable listener class. Every node registering the same
// group competes on one work queue, so a dispatched event reaches the group once.
type Group string

// DispatchingFailureGroup collects events whose publication to the broker failed.
const DispatchingFailureGroup Group = "mailbus.DispatchingFailureGroup"

// ParseGroup deserializes a group.
func ParseGroup(s string) (Group, error) {
	if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroup, s)
	}
	return Group(s), nil
}

// AsString returns the serialized form, used in queue names and dead-letter rows.
func (g Group) AsString() string {
	return string(g)
}

func (g Group) String() string {
	return string(g)
}
