package mailbus

import (
	"errors"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailbus/event"
)

// Core values, re-exported from the event package.
type (
	Event               = event.Event
	EventID             = event.ID
	Group               = event.Group
	RegistrationKey     = event.RegistrationKey
	KeyFactory          = event.KeyFactory
	KeyFactoryFunc      = event.KeyFactoryFunc
	RoutingKeyConverter = event.RoutingKeyConverter
	MailboxIDKey        = event.MailboxIDKey
	UsernameKey         = event.UsernameKey
)

// DispatchingFailureGroup collects events whose publication to the broker failed.
const DispatchingFailureGroup = event.DispatchingFailureGroup

// ParseGroup deserializes a group.
func ParseGroup(s string) (Group, error) {
	return event.ParseGroup(s)
}

// NewRoutingKeyConverter returns a converter for the built-in keys and factories.
func NewRoutingKeyConverter(factories ...KeyFactory) *RoutingKeyConverter {
	return event.NewRoutingKeyConverter(factories...)
}

// RoutingKey returns the wire form of key.
func RoutingKey(key RegistrationKey) string {
	return event.RoutingKey(key)
}

// ErrInvalidEventBusID is returned when an event bus id is not a UUID.
var ErrInvalidEventBusID = errors.New("mailbus: invalid event bus id")

// EventBusID identifies one running bus instance.
type EventBusID string

// NewEventBusID returns a random id.
func NewEventBusID() EventBusID {
	return EventBusID(uuid.NewString())
}

// ParseEventBusID validates s.
func ParseEventBusID(s string) (EventBusID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", ErrInvalidEventBusID
	}
	return EventBusID(s), nil
}

func (id EventBusID) String() string {
	return string(id)
}
