// Package deadletter defines the store for group deliveries that exhausted
// their retries, and for events whose publish failed.
//
// Entries are keyed by (group, insertion id). Operators list the failed ids
// of a group, fetch an event, redeliver it through the bus and remove it.
// Implementations are in deadletter/memory, deadletter/postgres and
// deadletter/mongo.
package deadletter

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailbus/event"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no entry exists for a (group, id) pair.
	ErrNotFound = errors.New("deadletter: not found")

	// ErrInvalidID is returned for an insertion id that is not a UUID.
	ErrInvalidID = errors.New("deadletter: invalid insertion id")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("deadletter: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("deadletter: already connected")
)

// InsertionID identifies one dead-letter entry within its group.
type InsertionID string

// NewInsertionID returns a random insertion id.
func NewInsertionID() InsertionID {
	return InsertionID(uuid.NewString())
}

// ParseInsertionID validates s.
func ParseInsertionID(s string) (InsertionID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", ErrInvalidID
	}
	return InsertionID(s), nil
}

func (id InsertionID) String() string {
	return string(id)
}

// Store persists dead letters.
type Store interface {
	// Store appends ev to group. Storing the same event twice creates two entries.
	Store(ctx context.Context, group event.Group, ev event.Event) (InsertionID, error)

	// Failed returns the event of one entry, or ErrNotFound.
	Failed(ctx context.Context, group event.Group, id InsertionID) (event.Event, error)

	// FailedIDs returns the insertion ids of group, oldest first.
	FailedIDs(ctx context.Context, group event.Group) ([]InsertionID, error)

	// GroupsWithFailedEvents returns the groups holding at least one entry.
	GroupsWithFailedEvents(ctx context.Context) ([]event.Group, error)

	// Remove deletes one entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, group event.Group, id InsertionID) error

	// RemoveGroup deletes every entry of group.
	RemoveGroup(ctx context.Context, group event.Group) error

	// ContainEvents reports whether any group holds an entry.
	ContainEvents(ctx context.Context) (bool, error)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
