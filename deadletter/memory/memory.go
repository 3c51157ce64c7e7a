// Package memory provides an in-memory deadletter.Store.
//
// Events are kept as values, not in codec form. Suitable for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rbaliyan/mailbus/deadletter"
	"github.com/rbaliyan/mailbus/event"
)

// Store is an in-memory dead-letter store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	groups map[event.Group]*bucket
}

type bucket struct {
	order  []deadletter.InsertionID
	events map[deadletter.InsertionID]event.Event
}

var _ deadletter.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{groups: make(map[event.Group]*bucket)}
}

func (s *Store) Store(_ context.Context, group event.Group, ev event.Event) (deadletter.InsertionID, error) {
	if group == "" {
		return "", event.ErrInvalidGroup
	}
	id := deadletter.NewInsertionID()

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.groups[group]
	if !ok {
		b = &bucket{events: make(map[deadletter.InsertionID]event.Event)}
		s.groups[group] = b
	}
	b.order = append(b.order, id)
	b.events[id] = ev
	return id, nil
}

func (s *Store) Failed(_ context.Context, group event.Group, id deadletter.InsertionID) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.groups[group]
	if !ok {
		return nil, deadletter.ErrNotFound
	}
	ev, ok := b.events[id]
	if !ok {
		return nil, deadletter.ErrNotFound
	}
	return ev, nil
}

func (s *Store) FailedIDs(_ context.Context, group event.Group) ([]deadletter.InsertionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	return append([]deadletter.InsertionID(nil), b.order...), nil
}

// GroupsWithFailedEvents returns the groups sorted by name.
func (s *Store) GroupsWithFailedEvents(_ context.Context) ([]event.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]event.Group, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups, nil
}

func (s *Store) Remove(_ context.Context, group event.Group, id deadletter.InsertionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.groups[group]
	if !ok {
		return nil
	}
	if _, ok := b.events[id]; !ok {
		return nil
	}
	delete(b.events, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if len(b.order) == 0 {
		delete(s.groups, group)
	}
	return nil
}

func (s *Store) RemoveGroup(_ context.Context, group event.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group)
	return nil
}

func (s *Store) ContainEvents(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups) > 0, nil
}

// Len returns the number of entries in group.
func (s *Store) Len(group event.Group) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.groups[group]; ok {
		return len(b.order)
	}
	return 0
}
