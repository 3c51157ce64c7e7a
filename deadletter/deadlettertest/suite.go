// Package deadlettertest holds a behavioral test suite shared by the
// deadletter.Store implementations.
package deadlettertest

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/deadletter"
	"github.com/rbaliyan/mailbus/event"
)

// Event is the event type used by the suite.
type Event struct {
	ID   event.ID `json:"event_id"`
	User string   `json:"username"`
	Body string   `json:"body"`
}

func (e *Event) EventID() event.ID { return e.ID }
func (e *Event) Username() string  { return e.User }

// TypeName is the codec name of Event.
const TypeName = "deadlettertest.Event"

// Serializer returns a serializer that knows Event.
func Serializer() *codec.JSONSerializer {
	s := codec.NewJSONSerializer()
	s.Register(TypeName, func() event.Event { return &Event{} })
	return s
}

// NewEvent returns an Event with a fresh id.
func NewEvent(body string) *Event {
	return &Event{ID: event.NewID(), User: "bob@domain.tld", Body: body}
}

// Run exercises store. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) deadletter.Store) {
	t.Helper()
	ctx := context.Background()
	groupA := event.Group("mailbus.test.GroupA")
	groupB := event.Group("mailbus.test.GroupB")

	t.Run("empty store", func(t *testing.T) {
		s := newStore(t)
		has, err := s.ContainEvents(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if has {
			t.Error("expected no events")
		}
		groups, err := s.GroupsWithFailedEvents(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 0 {
			t.Errorf("expected no groups, got %v", groups)
		}
		ids, err := s.FailedIDs(ctx, groupA)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids, got %v", ids)
		}
	})

	t.Run("store and fetch", func(t *testing.T) {
		s := newStore(t)
		in := NewEvent("hello")
		id, err := s.Store(ctx, groupA, in)
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("expected insertion id")
		}
		got, err := s.Failed(ctx, groupA, id)
		if err != nil {
			t.Fatal(err)
		}
		out, ok := got.(*Event)
		if !ok {
			t.Fatalf("unexpected type %T", got)
		}
		if *out != *in {
			t.Errorf("got %+v, want %+v", out, in)
		}
		if _, err := s.Failed(ctx, groupB, id); !errors.Is(err, deadletter.ErrNotFound) {
			t.Errorf("expected ErrNotFound in another group, got %v", err)
		}
		if _, err := s.Failed(ctx, groupA, deadletter.NewInsertionID()); !errors.Is(err, deadletter.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown id, got %v", err)
		}
	})

	t.Run("same event stored twice", func(t *testing.T) {
		s := newStore(t)
		ev := NewEvent("twice")
		id1, err := s.Store(ctx, groupA, ev)
		if err != nil {
			t.Fatal(err)
		}
		id2, err := s.Store(ctx, groupA, ev)
		if err != nil {
			t.Fatal(err)
		}
		if id1 == id2 {
			t.Fatal("expected distinct insertion ids")
		}
		ids, err := s.FailedIDs(ctx, groupA)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 2 || ids[0] != id1 || ids[1] != id2 {
			t.Errorf("got %v, want [%s %s]", ids, id1, id2)
		}
	})

	t.Run("groups", func(t *testing.T) {
		s := newStore(t)
		for _, g := range []event.Group{groupB, groupA, groupB} {
			if _, err := s.Store(ctx, g, NewEvent("x")); err != nil {
				t.Fatal(err)
			}
		}
		groups, err := s.GroupsWithFailedEvents(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 2 {
			t.Fatalf("got %v, want two groups", groups)
		}
		seen := map[event.Group]bool{}
		for _, g := range groups {
			seen[g] = true
		}
		if !seen[groupA] || !seen[groupB] {
			t.Errorf("unexpected groups %v", groups)
		}
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Store(ctx, groupA, NewEvent("x"))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Remove(ctx, groupA, id); err != nil {
			t.Fatal(err)
		}
		if err := s.Remove(ctx, groupA, id); err != nil {
			t.Errorf("second remove should be a no-op, got %v", err)
		}
		if _, err := s.Failed(ctx, groupA, id); !errors.Is(err, deadletter.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		has, err := s.ContainEvents(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if has {
			t.Error("expected empty store after remove")
		}
	})

	t.Run("remove group", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			if _, err := s.Store(ctx, groupA, NewEvent("x")); err != nil {
				t.Fatal(err)
			}
		}
		keep, err := s.Store(ctx, groupB, NewEvent("keep"))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.RemoveGroup(ctx, groupA); err != nil {
			t.Fatal(err)
		}
		ids, err := s.FailedIDs(ctx, groupA)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 0 {
			t.Errorf("expected group A purged, got %v", ids)
		}
		if _, err := s.Failed(ctx, groupB, keep); err != nil {
			t.Errorf("group B entry must survive, got %v", err)
		}
	})
}
