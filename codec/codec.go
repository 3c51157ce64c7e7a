// Package codec converts events to and from their transport form.
//
// Events travel as a small JSON envelope naming the registered event type:
//
//	{"type":"mailevent.MessageAdded","event":{...}}
//
// The same bytes are used on the durable broker, in the dead-letter stores and
// inside key-channel frames (see [Frame]), so every node of a cluster must
// register the same event types under the same names.
//
// A [JSONSerializer] keys types by the dynamic type of the event value. Register
// a factory returning a pointer and dispatch pointers:
//
//	s := codec.NewJSONSerializer()
//	s.Register("mailevent.MessageAdded", func() event.Event { return &mailevent.MessageAdded{} })
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rbaliyan/mailbus/event"
)

// Sentinel errors.
var (
	// ErrMalformedEvent is returned when bytes do not decode to a registered event.
	ErrMalformedEvent = errors.New("codec: malformed event")

	// ErrUnregisteredEvent is returned when serializing an event whose type was
	// never registered.
	ErrUnregisteredEvent = errors.New("codec: unregistered event type")
)

// Serializer converts events to bytes and back.
type Serializer interface {
	Serialize(ev event.Event) ([]byte, error)
	Deserialize(data []byte) (event.Event, error)
}

// Factory returns a new zero event, as a pointer, for decoding into.
type Factory func() event.Event

type envelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// JSONSerializer is a Serializer backed by encoding/json and a type registry.
// It is safe for concurrent use.
type JSONSerializer struct {
	mu     sync.RWMutex
	byName map[string]Factory
	nameOf map[reflect.Type]string
}

var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer returns an empty serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{
		byName: make(map[string]Factory),
		nameOf: make(map[reflect.Type]string),
	}
}

// Register binds typeName to the events produced by factory. Both the pointer
// and the value type of the produced event serialize under typeName.
func (s *JSONSerializer) Register(typeName string, factory Factory) {
	if typeName == "" || factory == nil {
		return
	}
	t := reflect.TypeOf(factory())
	if t == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[typeName] = factory
	s.nameOf[t] = typeName
	if t.Kind() == reflect.Pointer {
		s.nameOf[t.Elem()] = typeName
	}
}

// Types returns the registered type names, sorted.
func (s *JSONSerializer) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Serialize encodes ev inside a typed envelope.
func (s *JSONSerializer) Serialize(ev event.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrUnregisteredEvent)
	}
	s.mu.RLock()
	name, ok := s.nameOf[reflect.TypeOf(ev)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregisteredEvent, ev)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %s: %w", name, err)
	}
	return json.Marshal(envelope{Type: name, Event: payload})
}

// Deserialize decodes an envelope produced by Serialize. Any failure, including
// an unknown type, wraps ErrMalformedEvent.
func (s *JSONSerializer) Deserialize(data []byte) (event.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" || len(env.Event) == 0 {
		return nil, fmt.Errorf("%w: missing type or payload", ErrMalformedEvent)
	}

	s.mu.RLock()
	factory, ok := s.byName[env.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}

	ev := factory()
	if err := json.Unmarshal(env.Event, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	if ev.EventID() == "" {
		return nil, fmt.Errorf("%w: %s: missing event id", ErrMalformedEvent, env.Type)
	}
	return ev, nil
}
