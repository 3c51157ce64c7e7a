// Package naming derives every broker and cache object name used by an event bus
// from a single bus name.
//
// Names are part of the deployed state: durable queues and exchanges outlive the
// processes that declared them, so a rename strands already-provisioned queues.
// Changing any of the formats below is a breaking change.
package naming

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultBusName is the bus name used when none is configured.
const DefaultBusName = "mailboxEvent"

// ErrInvalidBusName is returned when a bus name cannot be used as a namespace.
var ErrInvalidBusName = errors.New("naming: invalid bus name")

// Strategy maps a bus name to all durable (broker) and ephemeral (cache) object
// names. Two strategies with different bus names never produce the same name:
// every name is the bus name followed by '-', and a bus name holds no '-'.
type Strategy struct {
	busName string
}

// New returns the strategy for busName.
// The name must be non-empty and made of ASCII letters, digits, '_' and '.'.
func New(busName string) (Strategy, error) {
	if busName == "" {
		return Strategy{}, ErrInvalidBusName
	}
	for _, r := range busName {
		if !validBusNameRune(r) {
			return Strategy{}, fmt.Errorf("%w: %q contains %q", ErrInvalidBusName, busName, r)
		}
	}
	return Strategy{busName: busName}, nil
}

func validBusNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.':
		return true
	}
	return false
}

// MustNew is like New but panics on an invalid name.
func MustNew(busName string) Strategy {
	s, err := New(busName)
	if err != nil {
		panic(err)
	}
	return s
}

// Default returns the strategy for DefaultBusName.
func Default() Strategy {
	return Strategy{busName: DefaultBusName}
}

// BusName returns the bus name.
func (s Strategy) BusName() string {
	return s.busName
}

// Exchange is the topic exchange every dispatched event is published to.
func (s Strategy) Exchange() string {
	return s.busName + "-exchange"
}

// DeadLetterExchange receives messages rejected by group consumers.
func (s Strategy) DeadLetterExchange() string {
	return s.busName + "-dead-letter-exchange"
}

// DeadLetterQueue stores messages routed through DeadLetterExchange.
func (s Strategy) DeadLetterQueue() string {
	return s.busName + "-dead-letter-queue"
}

// WorkQueue is the durable queue shared by every node registering group.
func (s Strategy) WorkQueue(group string) string {
	return s.busName + "-workQueue-" + group
}

// RetryExchange republishes a group's interrupted retries to its work queue.
func (s Strategy) RetryExchange(group string) string {
	return s.busName + "-retryExchange-" + group
}

// KeysChannel is the pub/sub channel a single bus instance listens on for
// key-bound events.
func (s Strategy) KeysChannel(eventBusID string) string {
	return s.busName + "-eventbus-keys-" + eventBusID
}

// KeysChannelPrefix is the common prefix of every KeysChannel.
func (s Strategy) KeysChannelPrefix() string {
	return s.busName + "-eventbus-keys-"
}

// BindingsKey is the registry entry listing the channels bound to routingKey.
func (s Strategy) BindingsKey(routingKey string) string {
	return s.bindingsPrefix() + routingKey
}

// BindingsPattern matches every BindingsKey of this bus and nothing else.
func (s Strategy) BindingsPattern() string {
	return s.bindingsPrefix() + "*"
}

// RoutingKeyFromBindingsKey reverses BindingsKey.
func (s Strategy) RoutingKeyFromBindingsKey(key string) (string, bool) {
	if !strings.HasPrefix(key, s.bindingsPrefix()) {
		return "", false
	}
	return strings.TrimPrefix(key, s.bindingsPrefix()), true
}

// EventBusIDFromChannel reverses KeysChannel.
func (s Strategy) EventBusIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, s.KeysChannelPrefix()) {
		return "", false
	}
	return strings.TrimPrefix(channel, s.KeysChannelPrefix()), true
}

func (s Strategy) bindingsPrefix() string {
	return s.busName + "-binding-"
}
