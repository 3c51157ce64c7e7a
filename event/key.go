package event

import (
	"fmt"
	"strings"
	"sync"
)

// RoutingKeySeparator separates the key type from its value in a routing key.
const RoutingKeySeparator = ":"

// RegistrationKey selects events for live listeners, for instance "this mailbox".
type RegistrationKey interface {
	// KeyType names the key family; it selects the KeyFactory on the way back.
	KeyType() string
	// AsString is the key value within its family.
	AsString() string
}

// RoutingKey is the wire form of key: "<type>:<value>".
func RoutingKey(key RegistrationKey) string {
	return key.KeyType() + RoutingKeySeparator + key.AsString()
}

// KeyFactory rebuilds keys of one family from their value.
type KeyFactory interface {
	KeyType() string
	FromString(value string) (RegistrationKey, error)
}

// KeyFactoryFunc adapts a function to KeyFactory.
type KeyFactoryFunc struct {
	Type  string
	Parse func(value string) (RegistrationKey, error)
}

func (f KeyFactoryFunc) KeyType() string { return f.Type }

func (f KeyFactoryFunc) FromString(value string) (RegistrationKey, error) {
	return f.Parse(value)
}

// RoutingKeyConverter turns routing keys back into registration keys.
// It is safe for concurrent use.
type RoutingKeyConverter struct {
	mu        sync.RWMutex
	factories map[string]KeyFactory
}

// NewRoutingKeyConverter returns a converter knowing the built-in key families
// plus the given factories.
func NewRoutingKeyConverter(factories ...KeyFactory) *RoutingKeyConverter {
	c := &RoutingKeyConverter{factories: make(map[string]KeyFactory)}
	c.Register(MailboxIDKeyFactory)
	c.Register(UsernameKeyFactory)
	for _, f := range factories {
		c.Register(f)
	}
	return c
}

// Register adds or replaces a factory.
func (c *RoutingKeyConverter) Register(f KeyFactory) {
	if f == nil {
		return
	}
	c.mu.Lock()
	c.factories[f.KeyType()] = f
	c.mu.Unlock()
}

// ToRegistrationKey parses a routing key produced by RoutingKey.
func (c *RoutingKeyConverter) ToRegistrationKey(routingKey string) (RegistrationKey, error) {
	keyType, value, ok := strings.Cut(routingKey, RoutingKeySeparator)
	if !ok || keyType == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoutingKey, routingKey)
	}

	c.mu.RLock()
	f, found := c.factories[keyType]
	c.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoutingKey, routingKey)
	}

	key, err := f.FromString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRoutingKey, routingKey, err)
	}
	return key, nil
}

// MailboxIDKey selects events of one mailbox.
type MailboxIDKey string

func (k MailboxIDKey) KeyType() string  { return "mailbox-id" }
func (k MailboxIDKey) AsString() string { return string(k) }

// UsernameKey selects events of one account.
type UsernameKey string

func (k UsernameKey) KeyType() string  { return "username" }
func (k UsernameKey) AsString() string { return string(k) }

// Factories for the built-in keys.
var (
	MailboxIDKeyFactory KeyFactory = KeyFactoryFunc{
		Type: MailboxIDKey("").KeyType(),
		Parse: func(value string) (RegistrationKey, error) {
			if value == "" {
				return nil, fmt.Errorf("empty mailbox id")
			}
			return MailboxIDKey(value), nil
		},
	}

	UsernameKeyFactory KeyFactory = KeyFactoryFunc{
		Type: UsernameKey("").KeyType(),
		Parse: func(value string) (RegistrationKey, error) {
			if value == "" {
				return nil, fmt.Errorf("empty username")
			}
			return UsernameKey(value), nil
		},
	}
)
