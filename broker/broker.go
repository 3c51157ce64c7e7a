// Package broker defines the durable message broker used by the group
// dispatch path.
//
// The contract follows AMQP 0-9-1: named exchanges route published messages
// to bound queues, queues are consumed by competing consumers with manual
// acknowledgement, and a rejected message is routed to the queue's dead-letter
// exchange. Implementations live in broker/amqp (RabbitMQ) and broker/memory
// (in-process).
package broker

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors.
var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker: closed")

	// ErrUnavailable is returned when the broker cannot be reached.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrExchangeNotFound is returned when publishing or binding to an
	// exchange that was never declared.
	ErrExchangeNotFound = errors.New("broker: exchange not found")

	// ErrQueueNotFound is returned when binding or consuming a queue that was
	// never declared.
	ErrQueueNotFound = errors.New("broker: queue not found")
)

// Exchange kinds.
const (
	KindTopic  = "topic"
	KindDirect = "direct"
	KindFanout = "fanout"
)

// ExchangeSpec declares an exchange.
type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// QueueSpec declares a queue.
type QueueSpec struct {
	Name    string
	Durable bool
	// DeadLetterExchange receives messages nacked without requeue.
	DeadLetterExchange string
}

// BindingSpec binds a queue to an exchange.
type BindingSpec struct {
	Queue    string
	Exchange string
	Key      string
}

// Message is a published message.
type Message struct {
	Body      []byte
	MessageID string
	Headers   map[string]any
}

// Header returns the named header, or nil.
func (m Message) Header(name string) any {
	if m.Headers == nil {
		return nil
	}
	return m.Headers[name]
}

// Delivery is a message handed to a consumer. Exactly one of Ack or Nack
// settles it; later calls are no-ops.
type Delivery interface {
	Message() Message
	RoutingKey() string
	// Redelivered reports whether the broker delivered this message before.
	Redelivered() bool
	Ack() error
	// Nack rejects the delivery. With requeue false the message goes to the
	// queue's dead-letter exchange, if any.
	Nack(requeue bool) error
}

// ConsumeOptions configures a consumer.
type ConsumeOptions struct {
	// Tag identifies the consumer. Empty means the broker picks one.
	Tag string
	// Prefetch bounds unacknowledged deliveries. Zero means one.
	Prefetch int
}

// Consumer is a running subscription on a queue.
type Consumer interface {
	// Deliveries is closed once the consumer is canceled.
	Deliveries() <-chan Delivery
	// Cancel stops the consumer. Unsettled deliveries are requeued.
	Cancel(ctx context.Context) error
}

// Broker is a durable message broker.
type Broker interface {
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	DeclareQueue(ctx context.Context, spec QueueSpec) error
	BindQueue(ctx context.Context, spec BindingSpec) error
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Consume(ctx context.Context, queue string, opts ConsumeOptions) (Consumer, error)
	Close(ctx context.Context) error
}

// MatchTopic reports whether a topic binding key matches a routing key.
// Words are separated by '.', '*' matches exactly one word and '#' matches
// zero or more words.
func MatchTopic(bindingKey, routingKey string) bool {
	return matchWords(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(pattern[1:], words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || pattern[0] != words[0] {
				return false
			}
		}
		pattern, words = pattern[1:], words[1:]
	}
	return len(words) == 0
}
