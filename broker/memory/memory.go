// Package memory provides an in-process broker.Broker.
//
// It keeps exchanges, queues and bindings in memory with the routing,
// competing-consumer and dead-lettering behavior of an AMQP broker. Several
// event buses sharing one Broker behave like nodes sharing a RabbitMQ cluster,
// which makes it suitable for tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailbus/broker"
)

// Broker is an in-process broker. It is safe for concurrent use.
type Broker struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	closed    bool

	unavailable atomic.Bool
}

var _ broker.Broker = (*Broker)(nil)

type exchange struct {
	spec     broker.ExchangeSpec
	bindings []broker.BindingSpec
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

// SetAvailable simulates an outage. While unavailable, declarations, publishes
// and new consumers fail with broker.ErrUnavailable; running consumers keep
// their queues.
func (b *Broker) SetAvailable(available bool) {
	b.unavailable.Store(!available)
}

func (b *Broker) check() error {
	if b.unavailable.Load() {
		return broker.ErrUnavailable
	}
	return nil
}

// DeclareExchange creates an exchange if it does not exist.
func (b *Broker) DeclareExchange(_ context.Context, spec broker.ExchangeSpec) error {
	if err := b.check(); err != nil {
		return err
	}
	if spec.Kind == "" {
		spec.Kind = broker.KindTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if ex, ok := b.exchanges[spec.Name]; ok {
		if ex.spec.Kind != spec.Kind {
			return fmt.Errorf("memory: exchange %q redeclared as %s, was %s", spec.Name, spec.Kind, ex.spec.Kind)
		}
		return nil
	}
	b.exchanges[spec.Name] = &exchange{spec: spec}
	return nil
}

// DeclareQueue creates a queue if it does not exist.
func (b *Broker) DeclareQueue(_ context.Context, spec broker.QueueSpec) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	if _, ok := b.queues[spec.Name]; ok {
		return nil
	}
	b.queues[spec.Name] = newQueue(spec)
	return nil
}

// BindQueue binds a queue to an exchange. Duplicate bindings are ignored.
func (b *Broker) BindQueue(_ context.Context, spec broker.BindingSpec) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	ex, ok := b.exchanges[spec.Exchange]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrExchangeNotFound, spec.Exchange)
	}
	if _, ok := b.queues[spec.Queue]; !ok {
		return fmt.Errorf("%w: %s", broker.ErrQueueNotFound, spec.Queue)
	}
	for _, existing := range ex.bindings {
		if existing == spec {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, spec)
	return nil
}

// Publish routes msg to every queue bound to exchange with a matching key.
// A message matching no binding is dropped, as in AMQP.
func (b *Broker) Publish(_ context.Context, exchangeName, routingKey string, msg broker.Message) error {
	if err := b.check(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return broker.ErrClosed
	}
	return b.route(exchangeName, routingKey, msg)
}

// route must be called with b.mu held.
func (b *Broker) route(exchangeName, routingKey string, msg broker.Message) error {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrExchangeNotFound, exchangeName)
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	delivered := make(map[string]bool)
	for _, bind := range ex.bindings {
		if delivered[bind.Queue] || !matches(ex.spec.Kind, bind.Key, routingKey) {
			continue
		}
		q, ok := b.queues[bind.Queue]
		if !ok {
			continue
		}
		delivered[bind.Queue] = true
		q.push(envelope{msg: cloneMessage(msg), routingKey: routingKey})
	}
	return nil
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case broker.KindFanout:
		return true
	case broker.KindDirect:
		return bindingKey == routingKey
	default:
		return broker.MatchTopic(bindingKey, routingKey)
	}
}

// deadLetter routes a rejected message to the queue's dead-letter exchange.
func (b *Broker) deadLetter(q *queue, env envelope) {
	if q.spec.DeadLetterExchange == "" {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	msg := cloneMessage(env.msg)
	msg.Headers = withHeader(msg.Headers, "x-first-death-queue", q.spec.Name)
	_ = b.route(q.spec.DeadLetterExchange, env.routingKey, msg)
}

// Consume starts a consumer on queue.
func (b *Broker) Consume(_ context.Context, queueName string, opts broker.ConsumeOptions) (broker.Consumer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrQueueNotFound, queueName)
	}
	if opts.Tag == "" {
		opts.Tag = "ctag-" + uuid.NewString()
	}
	c := newConsumer(b, q, opts)
	q.addConsumer(c)
	go c.run()
	return c, nil
}

// Close cancels every consumer. Queues and their messages are kept so a
// closed broker can be inspected.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		for _, c := range q.consumerList() {
			_ = c.Cancel(ctx)
		}
	}
	return nil
}

// HasExchange reports whether an exchange was declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether a queue was declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[name]
	return ok
}

// Queues returns the names of all declared queues.
func (b *Broker) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for n := range b.queues {
		names = append(names, n)
	}
	return names
}

// Len returns the number of ready messages in a queue.
func (b *Broker) Len(name string) int {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Consumers returns the number of consumers attached to a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(q.consumerList())
}

// Get removes and returns the first ready message of a queue.
func (b *Broker) Get(name string) (broker.Message, bool) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return broker.Message{}, false
	}
	env, ok := q.tryPop()
	return env.msg, ok
}

func cloneMessage(m broker.Message) broker.Message {
	out := broker.Message{MessageID: m.MessageID}
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		out.Headers = make(map[string]any, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

func withHeader(h map[string]any, k string, v any) map[string]any {
	if h == nil {
		h = make(map[string]any, 1)
	}
	h[k] = v
	return h
}
