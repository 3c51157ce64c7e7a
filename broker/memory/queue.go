package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/mailbus/broker"
)

type envelope struct {
	msg         broker.Message
	routingKey  string
	redelivered bool
}

type queue struct {
	spec broker.QueueSpec

	mu        sync.Mutex
	items     []envelope
	wait      chan struct{}
	consumers map[string]*consumer
}

func newQueue(spec broker.QueueSpec) *queue {
	return &queue{
		spec:      spec,
		wait:      make(chan struct{}),
		consumers: make(map[string]*consumer),
	}
}

// signal wakes every waiting consumer. Must be called with q.mu held.
func (q *queue) signal() {
	close(q.wait)
	q.wait = make(chan struct{})
}

func (q *queue) push(env envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.signal()
	q.mu.Unlock()
}

func (q *queue) pushFront(envs ...envelope) {
	if len(envs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append(make([]envelope, 0, len(envs)+len(q.items)), envs...), q.items...)
	q.signal()
	q.mu.Unlock()
}

func (q *queue) tryPop() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return envelope{}, false
	}
	env := q.items[0]
	q.items[0] = envelope{}
	q.items = q.items[1:]
	return env, true
}

// pop blocks until a message is ready or done is closed.
func (q *queue) pop(done <-chan struct{}) (envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = envelope{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		wait := q.wait
		q.mu.Unlock()

		select {
		case <-wait:
		case <-done:
			return envelope{}, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) addConsumer(c *consumer) {
	q.mu.Lock()
	q.consumers[c.tag] = c
	q.mu.Unlock()
}

func (q *queue) removeConsumer(tag string) {
	q.mu.Lock()
	delete(q.consumers, tag)
	q.mu.Unlock()
}

func (q *queue) consumerList() []*consumer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*consumer, 0, len(q.consumers))
	for _, c := range q.consumers {
		out = append(out, c)
	}
	return out
}

type consumer struct {
	broker *Broker
	queue  *queue
	tag    string

	out    chan broker.Delivery
	slots  chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	mu        sync.Mutex
	unsettled []*delivery
}

var _ broker.Consumer = (*consumer)(nil)

func newConsumer(b *Broker, q *queue, opts broker.ConsumeOptions) *consumer {
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &consumer{
		broker: b,
		queue:  q,
		tag:    opts.Tag,
		out:    make(chan broker.Delivery),
		slots:  make(chan struct{}, prefetch),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (c *consumer) Deliveries() <-chan broker.Delivery {
	return c.out
}

func (c *consumer) run() {
	defer close(c.exited)
	defer close(c.out)

	for {
		select {
		case c.slots <- struct{}{}:
		case <-c.done:
			return
		}

		env, ok := c.queue.pop(c.done)
		if !ok {
			return
		}
		d := &delivery{consumer: c, env: env}
		c.mu.Lock()
		c.unsettled = append(c.unsettled, d)
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}

// Cancel stops the consumer and requeues its unsettled deliveries in order.
func (c *consumer) Cancel(ctx context.Context) error {
	c.once.Do(func() { close(c.done) })
	select {
	case <-c.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.queue.removeConsumer(c.tag)

	c.mu.Lock()
	pending := c.unsettled
	c.unsettled = nil
	c.mu.Unlock()

	requeue := make([]envelope, 0, len(pending))
	for _, d := range pending {
		if d.settled.CompareAndSwap(false, true) {
			env := d.env
			env.redelivered = true
			requeue = append(requeue, env)
		}
	}
	c.queue.pushFront(requeue...)
	return nil
}

func (c *consumer) settle(d *delivery) {
	c.mu.Lock()
	for i, u := range c.unsettled {
		if u == d {
			c.unsettled = append(c.unsettled[:i], c.unsettled[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	select {
	case <-c.slots:
	default:
	}
}

type delivery struct {
	consumer *consumer
	env      envelope
	settled  atomic.Bool
}

var _ broker.Delivery = (*delivery)(nil)

func (d *delivery) Message() broker.Message { return d.env.msg }
func (d *delivery) RoutingKey() string      { return d.env.routingKey }
func (d *delivery) Redelivered() bool       { return d.env.redelivered }

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	d.consumer.settle(d)
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	d.consumer.settle(d)
	if requeue {
		env := d.env
		env.redelivered = true
		d.consumer.queue.pushFront(env)
		return nil
	}
	d.consumer.broker.deadLetter(d.consumer.queue, d.env)
	return nil
}
