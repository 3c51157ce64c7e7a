// Package amqp implements broker.Broker on RabbitMQ with amqp091-go.
//
// A Broker owns one connection. Declarations and publishes borrow channels
// from a bounded pool; consumers get dedicated channels. When the connection
// drops, the broker re-dials until it is back, replays every
// successful declaration and restarts its consumers, whose delivery channels
// stay open across the outage.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailbus/broker"
	"github.com/rbaliyan/mailbus/retry"
)

// ErrNoIdleChannel is returned when no pooled channel became available
// within the acquire timeout.
var ErrNoIdleChannel = errors.New("amqp: no idle channel")

// connection is the subset of *amqp091.Connection the broker uses.
type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
	IsClosed() bool
}

// channel is the subset of *amqp091.Channel the broker uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	return c.Connection.Channel()
}

type dialFunc func(url string, cfg amqp091.Config) (connection, error)

func dialAMQP(url string, cfg amqp091.Config) (connection, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Broker is a RabbitMQ broker.Broker.
type Broker struct {
	url  string
	opts *options
	dial dialFunc

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	sem  *semaphore.Weighted
	idle chan channel

	mu        sync.Mutex
	conn      connection
	exchanges []broker.ExchangeSpec
	queues    []broker.QueueSpec
	bindings  []broker.BindingSpec
	consumers map[string]*consumer
	wg        sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// Dial connects to url, retrying with the reconnect policy. Only this first
// connect is bounded by the policy's MaxRetries; a connection lost later is
// re-dialed until it comes back or the broker is closed.
func Dial(ctx context.Context, url string, opts ...Option) (*Broker, error) {
	b := newBroker(url, dialAMQP, opts...)
	if err := b.connectWithRetry(ctx); err != nil {
		b.cancel()
		return nil, err
	}
	return b, nil
}

func newBroker(url string, dial dialFunc, opts ...Option) *Broker {
	o := newOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		url:       url,
		opts:      o,
		dial:      dial,
		ctx:       ctx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(int64(o.poolSize)),
		idle:      make(chan channel, o.poolSize),
		consumers: make(map[string]*consumer),
	}
}

func (b *Broker) connectWithRetry(ctx context.Context) error {
	return retry.Do(ctx, b.opts.reconnect, func(context.Context) error {
		if b.closed.Load() {
			return retry.MarkNotRetryable(broker.ErrClosed)
		}
		err := b.connect()
		if err != nil {
			b.opts.logger.Warn("amqp connect failed", "error", err)
		}
		return err
	})
}

// connect dials, replays declarations and restarts consumers.
func (b *Broker) connect() error {
	conn, err := b.dial(b.url, b.opts.dialConfig)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", broker.ErrUnavailable, err)
	}
	if err := b.replay(conn); err != nil {
		_ = conn.Close()
		return err
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		_ = conn.Close()
		return broker.ErrClosed
	}
	b.conn = conn
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.wg.Add(1)
	b.mu.Unlock()

	for _, c := range consumers {
		if err := c.start(conn); err != nil {
			b.opts.logger.Error("amqp consumer restart failed", "queue", c.queue, "tag", c.opts.Tag, "error", err)
		}
	}
	go b.watch(conn)
	return nil
}

func (b *Broker) replay(conn connection) error {
	b.mu.Lock()
	exchanges := append([]broker.ExchangeSpec(nil), b.exchanges...)
	queues := append([]broker.QueueSpec(nil), b.queues...)
	bindings := append([]broker.BindingSpec(nil), b.bindings...)
	b.mu.Unlock()
	if len(exchanges)+len(queues)+len(bindings) == 0 {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", broker.ErrUnavailable, err)
	}
	defer ch.Close()
	for _, s := range exchanges {
		if err := declareExchange(ch, s); err != nil {
			return err
		}
	}
	for _, s := range queues {
		if err := declareQueue(ch, s); err != nil {
			return err
		}
	}
	for _, s := range bindings {
		if err := bindQueue(ch, s); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) watch(conn connection) {
	defer b.wg.Done()
	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))

	select {
	case <-b.ctx.Done():
		return
	case amqpErr := <-closeCh:
		if b.closed.Load() {
			return
		}
		b.opts.logger.Warn("amqp connection lost", "error", amqpErr)
	}

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	b.drainIdle()

	b.reconnect()
}

// reconnect re-dials until it succeeds or the broker is closed. The policy
// only shapes the delay between attempts.
func (b *Broker) reconnect() {
	p := b.opts.reconnect.Normalize()
	for attempt := 0; ; attempt++ {
		if b.closed.Load() {
			return
		}
		err := b.connect()
		if err == nil {
			b.opts.logger.Info("amqp reconnected", "attempts", attempt+1)
			return
		}
		if errors.Is(err, broker.ErrClosed) {
			return
		}
		b.opts.logger.Warn("amqp reconnect failed", "attempt", attempt+1, "error", err)

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (b *Broker) connection() connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// Connected reports whether the broker currently holds an open connection.
func (b *Broker) Connected() bool {
	conn := b.connection()
	return conn != nil && !conn.IsClosed()
}

// acquire borrows a channel from the pool.
func (b *Broker) acquire(ctx context.Context) (channel, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	actx, cancel := context.WithTimeout(ctx, b.opts.acquireTimeout)
	defer cancel()
	if err := b.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrNoIdleChannel, b.opts.acquireTimeout)
	}

	for ch := b.takeIdle(); ch != nil; ch = b.takeIdle() {
		if !ch.IsClosed() {
			return ch, nil
		}
	}

	conn := b.connection()
	if conn == nil || conn.IsClosed() {
		b.sem.Release(1)
		return nil, broker.ErrUnavailable
	}
	ch, err := conn.Channel()
	if err != nil {
		b.sem.Release(1)
		return nil, fmt.Errorf("%w: open channel: %v", broker.ErrUnavailable, err)
	}
	return ch, nil
}

// release returns a channel to the pool. Channels closed by an error are
// discarded.
func (b *Broker) release(ch channel) {
	defer b.sem.Release(1)
	if ch.IsClosed() || b.closed.Load() {
		_ = ch.Close()
		return
	}
	select {
	case b.idle <- ch:
	default:
		_ = ch.Close()
	}
}

func (b *Broker) takeIdle() channel {
	select {
	case ch := <-b.idle:
		return ch
	default:
		return nil
	}
}

func (b *Broker) drainIdle() {
	for {
		select {
		case ch := <-b.idle:
			_ = ch.Close()
		default:
			return
		}
	}
}

func (b *Broker) with(ctx context.Context, fn func(channel) error) error {
	ch, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer b.release(ch)
	return fn(ch)
}

// DeclareExchange declares a durable exchange and records it for replay.
func (b *Broker) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) error {
	if err := b.with(ctx, func(ch channel) error { return declareExchange(ch, spec) }); err != nil {
		return err
	}
	b.mu.Lock()
	b.exchanges = appendUnique(b.exchanges, spec)
	b.mu.Unlock()
	return nil
}

// DeclareQueue declares a queue and records it for replay.
func (b *Broker) DeclareQueue(ctx context.Context, spec broker.QueueSpec) error {
	if err := b.with(ctx, func(ch channel) error { return declareQueue(ch, spec) }); err != nil {
		return err
	}
	b.mu.Lock()
	b.queues = appendUnique(b.queues, spec)
	b.mu.Unlock()
	return nil
}

// BindQueue binds a queue and records the binding for replay.
func (b *Broker) BindQueue(ctx context.Context, spec broker.BindingSpec) error {
	if err := b.with(ctx, func(ch channel) error { return bindQueue(ch, spec) }); err != nil {
		return err
	}
	b.mu.Lock()
	b.bindings = appendUnique(b.bindings, spec)
	b.mu.Unlock()
	return nil
}

// Publish sends a persistent message.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg broker.Message) error {
	return b.with(ctx, func(ch channel) error {
		err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.MessageID,
			Headers:      amqp091.Table(msg.Headers),
			Body:         msg.Body,
		})
		if err != nil {
			return fmt.Errorf("%w: publish to %s: %v", broker.ErrUnavailable, exchange, err)
		}
		return nil
	})
}

// Consume starts a consumer on queue. The consumer survives reconnects: if
// the broker is disconnected it starts once the connection is back.
func (b *Broker) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (broker.Consumer, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = b.opts.prefetch
	}
	if opts.Tag == "" {
		opts.Tag = newTag()
	}
	c := newConsumer(b, queue, opts)

	b.mu.Lock()
	if _, exists := b.consumers[opts.Tag]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("amqp: consumer tag %q already in use", opts.Tag)
	}
	b.consumers[opts.Tag] = c
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		if err := c.start(conn); err != nil {
			b.forget(c)
			return nil, err
		}
	}
	return c, nil
}

func (b *Broker) forget(c *consumer) {
	b.mu.Lock()
	if b.consumers[c.opts.Tag] == c {
		delete(b.consumers, c.opts.Tag)
	}
	b.mu.Unlock()
}

// Close cancels every consumer and closes the connection. Queues and
// exchanges are left on the server.
func (b *Broker) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.drainIdle()
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

func declareExchange(ch channel, s broker.ExchangeSpec) error {
	kind := s.Kind
	if kind == "" {
		kind = broker.KindTopic
	}
	if err := ch.ExchangeDeclare(s.Name, kind, s.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", s.Name, err)
	}
	return nil
}

func declareQueue(ch channel, s broker.QueueSpec) error {
	var args amqp091.Table
	if s.DeadLetterExchange != "" {
		args = amqp091.Table{"x-dead-letter-exchange": s.DeadLetterExchange}
	}
	if _, err := ch.QueueDeclare(s.Name, s.Durable, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.Name, err)
	}
	return nil
}

func bindQueue(ch channel, s broker.BindingSpec) error {
	if err := ch.QueueBind(s.Queue, s.Key, s.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s key=%s: %w", s.Queue, s.Exchange, s.Key, err)
	}
	return nil
}

func appendUnique[T comparable](list []T, v T) []T {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
