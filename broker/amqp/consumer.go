package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/rbaliyan/mailbus/broker"
)

func newTag() string {
	return "mailbus-" + uuid.NewString()
}

type consumer struct {
	b     *Broker
	queue string
	opts  broker.ConsumeOptions

	out  chan broker.Delivery
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	ch       channel
	canceled bool
	wg       sync.WaitGroup
}

var _ broker.Consumer = (*consumer)(nil)

func newConsumer(b *Broker, queue string, opts broker.ConsumeOptions) *consumer {
	return &consumer{
		b:     b,
		queue: queue,
		opts:  opts,
		out:   make(chan broker.Delivery),
		done:  make(chan struct{}),
	}
}

func (c *consumer) Deliveries() <-chan broker.Delivery {
	return c.out
}

// start opens a dedicated channel on conn and forwards its deliveries until
// the channel closes or the consumer is canceled.
func (c *consumer) start(conn connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		return nil
	}
	if c.ch != nil && !c.ch.IsClosed() {
		_ = c.ch.Close()
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open consumer channel: %v", broker.ErrUnavailable, err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, c.opts.Tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue %s: %w", c.queue, err)
	}
	c.ch = ch

	c.wg.Add(1)
	go c.forward(deliveries)
	return nil
}

func (c *consumer) forward(deliveries <-chan amqp091.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case c.out <- &delivery{d: d}:
			case <-c.done:
				// The channel close below requeues it.
				return
			}
		}
	}
}

// Cancel stops consuming. Closing the channel makes the server requeue every
// unacknowledged delivery.
func (c *consumer) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return nil
	}
	c.canceled = true
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	c.once.Do(func() { close(c.done) })
	var err error
	if ch != nil && !ch.IsClosed() {
		if cerr := ch.Cancel(c.opts.Tag, false); cerr != nil {
			c.b.opts.logger.Debug("amqp consumer cancel", "tag", c.opts.Tag, "error", cerr)
		}
		err = ch.Close()
	}

	exited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(c.out)
	c.b.forget(c)
	return err
}

type delivery struct {
	d       amqp091.Delivery
	settled atomic.Bool
}

var _ broker.Delivery = (*delivery)(nil)

func (d *delivery) Message() broker.Message {
	var headers map[string]any
	if len(d.d.Headers) > 0 {
		headers = make(map[string]any, len(d.d.Headers))
		for k, v := range d.d.Headers {
			headers[k] = v
		}
	}
	return broker.Message{Body: d.d.Body, MessageID: d.d.MessageId, Headers: headers}
}

func (d *delivery) RoutingKey() string { return d.d.RoutingKey }
func (d *delivery) Redelivered() bool  { return d.d.Redelivered }

func (d *delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.d.Nack(false, requeue)
}
