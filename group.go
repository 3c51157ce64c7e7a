package mailbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailbus/broker"
	"github.com/rbaliyan/mailbus/event"
	"github.com/rbaliyan/mailbus/retry"
)

const (
	// EventRoutingKey is the routing key of every event published to the
	// exchange. Work queues bind with "#".
	EventRoutingKey = "event"

	// RetryCountHeader carries the attempts already spent on a message handed
	// back to its work queue while a retry was pending.
	RetryCountHeader = "x-mailbus-retry-count"
)

func (b *hybridBus) Register(ctx context.Context, listener EventListener, group Group) (Registration, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	if _, err := event.ParseGroup(group.AsString()); err != nil {
		return nil, fmt.Errorf("mailbus: register: %w", err)
	}

	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if err := b.ready(); err != nil {
		return nil, err
	}

	if err := b.local.addGroup(group, listener); err != nil {
		return nil, fmt.Errorf("%w: %s", err, group)
	}
	if err := b.startGroup(ctx, group, listener); err != nil {
		b.local.removeGroup(group)
		return nil, err
	}
	b.logger.Debug("group registered", "group", group.AsString())

	return newRegistration(func(ctx context.Context) error {
		return b.unregisterGroup(ctx, group)
	}), nil
}

func (b *hybridBus) unregisterGroup(ctx context.Context, group Group) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	b.local.removeGroup(group)
	b.mu.Lock()
	c := b.groups[group]
	delete(b.groups, group)
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.stop(ctx)
}

// startGroup declares the work queue of group and starts its consumer.
func (b *hybridBus) startGroup(ctx context.Context, group Group, l EventListener) error {
	b.mu.Lock()
	_, running := b.groups[group]
	b.mu.Unlock()
	if running {
		return nil
	}

	queue := b.naming.WorkQueue(group.AsString())
	retryExchange := b.naming.RetryExchange(group.AsString())

	tctx, cancel := context.WithTimeout(ctx, b.opts.brokerTimeout)
	defer cancel()
	if err := b.broker.DeclareQueue(tctx, broker.QueueSpec{
		Name: queue, Durable: true, DeadLetterExchange: b.naming.DeadLetterExchange(),
	}); err != nil {
		return fmt.Errorf("mailbus: declare work queue %s: %w", queue, err)
	}
	if err := b.broker.BindQueue(tctx, broker.BindingSpec{
		Queue: queue, Exchange: b.naming.Exchange(), Key: "#",
	}); err != nil {
		return fmt.Errorf("mailbus: bind work queue %s: %w", queue, err)
	}
	if err := b.broker.DeclareExchange(tctx, broker.ExchangeSpec{
		Name: retryExchange, Kind: broker.KindFanout, Durable: true,
	}); err != nil {
		return fmt.Errorf("mailbus: declare retry exchange %s: %w", retryExchange, err)
	}
	if err := b.broker.BindQueue(tctx, broker.BindingSpec{
		Queue: queue, Exchange: retryExchange,
	}); err != nil {
		return fmt.Errorf("mailbus: bind retry exchange %s: %w", retryExchange, err)
	}

	// One more slot than pending retries keeps the queue flowing while every
	// retry slot is taken.
	consumer, err := b.broker.Consume(tctx, queue, broker.ConsumeOptions{
		Prefetch: b.opts.maxConcurrentRetries + 1,
	})
	if err != nil {
		return fmt.Errorf("mailbus: consume %s: %w", queue, err)
	}

	run, stop := context.WithCancel(b.run)
	c := &groupConsumer{
		bus:           b,
		group:         group,
		listener:      l,
		retryExchange: retryExchange,
		consumer:      consumer,
		cancel:        stop,
		listen:        b.listen,
		done:          make(chan struct{}),
		retrySem:      semaphore.NewWeighted(int64(b.opts.maxConcurrentRetries)),
		logger:        b.logger.With("group", group.AsString()),
	}

	b.mu.Lock()
	b.groups[group] = c
	b.mu.Unlock()

	go c.loop(run)
	return nil
}

// dispatchGroups publishes payload to the exchange. On failure the event is
// stored under DispatchingFailureGroup so it is not lost.
func (b *hybridBus) dispatchGroups(ctx context.Context, ev Event, payload []byte) error {
	pctx, cancel := context.WithTimeout(ctx, b.opts.brokerTimeout)
	defer cancel()
	err := b.broker.Publish(pctx, b.naming.Exchange(), EventRoutingKey, broker.Message{
		Body:      payload,
		MessageID: ev.EventID().String(),
	})
	if err == nil {
		return nil
	}

	b.logger.Error("failed to publish event, storing it for redelivery",
		"event_id", ev.EventID().String(), "error", err)
	derr := &DispatchError{EventID: ev.EventID(), Err: err}
	if _, serr := b.storeDeadLetter(ctx, DispatchingFailureGroup, ev, 0, err); serr != nil {
		b.logger.Error("failed to store undispatched event",
			"event_id", ev.EventID().String(), "error", serr)
		derr.Err = errors.Join(err, serr)
	} else {
		derr.Stored = true
	}
	return derr
}

// stopGroups stops every running consumer. Queues are left in place.
func (b *hybridBus) stopGroups(ctx context.Context) error {
	b.mu.Lock()
	consumers := make([]*groupConsumer, 0, len(b.groups))
	for _, c := range b.groups {
		consumers = append(consumers, c)
	}
	clear(b.groups)
	b.mu.Unlock()

	var g errgroup.Group
	for _, c := range consumers {
		g.Go(func() error { return c.stop(ctx) })
	}
	return g.Wait()
}

// groupConsumer is the consumer loop of one (group, node).
type groupConsumer struct {
	bus           *hybridBus
	group         Group
	listener      EventListener
	retryExchange string
	consumer      broker.Consumer
	cancel        context.CancelFunc
	// listen is the context handed to the listener; it outlives cancel so
	// in-flight invocations may finish during Stop.
	listen   context.Context
	done     chan struct{}
	inflight sync.WaitGroup
	retrySem *semaphore.Weighted
	logger   *slog.Logger
	stopOnce sync.Once
	stopErr  error
}

func (c *groupConsumer) loop(ctx context.Context) {
	defer close(c.done)
	deliveries := c.consumer.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				// Left unsettled; canceling the consumer requeues it.
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *groupConsumer) handle(ctx context.Context, d broker.Delivery) {
	msg := d.Message()
	ev, err := c.bus.serializer.Deserialize(msg.Body)
	if err != nil {
		c.logger.Error("rejecting malformed event to the dead-letter queue",
			"message_id", msg.MessageID, "error", err)
		if nerr := d.Nack(false); nerr != nil {
			c.logger.Warn("failed to reject delivery", "message_id", msg.MessageID, "error", nerr)
		}
		c.bus.otel.recordDelivery(ctx, c.group, outcomeMalformed)
		return
	}

	tracker := c.bus.opts.retryPolicy.Track(retryCount(msg))
	err = c.attempt(ev)
	if err == nil {
		c.settle(d, true)
		c.bus.otel.recordDelivery(ctx, c.group, outcomeAcked)
		return
	}
	c.failed(ev, tracker, err)
	delay, ok := c.next(tracker, err)
	if !ok {
		c.deadLetter(ctx, d, ev, tracker, err)
		return
	}

	// Retry off the loop so later messages are not blocked.
	if err := c.retrySem.Acquire(ctx, 1); err != nil {
		c.handOver(d, msg, tracker.Attempts())
		return
	}
	c.bus.otel.recordDelivery(ctx, c.group, outcomeRetrying)
	c.inflight.Add(1)
	go c.retry(ctx, d, msg, ev, tracker, delay)
}

func (c *groupConsumer) retry(ctx context.Context, d broker.Delivery, msg broker.Message, ev Event, tracker *retry.Tracker, delay time.Duration) {
	defer c.inflight.Done()
	defer c.retrySem.Release(1)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.handOver(d, msg, tracker.Attempts())
			return
		case <-timer.C:
		}

		c.bus.otel.recordRetry(ctx, c.group)
		err := c.attempt(ev)
		if err == nil {
			c.settle(d, true)
			c.bus.otel.recordDelivery(ctx, c.group, outcomeAcked)
			return
		}
		c.failed(ev, tracker, err)
		next, ok := c.next(tracker, err)
		if !ok {
			c.deadLetter(ctx, d, ev, tracker, err)
			return
		}
		timer.Reset(next)
	}
}

// attempt invokes the listener once.
func (c *groupConsumer) attempt(ev Event) error {
	ctx, end := c.bus.otel.startSpan(c.listen, "mailbus.deliver", trace.SpanKindConsumer,
		attribute.String("group", c.group.AsString()),
		attribute.String("event_id", ev.EventID().String()),
	)
	start := time.Now()
	err := invoke(ctx, c.listener, ev)
	end(err)
	c.bus.otel.recordAttempt(ctx, c.group, time.Since(start))
	return err
}

// next records a failed attempt and returns the delay before the next one.
// An error the policy does not retry exhausts the tracker at once.
func (c *groupConsumer) next(tracker *retry.Tracker, err error) (time.Duration, bool) {
	delay, ok := tracker.Next()
	if ok && !c.bus.opts.retryPolicy.IsRetryable(err) {
		return 0, false
	}
	return delay, ok
}

func (c *groupConsumer) failed(ev Event, tracker *retry.Tracker, err error) {
	c.logger.Warn("group listener failed",
		"event_id", ev.EventID().String(),
		"attempt", tracker.Attempts()+1,
		"error", err)
}

func (c *groupConsumer) deadLetter(ctx context.Context, d broker.Delivery, ev Event, tracker *retry.Tracker, cause error) {
	id, err := c.bus.storeDeadLetter(ctx, c.group, ev, tracker.Attempts(), cause)
	if err != nil {
		c.logger.Error("failed to store dead letter, rejecting to the dead-letter queue",
			"event_id", ev.EventID().String(), "error", err)
		c.settle(d, false)
		return
	}
	c.logger.Warn("group delivery dead-lettered",
		"event_id", ev.EventID().String(),
		"insertion_id", id.String(),
		"attempts", tracker.Attempts())
	c.settle(d, true)
	c.bus.otel.recordDelivery(ctx, c.group, outcomeDeadLettered)
}

// handOver gives a message with a pending retry back to the work queue
// through the retry exchange, carrying its attempt count.
func (c *groupConsumer) handOver(d broker.Delivery, msg broker.Message, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.bus.opts.brokerTimeout)
	defer cancel()

	headers := make(map[string]any, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(attempts)

	err := c.bus.broker.Publish(ctx, c.retryExchange, "", broker.Message{
		Body:      msg.Body,
		MessageID: msg.MessageID,
		Headers:   headers,
	})
	if err != nil {
		c.logger.Warn("failed to hand over pending retry, requeueing",
			"message_id", msg.MessageID, "error", err)
		if nerr := d.Nack(true); nerr != nil {
			c.logger.Warn("failed to requeue delivery", "message_id", msg.MessageID, "error", nerr)
		}
		return
	}
	c.settle(d, true)
	c.bus.otel.recordDelivery(ctx, c.group, outcomeRequeued)
}

// settle acks the delivery, or rejects it to the dead-letter queue.
func (c *groupConsumer) settle(d broker.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack()
	} else {
		err = d.Nack(false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "ack", ack, "error", err)
	}
}

// stop stops pulling, waits for in-flight deliveries up to the shutdown
// timeout and cancels the broker consumer.
func (c *groupConsumer) stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.cancel()
		if !c.bus.await(ctx, func() {
			<-c.done
			c.inflight.Wait()
		}) {
			c.logger.Warn("timeout waiting for in-flight deliveries, proceeding with shutdown")
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.bus.opts.brokerTimeout)
		defer cancel()
		if err := c.consumer.Cancel(cctx); err != nil && !errors.Is(err, broker.ErrClosed) {
			c.stopErr = fmt.Errorf("mailbus: cancel consumer of %s: %w", c.group, err)
		}
	})
	return c.stopErr
}

// retryCount reads RetryCountHeader. AMQP decodes integers as int32 or int64.
func retryCount(msg broker.Message) int {
	switch v := msg.Header(RetryCountHeader).(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}
