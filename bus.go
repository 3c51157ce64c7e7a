package mailbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailbus/broker"
	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/deadletter"
	dlmemory "github.com/rbaliyan/mailbus/deadletter/memory"
	"github.com/rbaliyan/mailbus/mailevent"
	"github.com/rbaliyan/mailbus/naming"
	"github.com/rbaliyan/mailbus/registry"
)

// EventBus distributes events to durable groups and to live key listeners.
type EventBus interface {
	// Start declares the broker topology, subscribes this node to its keys
	// channel and resumes the consumers of registered groups. Starting a
	// started bus is a no-op.
	Start(ctx context.Context) error

	// Stop stops consuming and removes this node's bindings. It never deletes
	// exchanges or queues. Registrations are kept and resume on the next
	// Start. Stopping a stopped bus is a no-op.
	Stop(ctx context.Context) error

	// Close stops the bus and releases its notification bus. A closed bus
	// cannot be started again.
	Close(ctx context.Context) error

	// Register consumes group's durable work queue with listener. Every bus
	// registering the same group under the same bus name competes on one
	// queue, so an event reaches the group once.
	Register(ctx context.Context, listener EventListener, group Group) (Registration, error)

	// RegisterKey delivers events dispatched to key to listener while this
	// node is subscribed. Delivery is best effort and never queued.
	RegisterKey(ctx context.Context, listener EventListener, key RegistrationKey) (Registration, error)

	// Dispatch publishes ev once to the groups and once to each key.
	Dispatch(ctx context.Context, ev Event, keys ...RegistrationKey) error

	// ReDeliver invokes the local listener of group with ev once, bypassing
	// the broker. It fails with *GroupRegistrationNotFoundError when group
	// has no live listener on this bus.
	ReDeliver(ctx context.Context, group Group, ev Event) error

	// ID returns the identity of this bus instance.
	ID() EventBusID

	// Naming returns the naming strategy of the bus.
	Naming() naming.Strategy

	// DeadLetters returns the dead-letter store.
	DeadLetters() deadletter.Store

	// Notifications returns the lifecycle notifications of the bus.
	Notifications() *Notifications
}

// Bus states.
const (
	stateStopped int32 = 0
	stateStarted int32 = 1
	stateClosed  int32 = 2
)

// hybridBus is the default implementation of EventBus.
type hybridBus struct {
	id          EventBusID
	naming      naming.Strategy
	opts        *options
	logger      *slog.Logger
	broker      broker.Broker
	redis       redis.UniversalClient
	deadLetters deadletter.Store
	serializer  codec.Serializer
	converter   *RoutingKeyConverter
	registry    *registry.Registry
	local       *localRegistry
	otel        *otelInstrumentation
	notifier    *notifier
	asyncSem    *semaphore.Weighted

	// lifecycle serializes Start, Stop and Close; registrations hold it for reading.
	lifecycle sync.RWMutex
	state     atomic.Int32

	// run is canceled when Stop begins; listen when it ends.
	run          context.Context
	cancelRun    context.CancelFunc
	listen       context.Context
	cancelListen context.CancelFunc
	background   sync.WaitGroup
	frames       sync.WaitGroup
	listeners    sync.WaitGroup

	mu     sync.Mutex
	groups map[Group]*groupConsumer

	keySub *redis.PubSub
}

var _ EventBus = (*hybridBus)(nil)

// New creates an event bus. Call Start before registering or dispatching.
func New(opts ...Option) (EventBus, error) {
	o := newOptions(opts...)

	if o.broker == nil {
		return nil, ErrBrokerRequired
	}
	if o.redisClient == nil {
		return nil, ErrRedisRequired
	}
	if o.deadLetters == nil {
		o.logger.Warn("no dead-letter store configured, dead letters are kept in memory")
		o.deadLetters = dlmemory.New()
	}
	if o.serializer == nil {
		o.serializer = mailevent.NewSerializer()
	}
	if o.converter == nil {
		o.converter = NewRoutingKeyConverter()
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	id := NewEventBusID()
	n, err := newNotifier(context.Background(), fmt.Sprintf("%s-%s", o.naming.BusName(), id), o)
	if err != nil {
		return nil, fmt.Errorf("init notifications: %w", err)
	}

	return &hybridBus{
		id:          id,
		naming:      o.naming,
		opts:        o,
		logger:      o.logger.With("bus", o.naming.BusName(), "event_bus_id", id.String()),
		broker:      o.broker,
		redis:       o.redisClient,
		deadLetters: o.deadLetters,
		serializer:  o.serializer,
		converter:   o.converter,
		registry:    registry.New(o.redisClient, o.naming),
		local:       newLocalRegistry(),
		otel:        otelInstr,
		notifier:    n,
		asyncSem:    semaphore.NewWeighted(int64(o.maxAsyncListeners)),
		groups:      make(map[Group]*groupConsumer),
	}, nil
}

func (b *hybridBus) ID() EventBusID                { return b.id }
func (b *hybridBus) Naming() naming.Strategy       { return b.naming }
func (b *hybridBus) DeadLetters() deadletter.Store { return b.deadLetters }
func (b *hybridBus) Notifications() *Notifications { return b.notifier.events }

func (b *hybridBus) started() bool {
	return b.state.Load() == stateStarted
}

// ready reports why the bus cannot serve a call, or nil when it is started.
func (b *hybridBus) ready() error {
	switch b.state.Load() {
	case stateStarted:
		return nil
	case stateClosed:
		return ErrClosed
	}
	return ErrNotStarted
}

func (b *hybridBus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	switch b.state.Load() {
	case stateStarted:
		return nil
	case stateClosed:
		return ErrClosed
	}

	if err := b.declareTopology(ctx); err != nil {
		return err
	}

	b.run, b.cancelRun = context.WithCancel(context.Background())
	b.listen, b.cancelListen = context.WithCancel(context.Background())

	if err := b.startKeys(ctx); err != nil {
		b.cancelRun()
		b.cancelListen()
		return err
	}

	var errs []error
	for g, l := range b.local.groupList() {
		if err := b.startGroup(ctx, g, l); err != nil {
			errs = append(errs, fmt.Errorf("resume group %s: %w", g, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		_ = b.stopGroups(ctx)
		_ = b.stopKeys(ctx)
		b.cancelRun()
		b.cancelListen()
		return err
	}

	if b.opts.sweepInterval > 0 {
		b.startSweeper()
	}

	b.state.Store(stateStarted)
	b.logger.Info("event bus started")
	return nil
}

// declareTopology declares the exchange and the dead-letter queue shared by
// every group.
func (b *hybridBus) declareTopology(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.brokerTimeout)
	defer cancel()

	if err := b.broker.DeclareExchange(ctx, broker.ExchangeSpec{
		Name: b.naming.Exchange(), Kind: broker.KindTopic, Durable: true,
	}); err != nil {
		return fmt.Errorf("mailbus: declare exchange: %w", err)
	}
	if err := b.broker.DeclareExchange(ctx, broker.ExchangeSpec{
		Name: b.naming.DeadLetterExchange(), Kind: broker.KindFanout, Durable: true,
	}); err != nil {
		return fmt.Errorf("mailbus: declare dead-letter exchange: %w", err)
	}
	if err := b.broker.DeclareQueue(ctx, broker.QueueSpec{
		Name: b.naming.DeadLetterQueue(), Durable: true,
	}); err != nil {
		return fmt.Errorf("mailbus: declare dead-letter queue: %w", err)
	}
	if err := b.broker.BindQueue(ctx, broker.BindingSpec{
		Queue: b.naming.DeadLetterQueue(), Exchange: b.naming.DeadLetterExchange(),
	}); err != nil {
		return fmt.Errorf("mailbus: bind dead-letter queue: %w", err)
	}
	return nil
}

func (b *hybridBus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.stop(ctx)
}

// stop must be called with b.lifecycle held.
func (b *hybridBus) stop(ctx context.Context) error {
	if !b.state.CompareAndSwap(stateStarted, stateStopped) {
		return nil
	}
	b.logger.Info("stopping event bus", "timeout", b.opts.shutdownTimeout)

	b.cancelRun()
	var errs []error
	if err := b.stopGroups(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := b.stopKeys(ctx); err != nil {
		errs = append(errs, err)
	}

	// Wait for asynchronous key listeners and background loops.
	if !b.await(ctx, b.listeners.Wait) {
		b.logger.Warn("timeout waiting for key listeners, proceeding with shutdown")
	}
	b.cancelListen()
	b.background.Wait()

	b.logger.Info("event bus stopped")
	return errors.Join(errs...)
}

// await runs fn and waits for it up to the shutdown timeout. It reports
// whether fn returned in time.
func (b *hybridBus) await(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	timer := time.NewTimer(b.opts.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *hybridBus) Close(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.state.Load() == stateClosed {
		return nil
	}
	err := b.stop(ctx)
	b.state.Store(stateClosed)
	if cerr := b.notifier.close(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close notifications: %w", cerr))
	}
	return err
}

func (b *hybridBus) Dispatch(ctx context.Context, ev Event, keys ...RegistrationKey) error {
	if err := b.ready(); err != nil {
		return err
	}
	if ev == nil {
		return ErrNilEvent
	}

	start := time.Now()
	ctx, end := b.otel.startSpan(ctx, "mailbus.dispatch", trace.SpanKindProducer,
		attribute.String("event_id", ev.EventID().String()),
		attribute.Int("key_count", len(keys)),
	)

	payload, err := b.serializer.Serialize(ev)
	if err != nil {
		err = fmt.Errorf("mailbus: serialize %s: %w", ev.EventID(), err)
		end(err)
		b.otel.recordDispatch(ctx, time.Since(start), len(keys), err)
		return err
	}

	var errs []error
	if err := b.dispatchGroups(ctx, ev, payload); err != nil {
		errs = append(errs, err)
	}
	if len(keys) > 0 {
		if err := b.dispatchKeys(ctx, payload, keys); err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	end(err)
	b.otel.recordDispatch(ctx, time.Since(start), len(keys), err)
	return err
}

func (b *hybridBus) ReDeliver(ctx context.Context, group Group, ev Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	if b.state.Load() == stateClosed {
		return ErrClosed
	}
	l, ok := b.local.groupListener(group)
	if !ok || !b.started() {
		return &GroupRegistrationNotFoundError{Group: group}
	}
	ctx, end := b.otel.startSpan(ctx, "mailbus.redeliver", trace.SpanKindInternal,
		attribute.String("group", group.AsString()),
		attribute.String("event_id", ev.EventID().String()),
	)
	err := invoke(ctx, l, ev)
	end(err)
	return err
}

// storeDeadLetter saves ev under group and publishes a DeadLettered notification.
func (b *hybridBus) storeDeadLetter(ctx context.Context, group Group, ev Event, attempts int, reason error) (deadletter.InsertionID, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.brokerTimeout)
	defer cancel()

	id, err := b.deadLetters.Store(ctx, group, ev)
	if err != nil {
		return "", fmt.Errorf("mailbus: store dead letter: %w", err)
	}
	b.otel.recordDeadLetter(ctx, group)

	n := DeadLettered{
		BusName:     b.naming.BusName(),
		Group:       group.AsString(),
		EventID:     ev.EventID().String(),
		InsertionID: id.String(),
		Attempts:    attempts,
		At:          time.Now().UTC(),
	}
	if reason != nil {
		n.Reason = reason.Error()
	}
	if err := b.notifier.events.DeadLettered.Publish(ctx, n); err != nil {
		b.logger.Warn("failed to publish notification", "notification", NotificationDeadLettered, "error", err)
	}
	return id, nil
}

// startSweeper runs a binding sweeper until Stop.
func (b *hybridBus) startSweeper() {
	opts := append([]registry.SweeperOption{
		registry.WithSweeperLogger(b.logger),
		registry.WithOnSweep(b.onSweep),
	}, b.opts.sweepOptions...)
	s := registry.NewSweeper(b.redis, b.naming, opts...)

	run := b.run
	b.background.Add(1)
	go func() {
		defer b.background.Done()
		_ = s.Run(run, b.opts.sweepInterval)
	}()
}

func (b *hybridBus) onSweep(ctx context.Context, c *registry.CleanupContext) {
	if c.CleanedBindings == 0 {
		return
	}
	b.otel.recordSweep(ctx, c.CleanedBindings)
	err := b.notifier.events.BindingsCleaned.Publish(ctx, BindingsCleaned{
		BusName:          b.naming.BusName(),
		TotalBindings:    c.TotalBindings,
		DanglingBindings: c.DanglingBindings,
		CleanedBindings:  c.CleanedBindings,
		Duration:         c.Duration,
	})
	if err != nil {
		b.logger.Warn("failed to publish notification", "notification", NotificationBindingsCleaned, "error", err)
	}
}
