package mailbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/mailbus/codec"
)

func (b *hybridBus) keysChannel() string {
	return b.naming.KeysChannel(b.id.String())
}

func (b *hybridBus) RegisterKey(ctx context.Context, listener EventListener, key RegistrationKey) (Registration, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	if key == nil {
		return nil, fmt.Errorf("mailbus: register key: nil key")
	}
	rk := RoutingKey(key)
	if strings.Contains(rk, codec.Delimiter) {
		return nil, fmt.Errorf("mailbus: routing key %q contains the frame delimiter %q", rk, codec.Delimiter)
	}

	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if err := b.ready(); err != nil {
		return nil, err
	}

	id, e := b.local.addKey(rk, listener)
	if err := b.syncBinding(ctx, rk, e); err != nil {
		if !b.opts.failureIgnore {
			b.local.removeKey(rk, id)
			_ = b.syncBinding(ctx, rk, e)
			return nil, err
		}
		b.logger.Warn("failed to bind key, the binding refresh will retry",
			"routing_key", rk, "error", err)
	}

	return newRegistration(func(ctx context.Context) error {
		return b.unregisterKey(ctx, rk, id)
	}), nil
}

func (b *hybridBus) unregisterKey(ctx context.Context, rk string, id uint64) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	e := b.local.removeKey(rk, id)
	if e == nil {
		return nil
	}
	if err := b.syncBinding(ctx, rk, e); err != nil {
		if b.opts.failureIgnore {
			b.logger.Warn("failed to unbind key, the binding refresh will retry",
				"routing_key", rk, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// syncBinding makes the Redis binding of rk match its local listeners: the
// first listener binds the key, the last one unbinds it.
func (b *hybridBus) syncBinding(ctx context.Context, rk string, e *keyEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := b.started() && b.local.listenerCount(e) > 0
	if want != e.bound {
		ctx, cancel := context.WithTimeout(ctx, b.opts.keyTimeout)
		defer cancel()

		var (
			op  = "register"
			err error
		)
		if want {
			err = b.registry.Bind(ctx, rk, b.keysChannel())
		} else {
			op = "unregister"
			_, err = b.registry.Unbind(ctx, rk, b.keysChannel())
		}
		if err != nil {
			b.otel.recordKeyError(ctx, op)
			return &KeyDispatchError{Op: op, RoutingKey: rk, Err: err}
		}
		e.bound = want
	}
	b.local.dropIdle(rk, e)
	return nil
}

// refreshBindings re-creates the bindings of every key with a local listener
// and removes those whose unbinding failed earlier.
func (b *hybridBus) refreshBindings(ctx context.Context) error {
	keys, entries := b.local.keyEntries()
	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for i, e := range entries {
			b.local.dropIdle(keys[i], e)
			e.mu.Unlock()
		}
	}()

	var bind, unbind []string
	var bindEntries, unbindEntries []*keyEntry
	for i, e := range entries {
		switch {
		case b.local.listenerCount(e) > 0:
			bind = append(bind, keys[i])
			bindEntries = append(bindEntries, e)
		case e.bound:
			unbind = append(unbind, keys[i])
			unbindEntries = append(unbindEntries, e)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.keyTimeout)
	defer cancel()

	var errs []error
	if err := b.registry.Refresh(ctx, b.keysChannel(), bind); err != nil {
		errs = append(errs, err)
	} else {
		for _, e := range bindEntries {
			e.bound = true
		}
	}
	if err := b.registry.UnbindAll(ctx, b.keysChannel(), unbind); err != nil {
		errs = append(errs, err)
	} else {
		for _, e := range unbindEntries {
			e.bound = false
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.otel.recordKeyError(ctx, "refresh")
		return &KeyDispatchError{Op: "refresh", Err: err}
	}
	return nil
}

func (b *hybridBus) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(b.opts.bindingRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.refreshBindings(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("binding refresh failed", "error", err)
			}
		}
	}
}

// startKeys subscribes this node to its keys channel and restores the
// bindings of keys registered before a Stop. Must be called with b.lifecycle held.
func (b *hybridBus) startKeys(ctx context.Context) error {
	sub := b.redis.Subscribe(ctx, b.keysChannel())

	tctx, cancel := context.WithTimeout(ctx, b.opts.keyTimeout)
	_, err := sub.Receive(tctx)
	cancel()
	if err != nil {
		if !b.opts.failureIgnore {
			_ = sub.Close()
			return &KeyDispatchError{Op: "subscribe", Err: err}
		}
		b.logger.Warn("keys channel subscription not confirmed, it resumes once Redis is back",
			"channel", b.keysChannel(), "error", err)
	}
	b.keySub = sub

	listen := b.listen
	msgs := sub.Channel()
	b.frames.Add(1)
	go func() {
		defer b.frames.Done()
		for msg := range msgs {
			b.handleFrame(listen, msg.Payload)
		}
	}()

	if err := b.refreshBindings(ctx); err != nil {
		if !b.opts.failureIgnore {
			_ = sub.Close()
			b.frames.Wait()
			b.keySub = nil
			return err
		}
		b.logger.Warn("failed to restore key bindings", "error", err)
	}

	if b.opts.bindingRefreshInterval > 0 {
		run := b.run
		b.background.Add(1)
		go func() {
			defer b.background.Done()
			b.refreshLoop(run)
		}()
	}
	return nil
}

// stopKeys removes this node's bindings and closes the subscription.
// Must be called with b.lifecycle held.
func (b *hybridBus) stopKeys(ctx context.Context) error {
	keys, entries := b.local.keyEntries()
	for _, e := range entries {
		e.mu.Lock()
	}
	var bound []string
	for i, e := range entries {
		if e.bound {
			bound = append(bound, keys[i])
		}
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.keyTimeout)
	err := b.registry.UnbindAll(tctx, b.keysChannel(), bound)
	cancel()
	for i, e := range entries {
		// A binding left behind is dangling once the subscription is closed.
		e.bound = false
		b.local.dropIdle(keys[i], e)
		e.mu.Unlock()
	}

	if b.keySub != nil {
		if cerr := b.keySub.Close(); cerr != nil {
			b.logger.Debug("closing keys channel subscription", "error", cerr)
		}
		b.keySub = nil
	}
	if !b.await(ctx, b.frames.Wait) {
		b.logger.Warn("timeout waiting for key channel delivery, proceeding with shutdown")
	}

	if err != nil {
		b.otel.recordKeyError(ctx, "unregister")
		if b.opts.failureIgnore {
			b.logger.Warn("failed to remove key bindings, the sweeper will reclaim them", "error", err)
			return nil
		}
		return &KeyDispatchError{Op: "unregister", Err: err}
	}
	return nil
}

// dispatchKeys publishes payload to the channels bound to each key. All keys
// share one timeout.
func (b *hybridBus) dispatchKeys(ctx context.Context, payload []byte, keys []RegistrationKey) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.keyTimeout)
	defer cancel()

	var errs []error
	for _, key := range keys {
		if key == nil {
			continue
		}
		rk := RoutingKey(key)
		if err := b.dispatchKey(ctx, rk, payload); err != nil {
			b.otel.recordKeyError(ctx, "dispatch")
			if b.opts.failureIgnore {
				b.logger.Warn("key dispatch failed, ignoring", "routing_key", rk, "error", err)
				continue
			}
			errs = append(errs, &KeyDispatchError{Op: "dispatch", RoutingKey: rk, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (b *hybridBus) dispatchKey(ctx context.Context, rk string, payload []byte) error {
	channels, err := b.registry.Channels(ctx, rk)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}
	frame, err := codec.EncodeFrame(codec.Frame{
		EventBusID: b.id.String(),
		RoutingKey: rk,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	_, err = b.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, ch := range channels {
			p.Publish(ctx, ch, frame)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish to %d channels: %w", len(channels), err)
	}
	return nil
}

// handleFrame delivers one keys channel message to the local listeners.
// Malformed messages are dropped.
func (b *hybridBus) handleFrame(ctx context.Context, msg string) {
	f, err := codec.DecodeFrame(msg)
	if err != nil {
		b.logger.Warn("dropping keys channel message", "error", err)
		return
	}
	if _, err := b.converter.ToRegistrationKey(f.RoutingKey); err != nil {
		b.logger.Warn("dropping keys channel message", "routing_key", f.RoutingKey, "error", err)
		return
	}
	listeners := b.local.keyListeners(f.RoutingKey)
	if len(listeners) == 0 {
		b.logger.Debug("no local listener for key", "routing_key", f.RoutingKey)
		return
	}
	ev, err := b.serializer.Deserialize(f.Payload)
	if err != nil {
		b.logger.Warn("dropping keys channel message",
			"routing_key", f.RoutingKey, "sender", f.EventBusID, "error", err)
		return
	}

	for _, l := range listeners {
		if executionMode(l) == ExecutionModeAsync {
			if err := b.asyncSem.Acquire(ctx, 1); err != nil {
				return
			}
			b.listeners.Add(1)
			go func() {
				defer b.listeners.Done()
				defer b.asyncSem.Release(1)
				b.runKeyListener(ctx, l, ev, f.RoutingKey, ExecutionModeAsync)
			}()
			continue
		}
		b.runKeyListener(ctx, l, ev, f.RoutingKey, ExecutionModeSync)
	}
}

func (b *hybridBus) runKeyListener(ctx context.Context, l EventListener, ev Event, rk string, mode ExecutionMode) {
	ctx, end := b.otel.startSpan(ctx, "mailbus.key.deliver", trace.SpanKindConsumer,
		attribute.String("routing_key", rk),
		attribute.String("event_id", ev.EventID().String()),
	)
	err := invoke(ctx, l, ev)
	end(err)
	b.otel.recordKeyDelivery(ctx, mode, err)
	if err != nil {
		b.logger.Warn("key listener failed",
			"routing_key", rk, "event_id", ev.EventID().String(), "error", err)
	}
}
