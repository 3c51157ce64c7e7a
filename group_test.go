package mailbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/mailbus/broker"
	"github.com/rbaliyan/mailbus/mailevent"
	"github.com/rbaliyan/mailbus/naming"
	"github.com/rbaliyan/mailbus/retry"
)

func TestGroupDeliveredOnce(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	busA := c.newBus(t)
	busB := c.newBus(t)

	indexerA, indexerB, quota := &recorder{}, &recorder{}, &recorder{}
	if _, err := busA.Register(ctx, indexerA, "indexer"); err != nil {
		t.Fatal(err)
	}
	if _, err := busB.Register(ctx, indexerB, "indexer"); err != nil {
		t.Fatal(err)
	}
	if _, err := busB.Register(ctx, quota, "quota"); err != nil {
		t.Fatal(err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		if err := busA.Dispatch(ctx, messageAdded("1", uint32(i))); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, "indexer deliveries", func() bool { return indexerA.count()+indexerB.count() == n })
	eventually(t, "quota deliveries", func() bool { return quota.count() == n })
	never(t, "duplicate delivery", 100*time.Millisecond, func() bool {
		return indexerA.count()+indexerB.count() > n || quota.count() > n
	})

	seen := make(map[EventID]bool)
	for _, id := range append(indexerA.ids(), indexerB.ids()...) {
		if seen[id] {
			t.Fatalf("event %s delivered twice to the group", id)
		}
		seen[id] = true
	}
}

func TestGroupOrderPreserved(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t)

	r := &recorder{}
	if _, err := bus.Register(ctx, r, "ordered"); err != nil {
		t.Fatal(err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := bus.Dispatch(ctx, messageAdded("1", uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "deliveries", func() bool { return r.count() == n })

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if got := ev.(*mailevent.MessageAdded).UIDs[0]; got != uint32(i) {
			t.Fatalf("event %d has uid %d", i, got)
		}
	}
}

func TestBusNamesAreIsolated(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	busA := c.newBus(t)
	busB := c.newBus(t, WithNaming(naming.MustNew("otherBus")))

	ra, rb := &recorder{}, &recorder{}
	if _, err := busA.Register(ctx, ra, "g"); err != nil {
		t.Fatal(err)
	}
	if _, err := busB.Register(ctx, rb, "g"); err != nil {
		t.Fatal(err)
	}
	if _, err := busB.RegisterKey(ctx, rb, MailboxIDKey("1")); err != nil {
		t.Fatal(err)
	}

	ev := messageAdded("1", 1)
	if err := busA.Dispatch(ctx, ev, ev.Keys()...); err != nil {
		t.Fatal(err)
	}
	eventually(t, "delivery on the same bus", func() bool { return ra.count() == 1 })
	never(t, "delivery across bus names", 100*time.Millisecond, func() bool { return rb.count() > 0 })
}

func TestRegisterGroupTwice(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t)

	reg, err := bus.Register(ctx, &recorder{}, "g")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Register(ctx, &recorder{}, "g"); !errors.Is(err, ErrGroupAlreadyRegistered) {
		t.Fatalf("expected ErrGroupAlreadyRegistered, got %v", err)
	}
	if err := reg.Unregister(ctx); err != nil {
		t.Fatal(err)
	}
	if err := reg.Unregister(ctx); err != nil {
		t.Fatalf("second unregister: %v", err)
	}
	if _, err := bus.Register(ctx, &recorder{}, "g"); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
}

func TestRegisterInvalidGroup(t *testing.T) {
	bus := newCluster(t).newBus(t)
	if _, err := bus.Register(context.Background(), &recorder{}, ""); err == nil {
		t.Error("expected error for an empty group")
	}
	if _, err := bus.Register(context.Background(), nil, "g"); !errors.Is(err, ErrNilListener) {
		t.Errorf("expected ErrNilListener, got %v", err)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t, WithRetryPolicy(fastRetry(2)))

	r := &recorder{err: errors.New("index unavailable")}
	if _, err := bus.Register(ctx, r, "indexer"); err != nil {
		t.Fatal(err)
	}
	ev := messageAdded("1", 1)
	if err := bus.Dispatch(ctx, ev); err != nil {
		t.Fatal(err)
	}

	eventually(t, "dead letter", func() bool { return c.store.Len("indexer") == 1 })
	if got := r.count(); got != 3 {
		t.Errorf("listener called %d times, want 3", got)
	}

	ids, err := c.store.FailedIDs(ctx, "indexer")
	if err != nil || len(ids) != 1 {
		t.Fatalf("failed ids: %v err=%v", ids, err)
	}
	stored, err := c.store.Failed(ctx, "indexer", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if stored.EventID() != ev.EventID() {
		t.Errorf("stored %s, want %s", stored.EventID(), ev.EventID())
	}

	r.setErr(nil)
	n, err := ReDeliverAll(ctx, bus, c.store, "indexer")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("redelivered %d events, want 1", n)
	}
	if c.store.Len("indexer") != 0 {
		t.Error("redelivered entry not removed")
	}
	if got := r.count(); got != 4 {
		t.Errorf("listener called %d times after redelivery, want 4", got)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t, WithRetryPolicy(fastRetry(3)))

	var calls atomic.Int32
	l := ListenerFunc(func(context.Context, Event) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if _, err := bus.Register(ctx, l, "g"); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dispatch(ctx, messageAdded("1", 1)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "third attempt", func() bool { return calls.Load() == 3 })
	never(t, "extra attempt", 100*time.Millisecond, func() bool { return calls.Load() > 3 })
	if c.store.Len("g") != 0 {
		t.Error("successful delivery dead-lettered")
	}
}

func TestNotRetryableErrorDeadLettersAtOnce(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t, WithRetryPolicy(fastRetry(5)))

	r := &recorder{err: retry.MarkNotRetryable(errors.New("bad mailbox"))}
	if _, err := bus.Register(ctx, r, "g"); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dispatch(ctx, messageAdded("1", 1)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "dead letter", func() bool { return c.store.Len("g") == 1 })
	if got := r.count(); got != 1 {
		t.Errorf("listener called %d times, want 1", got)
	}
}

func TestListenerPanicIsAFailure(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t, WithRetryPolicy(fastRetry(0)))

	l := ListenerFunc(func(context.Context, Event) error { panic("boom") })
	if _, err := bus.Register(ctx, l, "g"); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dispatch(ctx, messageAdded("1", 1)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "dead letter", func() bool { return c.store.Len("g") == 1 })
}

func TestReDeliverUnknownGroup(t *testing.T) {
	bus := newCluster(t).newBus(t)
	err := bus.ReDeliver(context.Background(), "nobody", messageAdded("1", 1))
	if !errors.Is(err, ErrGroupRegistrationNotFound) {
		t.Fatalf("expected ErrGroupRegistrationNotFound, got %v", err)
	}
	var notFound *GroupRegistrationNotFoundError
	if !errors.As(err, &notFound) || notFound.Group != "nobody" {
		t.Errorf("unexpected error %#v", err)
	}
	if _, err := ReDeliverAll(context.Background(), bus, bus.DeadLetters(), "nobody"); err != nil {
		t.Errorf("nothing to redeliver, got %v", err)
	}
}

func TestReDeliverAllStopsWithoutListener(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t)
	if _, err := c.store.Store(ctx, "gone", messageAdded("1", 1)); err != nil {
		t.Fatal(err)
	}
	n, err := ReDeliverAll(ctx, bus, c.store, "gone")
	if n != 0 || !IsGroupRegistrationNotFound(err) {
		t.Fatalf("got n=%d err=%v", n, err)
	}
	if c.store.Len("gone") != 1 {
		t.Error("entry removed without delivery")
	}
}

func TestDispatchFailureIsStored(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t)

	c.broker.SetAvailable(false)
	for i := 0; i < 2; i++ {
		err := bus.Dispatch(ctx, messageAdded("1", uint32(i)))
		if !errors.Is(err, ErrDispatchFailed) {
			t.Fatalf("expected ErrDispatchFailed, got %v", err)
		}
		var derr *DispatchError
		if !errors.As(err, &derr) || !derr.Stored {
			t.Fatalf("expected a stored DispatchError, got %v", err)
		}
	}
	if got := c.store.Len(DispatchingFailureGroup); got != 2 {
		t.Fatalf("stored %d undispatched events, want 2", got)
	}

	c.broker.SetAvailable(true)
	r := &recorder{}
	if _, err := bus.Register(ctx, r, "g"); err != nil {
		t.Fatal(err)
	}
	n, err := ReDeliverAll(ctx, bus, c.store, DispatchingFailureGroup)
	if err != nil || n != 2 {
		t.Fatalf("redelivered %d err=%v", n, err)
	}
	eventually(t, "replayed events", func() bool { return r.count() == 2 })
	if c.store.Len(DispatchingFailureGroup) != 0 {
		t.Error("replayed events not removed")
	}
}

func TestMalformedMessageRejected(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t)

	r := &recorder{}
	if _, err := bus.Register(ctx, r, "g"); err != nil {
		t.Fatal(err)
	}
	if err := c.broker.Publish(ctx, bus.Naming().Exchange(), EventRoutingKey, broker.Message{Body: []byte("garbage")}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dispatch(ctx, messageAdded("1", 1)); err != nil {
		t.Fatal(err)
	}

	eventually(t, "valid event", func() bool { return r.count() == 1 })
	eventually(t, "dead-letter queue", func() bool { return c.broker.Len(bus.Naming().DeadLetterQueue()) == 1 })
	if c.store.Len("g") != 0 {
		t.Error("malformed message stored as a dead letter")
	}
}

func TestStopHandsOverPendingRetry(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t, WithRetryPolicy(retry.Policy{MaxRetries: 3, FirstBackoff: time.Hour, MaxBackoff: time.Hour}))

	r := &recorder{err: errors.New("down")}
	if _, err := bus.Register(ctx, r, "g"); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dispatch(ctx, messageAdded("1", 1)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first attempt", func() bool { return r.count() == 1 })

	if err := bus.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	queue := bus.Naming().WorkQueue("g")
	msg, ok := c.broker.Get(queue)
	if !ok {
		t.Fatal("pending retry not handed back to the work queue")
	}
	if got := retryCount(msg); got != 1 {
		t.Errorf("retry count %d, want 1", got)
	}
	if _, extra := c.broker.Get(queue); extra {
		t.Error("message handed back twice")
	}
	if c.store.Len("g") != 0 {
		t.Error("interrupted retry dead-lettered")
	}
}

func TestRetryCountResumesAfterHandOver(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	bus := c.newBus(t, WithRetryPolicy(fastRetry(2)))

	r := &recorder{err: errors.New("down")}
	if _, err := bus.Register(ctx, r, "g"); err != nil {
		t.Fatal(err)
	}
	payload, err := mailevent.NewSerializer().Serialize(messageAdded("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	// Two attempts already spent elsewhere: one attempt is left.
	err = c.broker.Publish(ctx, bus.Naming().RetryExchange("g"), "", broker.Message{
		Body:    payload,
		Headers: map[string]any{RetryCountHeader: int32(2)},
	})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "dead letter", func() bool { return c.store.Len("g") == 1 })
	if got := r.count(); got != 1 {
		t.Errorf("listener called %d times, want 1", got)
	}
}

func TestRetryCountHeader(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int
	}{
		{"missing", nil, 0},
		{"int", 3, 3},
		{"int32", int32(2), 2},
		{"int64", int64(5), 5},
		{"string", "4", 4},
		{"garbage", "x", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := broker.Message{}
			if tt.value != nil {
				msg.Headers = map[string]any{RetryCountHeader: tt.value}
			}
			if got := retryCount(msg); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
