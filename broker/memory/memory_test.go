package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailbus/broker"
)

func setup(t *testing.T) *Broker {
	t.Helper()
	ctx := context.Background()
	b := New()
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(b.DeclareExchange(ctx, broker.ExchangeSpec{Name: "ex", Kind: broker.KindTopic, Durable: true}))
	must(b.DeclareExchange(ctx, broker.ExchangeSpec{Name: "dlx", Kind: broker.KindFanout, Durable: true}))
	must(b.DeclareQueue(ctx, broker.QueueSpec{Name: "dlq", Durable: true}))
	must(b.BindQueue(ctx, broker.BindingSpec{Queue: "dlq", Exchange: "dlx"}))
	for _, q := range []string{"q1", "q2"} {
		must(b.DeclareQueue(ctx, broker.QueueSpec{Name: q, Durable: true, DeadLetterExchange: "dlx"}))
		must(b.BindQueue(ctx, broker.BindingSpec{Queue: q, Exchange: "ex", Key: "#"}))
	}
	return b
}

func receive(t *testing.T, c broker.Consumer) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-c.Deliveries():
		if !ok {
			t.Fatal("deliveries closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func TestPublishFansOutToBoundQueues(t *testing.T) {
	b := setup(t)
	if err := b.Publish(context.Background(), "ex", "event", broker.Message{Body: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if b.Len("q1") != 1 || b.Len("q2") != 1 {
		t.Fatalf("expected one message per queue, got q1=%d q2=%d", b.Len("q1"), b.Len("q2"))
	}
	if b.Len("dlq") != 0 {
		t.Fatalf("dead-letter queue must stay empty, got %d", b.Len("dlq"))
	}
}

func TestDeclarationsAreIdempotent(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	if err := b.DeclareQueue(ctx, broker.QueueSpec{Name: "q1", Durable: true}); err != nil {
		t.Fatal(err)
	}
	if err := b.BindQueue(ctx, broker.BindingSpec{Queue: "q1", Exchange: "ex", Key: "#"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if b.Len("q1") != 1 {
		t.Fatalf("duplicate binding must not duplicate messages, got %d", b.Len("q1"))
	}
	if err := b.DeclareExchange(ctx, broker.ExchangeSpec{Name: "ex", Kind: broker.KindDirect}); err == nil {
		t.Error("expected error redeclaring an exchange with another kind")
	}
}

func TestCompetingConsumers(t *testing.T) {
	b := setup(t)
	ctx := context.Background()

	const n = 50
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < 2; i++ {
		c, err := b.Consume(ctx, "q1", broker.ConsumeOptions{})
		if err != nil {
			t.Fatal(err)
		}
		go func() {
			for d := range c.Deliveries() {
				mu.Lock()
				seen[d.Message().MessageID]++
				mu.Unlock()
				_ = d.Ack()
				wg.Done()
			}
		}()
	}
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte("x")}); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("got %d distinct messages, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %s delivered %d times", id, count)
		}
	}
}

func TestOrderPreserved(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte(body)}); err != nil {
			t.Fatal(err)
		}
	}
	c, err := b.Consume(ctx, "q1", broker.ConsumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"a", "b", "c"} {
		d := receive(t, c)
		if got := string(d.Message().Body); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		_ = d.Ack()
	}
}

func TestNackRoutesToDeadLetterExchange(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte("#!garbage")}); err != nil {
		t.Fatal(err)
	}
	c, err := b.Consume(ctx, "q1", broker.ConsumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	d := receive(t, c)
	if err := d.Nack(false); err != nil {
		t.Fatal(err)
	}
	msg, ok := b.Get("dlq")
	if !ok {
		t.Fatal("expected message in dead-letter queue")
	}
	if string(msg.Body) != "#!garbage" {
		t.Errorf("unexpected body %q", msg.Body)
	}
	if msg.Header("x-first-death-queue") != "q1" {
		t.Errorf("unexpected x-first-death-queue %v", msg.Header("x-first-death-queue"))
	}
}

func TestNackRequeueRedelivers(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	c, err := b.Consume(ctx, "q1", broker.ConsumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	first := receive(t, c)
	if first.Redelivered() {
		t.Error("first delivery must not be flagged redelivered")
	}
	_ = first.Nack(true)
	second := receive(t, c)
	if !second.Redelivered() {
		t.Error("expected redelivered flag")
	}
	if second.Message().MessageID != first.Message().MessageID {
		t.Error("expected same message")
	}
	_ = second.Ack()
}

func TestCancelRequeuesUnsettled(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	c, err := b.Consume(ctx, "q1", broker.ConsumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	d := receive(t, c)
	if err := c.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-c.Deliveries(); ok {
		t.Error("expected deliveries to be closed")
	}
	if b.Len("q1") != 1 {
		t.Fatalf("expected unsettled delivery to be requeued, got %d", b.Len("q1"))
	}
	_ = d.Ack()
	if b.Len("q1") != 1 {
		t.Error("ack after cancel must be a no-op")
	}
	if b.Consumers("q1") != 0 {
		t.Error("expected consumer to be removed")
	}
}

func TestUnavailable(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	b.SetAvailable(false)
	if err := b.Publish(ctx, "ex", "event", broker.Message{}); !errors.Is(err, broker.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := b.DeclareQueue(ctx, broker.QueueSpec{Name: "q3"}); !errors.Is(err, broker.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	b.SetAvailable(true)
	if err := b.Publish(ctx, "ex", "event", broker.Message{}); err != nil {
		t.Errorf("expected publish to recover, got %v", err)
	}
}

func TestUnknownExchangeAndQueue(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	if err := b.Publish(ctx, "nope", "event", broker.Message{}); !errors.Is(err, broker.ErrExchangeNotFound) {
		t.Errorf("expected ErrExchangeNotFound, got %v", err)
	}
	if _, err := b.Consume(ctx, "nope", broker.ConsumeOptions{}); !errors.Is(err, broker.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestCloseKeepsQueues(t *testing.T) {
	b := setup(t)
	ctx := context.Background()
	if err := b.Publish(ctx, "ex", "event", broker.Message{Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !b.HasQueue("q1") || !b.HasExchange("ex") || b.Len("q1") != 1 {
		t.Error("close must keep queues and messages")
	}
	if err := b.Publish(ctx, "ex", "event", broker.Message{}); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
