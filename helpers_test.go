package mailbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/broker/memory"
	dlmemory "github.com/rbaliyan/mailbus/deadletter/memory"
	"github.com/rbaliyan/mailbus/mailevent"
	"github.com/rbaliyan/mailbus/retry"
)

// cluster is the shared infrastructure of several bus instances.
type cluster struct {
	mr     *miniredis.Miniredis
	broker *memory.Broker
	store  *dlmemory.Store
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return &cluster{mr: miniredis.RunT(t), broker: b, store: dlmemory.New()}
}

func (c *cluster) client(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: c.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func fastRetry(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:   maxRetries,
		FirstBackoff: 5 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
		Multiplier:   2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBus returns a started bus. It is closed when the test ends.
func (c *cluster) newBus(t *testing.T, opts ...Option) EventBus {
	t.Helper()
	base := []Option{
		WithBroker(c.broker),
		WithRedisClient(c.client(t)),
		WithDeadLetterStore(c.store),
		WithLogger(discardLogger()),
		WithRetryPolicy(fastRetry(2)),
		WithKeyTimeout(time.Second),
		WithBrokerTimeout(time.Second),
		WithShutdownTimeout(2 * time.Second),
	}
	bus, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

// recorder is a listener collecting the events it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Event(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) ids() []EventID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventID, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventID()
	}
	return out
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// never fails if cond becomes true within d.
func never(t *testing.T, what string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func messageAdded(mailboxID string, uid uint32) *mailevent.MessageAdded {
	return mailevent.NewMessageAdded("bob@domain.tld", mailboxID, 1024, uid)
}
