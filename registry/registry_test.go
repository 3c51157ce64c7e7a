package registry

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/naming"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// subscribe simulates a live node listening on channel.
func subscribe(t *testing.T, client *redis.Client, channel string) *redis.PubSub {
	t.Helper()
	ctx := context.Background()
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe %s: %v", channel, err)
	}
	return sub
}

// crash closes sub without unbinding and waits until Redis sees no subscriber.
func crash(t *testing.T, client *redis.Client, sub *redis.PubSub, channel string) {
	t.Helper()
	_ = sub.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(context.Background(), channel).Result()
		if err != nil {
			t.Fatal(err)
		}
		if n[channel] == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel %s still has %d subscribers", channel, n[channel])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBindChannelsUnbind(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	strategy := naming.Default()
	r := New(client, strategy)

	chA := strategy.KeysChannel("node-a")
	chB := strategy.KeysChannel("node-b")
	for _, ch := range []string{chA, chB} {
		if err := r.Bind(ctx, "mailbox-id:1", ch); err != nil {
			t.Fatal(err)
		}
	}

	channels, err := r.Channels(ctx, "mailbox-id:1")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(channels)
	if len(channels) != 2 || channels[0] != chA || channels[1] != chB {
		t.Fatalf("unexpected channels %v", channels)
	}

	removed, err := r.Unbind(ctx, "mailbox-id:1", chA)
	if err != nil || !removed {
		t.Fatalf("unbind: removed=%v err=%v", removed, err)
	}
	removed, err = r.Unbind(ctx, "mailbox-id:1", chA)
	if err != nil || removed {
		t.Fatalf("second unbind: removed=%v err=%v", removed, err)
	}

	if err := r.UnbindAll(ctx, chB, []string{"mailbox-id:1", "mailbox-id:2"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := client.Exists(ctx, strategy.BindingsKey("mailbox-id:1")).Result(); n != 0 {
		t.Error("expected empty bindings hash to disappear")
	}
}

func TestScan(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	strategy := naming.Default()
	r := New(client, strategy)

	ch := strategy.KeysChannel("6b1e8c1e-0000-4000-8000-000000000001")
	before := time.Now().Add(-time.Second)
	for i := 0; i < 25; i++ {
		if err := r.Bind(ctx, fmt.Sprintf("username:user%d", i), ch); err != nil {
			t.Fatal(err)
		}
	}
	if err := client.HSet(ctx, naming.MustNew("otherBus").BindingsKey("username:user0"), ch, 1).Err(); err != nil {
		t.Fatal(err)
	}

	var got []Binding
	err := r.Scan(ctx, func(b Binding) error {
		got = append(got, b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 25 {
		t.Fatalf("got %d bindings, want 25", len(got))
	}
	for _, b := range got {
		if b.EventBusID != "6b1e8c1e-0000-4000-8000-000000000001" {
			t.Errorf("unexpected event bus id %q", b.EventBusID)
		}
		if b.CreatedAt.Before(before) {
			t.Errorf("unexpected created at %v", b.CreatedAt)
		}
		if b.Key != strategy.BindingsKey(b.RoutingKey) {
			t.Errorf("key %q does not match routing key %q", b.Key, b.RoutingKey)
		}
	}
}

func TestRefreshRestoresSweptBinding(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	strategy := naming.Default()
	r := New(client, strategy)
	ch := strategy.KeysChannel("node")

	if err := client.HSet(ctx, strategy.BindingsKey("username:a"), ch, 42).Err(); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(ctx, ch, []string{"username:a", "username:b"}); err != nil {
		t.Fatal(err)
	}
	v, err := client.HGet(ctx, strategy.BindingsKey("username:a"), ch).Result()
	if err != nil || v != "42" {
		t.Errorf("refresh must keep the creation time, got %q err=%v", v, err)
	}
	if ok, _ := client.HExists(ctx, strategy.BindingsKey("username:b"), ch).Result(); !ok {
		t.Error("refresh must restore a missing binding")
	}
}

func TestKeyBindingsRejectsForeignKey(t *testing.T) {
	_, client := newClient(t)
	r := New(client, naming.Default())
	if _, err := r.KeyBindings(context.Background(), "rspamdKey"); err == nil {
		t.Error("expected error for a key outside the bus namespace")
	}
}
