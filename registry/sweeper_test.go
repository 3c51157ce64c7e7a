package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/naming"
)

func TestCleanUpAfterCrash(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	strategy := naming.Default()
	r := New(client, strategy)

	if err := client.SAdd(ctx, "rspamdKey", "value1", "value2").Err(); err != nil {
		t.Fatal(err)
	}

	channel := strategy.KeysChannel("crashed-node")
	sub := subscribe(t, client, channel)
	for i := 0; i < 1000; i++ {
		if err := r.Bind(ctx, fmt.Sprintf("mailbox-id:%d", i), channel); err != nil {
			t.Fatal(err)
		}
	}
	crash(t, client, sub, channel)

	sweeper := NewSweeper(client, strategy)
	result, err := sweeper.CleanUp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalBindings != 1000 || result.DanglingBindings != 1000 || result.CleanedBindings != 1000 {
		t.Fatalf("got total=%d dangling=%d cleaned=%d, want 1000 each",
			result.TotalBindings, result.DanglingBindings, result.CleanedBindings)
	}

	members, err := client.SMembers(ctx, "rspamdKey").Result()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "value1" || members[1] != "value2" {
		t.Errorf("unrelated key modified: %v", members)
	}

	again, err := sweeper.CleanUp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.TotalBindings != 0 || again.DanglingBindings != 0 || again.CleanedBindings != 0 {
		t.Errorf("rerun found %+v, want nothing", again)
	}
}

func TestConcurrentSweepers(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	strategy := naming.Default()
	r := New(client, strategy)

	live := strategy.KeysChannel("live-node")
	dead := strategy.KeysChannel("dead-node")
	sub := subscribe(t, client, live)
	t.Cleanup(func() { _ = sub.Close() })

	for i := 0; i < 500; i++ {
		if err := r.Bind(ctx, fmt.Sprintf("username:live%d", i), live); err != nil {
			t.Fatal(err)
		}
		if err := r.Bind(ctx, fmt.Sprintf("username:dead%d", i), dead); err != nil {
			t.Fatal(err)
		}
	}

	const sweepers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		cleaned int64
		errs    []error
	)
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := NewSweeper(client, strategy, WithBatchSize(37)).CleanUp(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			cleaned += res.CleanedBindings
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatal(errors.Join(errs...))
	}
	if cleaned != 500 {
		t.Fatalf("sweepers cleaned %d bindings in total, want 500", cleaned)
	}

	res, err := NewSweeper(client, strategy).CleanUp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.DanglingBindings != 0 || res.TotalBindings != 500 {
		t.Errorf("rerun found total=%d dangling=%d, want 500 live and 0 dangling", res.TotalBindings, res.DanglingBindings)
	}
	channels, err := r.Channels(ctx, "username:live7")
	if err != nil || len(channels) != 1 || channels[0] != live {
		t.Errorf("live binding touched: %v err=%v", channels, err)
	}
}

func TestCleanUpIgnoresOtherBus(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()
	mine := naming.Default()
	other := naming.MustNew("otherBus")

	if err := New(client, other).Bind(ctx, "username:a", other.KeysChannel("gone")); err != nil {
		t.Fatal(err)
	}
	res, err := NewSweeper(client, mine).CleanUp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalBindings != 0 {
		t.Errorf("scanned %d bindings of another bus", res.TotalBindings)
	}
	if ok, _ := client.HExists(ctx, other.BindingsKey("username:a"), other.KeysChannel("gone")).Result(); !ok {
		t.Error("binding of another bus removed")
	}
}

func TestCleanUpOnSweepCallback(t *testing.T) {
	_, client := newClient(t)
	var got *CleanupContext
	s := NewSweeper(client, naming.Default(), WithOnSweep(func(_ context.Context, c *CleanupContext) { got = c }))
	if _, err := s.CleanUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("expected callback")
	}
}

func TestCleanUpCanceled(t *testing.T) {
	_, client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewSweeper(client, naming.Default()).CleanUp(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !res.Interrupted {
		t.Error("expected interrupted result")
	}
}

func TestRun(t *testing.T) {
	_, client := newClient(t)
	strategy := naming.Default()
	if err := New(client, strategy).Bind(context.Background(), "username:a", strategy.KeysChannel("gone")); err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		runs  int
		clean int64
	)
	s := NewSweeper(client, strategy, WithOnSweep(func(_ context.Context, c *CleanupContext) {
		mu.Lock()
		runs++
		clean += c.CleanedBindings
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not run twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if clean != 1 {
		t.Errorf("cleaned %d bindings over all runs, want 1", clean)
	}

	if err := s.Run(context.Background(), 0); err == nil {
		t.Error("expected error for a zero interval")
	}
}

func TestCleanUpOnCluster(t *testing.T) {
	mr, _ := newClient(t)
	cluster := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = cluster.Close() })
	ctx := context.Background()
	strategy := naming.Default()
	r := New(cluster, strategy)

	live := strategy.KeysChannel("live-node")
	dead := strategy.KeysChannel("dead-node")
	sub := cluster.Subscribe(ctx, live)
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	if err := r.Bind(ctx, "mailbox-id:1", live); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind(ctx, "mailbox-id:1", dead); err != nil {
		t.Fatal(err)
	}

	res, err := NewSweeper(cluster, strategy).CleanUp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalBindings != 2 || res.DanglingBindings != 1 || res.CleanedBindings != 1 {
		t.Fatalf("got total=%d dangling=%d cleaned=%d, want 2/1/1",
			res.TotalBindings, res.DanglingBindings, res.CleanedBindings)
	}
	channels, err := r.Channels(ctx, "mailbox-id:1")
	if err != nil || len(channels) != 1 || channels[0] != live {
		t.Errorf("remaining channels %v err=%v, want only the live one", channels, err)
	}
}
