// Package registry stores the key-path bindings of a bus in Redis and sweeps
// the ones left behind by crashed nodes.
//
// Each routing key owns one hash, BindingsKey(routingKey). A field of that
// hash is the keys channel of a node listening on the routing key; its value
// is the creation time in unix milliseconds:
//
//	HSET mailboxEvent-binding-mailbox-id:42 mailboxEvent-eventbus-keys-<id> 1718000000000
//
// A binding is only discovery metadata. Delivery goes through Redis pub/sub
// and is not queued.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/naming"
)

// DefaultScanCount is the COUNT hint used for SCAN and HSCAN.
const DefaultScanCount = 100

// Binding claims that a node listens on a routing key through its channel.
type Binding struct {
	// Key is the Redis hash holding the binding.
	Key        string
	RoutingKey string
	Channel    string
	// EventBusID is derived from Channel. Empty when the channel does not
	// follow the naming strategy.
	EventBusID string
	CreatedAt  time.Time
}

// Registry reads and writes bindings.
type Registry struct {
	client    redis.UniversalClient
	naming    naming.Strategy
	scanCount int64
}

// New returns a registry over client.
func New(client redis.UniversalClient, strategy naming.Strategy) *Registry {
	return &Registry{client: client, naming: strategy, scanCount: DefaultScanCount}
}

// Naming returns the naming strategy of the registry.
func (r *Registry) Naming() naming.Strategy {
	return r.naming
}

// Bind records that channel listens on routingKey.
func (r *Registry) Bind(ctx context.Context, routingKey, channel string) error {
	key := r.naming.BindingsKey(routingKey)
	if err := r.client.HSet(ctx, key, channel, nowMillis()).Err(); err != nil {
		return fmt.Errorf("registry: bind %s: %w", key, err)
	}
	return nil
}

// Refresh re-creates the bindings of channel for routingKeys, keeping the
// creation time of bindings that still exist.
func (r *Registry) Refresh(ctx context.Context, channel string, routingKeys []string) error {
	if len(routingKeys) == 0 {
		return nil
	}
	now := nowMillis()
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, rk := range routingKeys {
			p.HSetNX(ctx, r.naming.BindingsKey(rk), channel, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: refresh %d bindings: %w", len(routingKeys), err)
	}
	return nil
}

// Unbind removes the binding of channel on routingKey. It reports whether a
// binding was removed.
func (r *Registry) Unbind(ctx context.Context, routingKey, channel string) (bool, error) {
	key := r.naming.BindingsKey(routingKey)
	n, err := r.client.HDel(ctx, key, channel).Result()
	if err != nil {
		return false, fmt.Errorf("registry: unbind %s: %w", key, err)
	}
	return n == 1, nil
}

// UnbindAll removes the bindings of channel on every routing key in one round trip.
func (r *Registry) UnbindAll(ctx context.Context, channel string, routingKeys []string) error {
	if len(routingKeys) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, rk := range routingKeys {
			p.HDel(ctx, r.naming.BindingsKey(rk), channel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: unbind %d bindings: %w", len(routingKeys), err)
	}
	return nil
}

// Channels returns the channels bound to routingKey.
func (r *Registry) Channels(ctx context.Context, routingKey string) ([]string, error) {
	key := r.naming.BindingsKey(routingKey)
	channels, err := r.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: channels of %s: %w", key, err)
	}
	return channels, nil
}

// ScanKeys calls fn for every bindings hash of the bus. It walks the keyspace
// with a SCAN cursor, on every master of a cluster, and reports each key once.
func (r *Registry) ScanKeys(ctx context.Context, fn func(key string) error) error {
	seen := make(map[string]struct{})
	scan := func(ctx context.Context, c redis.UniversalClient) error {
		var cursor uint64
		for {
			keys, next, err := c.Scan(ctx, cursor, r.naming.BindingsPattern(), r.scanCount).Result()
			if err != nil {
				return fmt.Errorf("registry: scan: %w", err)
			}
			for _, k := range keys {
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				if err := fn(k); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}

	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		// ForEachMaster runs concurrently; masters are scanned one at a time
		// afterwards so seen needs no lock.
		var (
			mu      sync.Mutex
			masters []*redis.Client
		)
		err := cluster.ForEachMaster(ctx, func(_ context.Context, c *redis.Client) error {
			mu.Lock()
			masters = append(masters, c)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return fmt.Errorf("registry: list masters: %w", err)
		}
		for _, m := range masters {
			if err := scan(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}
	return scan(ctx, r.client)
}

// KeyBindings returns the bindings held by one bindings hash, walking it with
// an HSCAN cursor.
func (r *Registry) KeyBindings(ctx context.Context, key string) ([]Binding, error) {
	routingKey, ok := r.naming.RoutingKeyFromBindingsKey(key)
	if !ok {
		return nil, fmt.Errorf("registry: %q is not a bindings key of bus %s", key, r.naming.BusName())
	}

	var (
		out    []Binding
		cursor uint64
	)
	for {
		kv, next, err := r.client.HScan(ctx, key, cursor, "", r.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: hscan %s: %w", key, err)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			out = append(out, r.binding(key, routingKey, kv[i], kv[i+1]))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Scan calls fn for every binding of the bus.
func (r *Registry) Scan(ctx context.Context, fn func(Binding) error) error {
	return r.ScanKeys(ctx, func(key string) error {
		bindings, err := r.KeyBindings(ctx, key)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Registry) binding(key, routingKey, channel, value string) Binding {
	b := Binding{Key: key, RoutingKey: routingKey, Channel: channel}
	if id, ok := r.naming.EventBusIDFromChannel(channel); ok {
		b.EventBusID = id
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		b.CreatedAt = time.UnixMilli(ms)
	}
	return b
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
