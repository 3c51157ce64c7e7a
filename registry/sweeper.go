package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/mailbus/naming"
)

// Sweeper defaults.
const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
)

// CleanupContext is the result of one sweep.
type CleanupContext struct {
	// TotalBindings is the number of bindings scanned.
	TotalBindings int64
	// DanglingBindings is the number of bindings whose channel had no subscriber.
	DanglingBindings int64
	// CleanedBindings is the number of bindings this sweep removed. A binding
	// removed concurrently by another sweeper is dangling here but not cleaned.
	CleanedBindings int64
	// Duration is the wall time of the sweep.
	Duration time.Duration
	// Interrupted is set when the context ended before the scan completed.
	Interrupted bool
}

// Sweeper removes bindings whose node is no longer subscribed to its keys
// channel, typically after a crash. It needs no running event bus and no
// coordination: several sweepers may run at once on the same registry.
type Sweeper struct {
	registry    *Registry
	client      redis.UniversalClient
	batchSize   int
	concurrency int
	logger      *slog.Logger
	onSweep     func(context.Context, *CleanupContext)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithBatchSize sets how many bindings share one PUBSUB NUMSUB round trip.
func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithConcurrency bounds the batches checked in parallel.
func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithScanCount sets the COUNT hint of SCAN and HSCAN.
func WithScanCount(n int64) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.registry.scanCount = n
		}
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOnSweep registers a callback run after every completed sweep.
func WithOnSweep(fn func(context.Context, *CleanupContext)) SweeperOption {
	return func(s *Sweeper) {
		s.onSweep = fn
	}
}

// NewSweeper returns a sweeper for the bindings of strategy.
func NewSweeper(client redis.UniversalClient, strategy naming.Strategy, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry:    New(client, strategy),
		client:      client,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CleanUp runs one sweep.
//
// Bindings are scanned with cursors and checked in batches: a batch asks
// PUBSUB NUMSUB for the subscriber count of its channels, and a binding whose
// channel has zero subscribers is removed with HDEL. CleanedBindings only
// counts the HDEL calls that removed a field, so the sums over concurrent
// sweepers equal the number of dangling bindings. Keys outside the bindings
// pattern of the bus are never read or written.
func (s *Sweeper) CleanUp(ctx context.Context) (*CleanupContext, error) {
	start := time.Now()
	result := &CleanupContext{}
	var total, dangling, cleaned atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	batch := make([]Binding, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		pending := batch
		batch = make([]Binding, 0, s.batchSize)
		g.Go(func() error {
			d, c, err := s.sweepBatch(gctx, pending)
			total.Add(int64(len(pending)))
			dangling.Add(d)
			cleaned.Add(c)
			return err
		})
	}

	scanErr := s.registry.Scan(gctx, func(b Binding) error {
		batch = append(batch, b)
		if len(batch) >= s.batchSize {
			flush()
		}
		return gctx.Err()
	})
	if scanErr == nil {
		flush()
	}
	err := g.Wait()
	if err == nil {
		err = scanErr
	}

	result.TotalBindings = total.Load()
	result.DanglingBindings = dangling.Load()
	result.CleanedBindings = cleaned.Load()
	result.Duration = time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			result.Interrupted = true
			return result, ctx.Err()
		}
		return result, fmt.Errorf("registry: cleanup: %w", err)
	}

	s.logger.Debug("binding sweep done",
		"bus", s.registry.naming.BusName(),
		"total", result.TotalBindings,
		"dangling", result.DanglingBindings,
		"cleaned", result.CleanedBindings,
		"duration", result.Duration)
	if s.onSweep != nil {
		s.onSweep(ctx, result)
	}
	return result, nil
}

// sweepBatch checks the channels of batch and removes the dangling bindings.
func (s *Sweeper) sweepBatch(ctx context.Context, batch []Binding) (dangling, cleaned int64, err error) {
	channels := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, b := range batch {
		if _, ok := seen[b.Channel]; ok {
			continue
		}
		seen[b.Channel] = struct{}{}
		channels = append(channels, b.Channel)
	}

	subscribers, err := s.numSub(ctx, channels)
	if err != nil {
		return 0, 0, fmt.Errorf("pubsub numsub: %w", err)
	}

	var stale []Binding
	for _, b := range batch {
		if subscribers[b.Channel] == 0 {
			stale = append(stale, b)
		}
	}
	if len(stale) == 0 {
		return 0, 0, nil
	}

	cmds := make([]*redis.IntCmd, len(stale))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, b := range stale {
			cmds[i] = p.HDel(ctx, b.Key, b.Channel)
		}
		return nil
	})
	if err != nil {
		return int64(len(stale)), 0, fmt.Errorf("hdel: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			cleaned++
			s.logger.Debug("removed dangling binding",
				"routing_key", stale[i].RoutingKey,
				"channel", stale[i].Channel)
		}
	}
	return int64(len(stale)), cleaned, nil
}

// numSub returns the subscriber count of each channel. A cluster node only
// counts the clients connected to it, so every shard is asked and the counts
// are summed.
func (s *Sweeper) numSub(ctx context.Context, channels []string) (map[string]int64, error) {
	cluster, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return s.client.PubSubNumSub(ctx, channels...).Result()
	}

	var mu sync.Mutex
	total := make(map[string]int64, len(channels))
	err := cluster.ForEachShard(ctx, func(ctx context.Context, c *redis.Client) error {
		counts, err := c.PubSubNumSub(ctx, channels...).Result()
		if err != nil {
			return fmt.Errorf("%s: %w", c.Options().Addr, err)
		}
		mu.Lock()
		for ch, n := range counts {
			total[ch] += n
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// Run sweeps immediately and then every interval until ctx ends. Sweep
// errors are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("registry: sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := s.CleanUp(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.logger.Warn("binding sweep failed", "bus", s.registry.naming.BusName(), "error", err)
		case result.CleanedBindings > 0:
			s.logger.Info("removed dangling bindings",
				"bus", s.registry.naming.BusName(),
				"cleaned", result.CleanedBindings,
				"total", result.TotalBindings)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
