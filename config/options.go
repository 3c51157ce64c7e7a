package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus"
	"github.com/rbaliyan/mailbus/broker/amqp"
	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/deadletter"
	dlmemory "github.com/rbaliyan/mailbus/deadletter/memory"
	"github.com/rbaliyan/mailbus/deadletter/mongo"
	"github.com/rbaliyan/mailbus/deadletter/postgres"
	"github.com/rbaliyan/mailbus/mailevent"
	"github.com/rbaliyan/mailbus/registry"
	"github.com/rbaliyan/mailbus/retry"
)

// RedisOptions returns the options of the Redis client.
func (c *Config) RedisOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        c.Redis.Addrs,
		MasterName:   c.Redis.MasterName,
		Username:     c.Redis.Username,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.Timeout,
		ReadTimeout:  c.Redis.Timeout,
		WriteTimeout: c.Redis.Timeout,
	}
}

// NewRedisClient returns a standalone, sentinel or cluster client.
func (c *Config) NewRedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(c.RedisOptions())
}

// RetryPolicy returns the backoff policy of group listeners.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:   c.Retry.MaxRetries,
		FirstBackoff: c.Retry.FirstBackoff,
		MaxBackoff:   c.Retry.MaxBackoff,
		JitterFactor: c.Retry.JitterFactor,
		Multiplier:   c.Retry.Multiplier,
	}.Normalize()
}

// AMQPOptions returns the options of broker/amqp.
func (c *Config) AMQPOptions(logger *slog.Logger) []amqp.Option {
	opts := []amqp.Option{amqp.WithLogger(logger)}
	if c.AMQP.ChannelPoolSize > 0 {
		opts = append(opts, amqp.WithChannelPoolSize(c.AMQP.ChannelPoolSize))
	}
	return opts
}

// DialBroker connects to the configured AMQP broker.
func (c *Config) DialBroker(ctx context.Context, logger *slog.Logger) (*amqp.Broker, error) {
	return amqp.Dial(ctx, c.AMQP.URL, c.AMQPOptions(logger)...)
}

// SweeperOptions returns the options of registry.Sweeper.
func (c *Config) SweeperOptions(logger *slog.Logger) []registry.SweeperOption {
	opts := []registry.SweeperOption{registry.WithSweeperLogger(logger)}
	if c.Sweep.BatchSize > 0 {
		opts = append(opts, registry.WithBatchSize(c.Sweep.BatchSize))
	}
	if c.Sweep.Concurrency > 0 {
		opts = append(opts, registry.WithConcurrency(c.Sweep.Concurrency))
	}
	return opts
}

// BusOptions returns the event bus options that do not hold a connection.
// Add WithBroker, WithRedisClient and WithDeadLetterStore.
func (c *Config) BusOptions(logger *slog.Logger) ([]mailbus.Option, error) {
	strategy, err := c.Naming()
	if err != nil {
		return nil, err
	}
	opts := []mailbus.Option{
		mailbus.WithNaming(strategy),
		mailbus.WithLogger(logger),
		mailbus.WithRetryPolicy(c.RetryPolicy()),
		mailbus.WithFailureIgnore(c.Keys.FailureIgnore),
		mailbus.WithKeyTimeout(c.Keys.Timeout),
		mailbus.WithBindingRefreshInterval(c.Keys.RefreshInterval),
		mailbus.WithBrokerTimeout(c.AMQP.Timeout),
		mailbus.WithMaxConcurrentRetries(c.AMQP.MaxConcurrentRetries),
		mailbus.WithMaxAsyncListeners(c.Bus.MaxAsyncListeners),
		mailbus.WithShutdownTimeout(c.Bus.ShutdownTimeout),
		mailbus.WithTracing(c.Bus.Tracing),
		mailbus.WithMetrics(c.Bus.Metrics),
		mailbus.WithServiceName(c.Bus.ServiceName),
	}
	if c.Sweep.Interval > 0 {
		opts = append(opts, mailbus.WithBindingSweep(c.Sweep.Interval, c.SweeperOptions(logger)...))
	}
	return opts, nil
}

// OpenDeadLetterStore connects the configured dead-letter store. The returned
// function releases its connection. A nil serializer means the mailevent types.
func (c *Config) OpenDeadLetterStore(ctx context.Context, serializer codec.Serializer, logger *slog.Logger) (deadletter.Store, func(context.Context) error, error) {
	if serializer == nil {
		serializer = mailevent.NewSerializer()
	}
	d := c.DeadLetter
	switch d.Backend {
	case BackendPostgres:
		db, err := postgres.Open(ctx, d.DSN)
		if err != nil {
			return nil, nil, err
		}
		opts := []postgres.Option{postgres.WithLogger(logger)}
		if d.Table != "" {
			opts = append(opts, postgres.WithTable(d.Table))
		}
		if d.Timeout > 0 {
			opts = append(opts, postgres.WithTimeout(d.Timeout))
		}
		s := postgres.New(db, serializer, opts...)
		if err := s.Connect(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, func(ctx context.Context) error {
			_ = s.Close(ctx)
			return db.Close()
		}, nil

	case BackendMongo:
		client, err := mongo.Open(d.URI)
		if err != nil {
			return nil, nil, err
		}
		opts := []mongo.Option{mongo.WithLogger(logger)}
		if d.Database != "" {
			opts = append(opts, mongo.WithDatabase(d.Database))
		}
		if d.Collection != "" {
			opts = append(opts, mongo.WithCollection(d.Collection))
		}
		if d.Timeout > 0 {
			opts = append(opts, mongo.WithTimeout(d.Timeout))
		}
		s := mongo.New(client, serializer, opts...)
		if err := s.Connect(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return s, func(ctx context.Context) error {
			_ = s.Close(ctx)
			return client.Disconnect(ctx)
		}, nil

	case BackendMemory:
		return dlmemory.New(), func(context.Context) error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown dead_letter.backend %q", ErrInvalid, d.Backend)
}

// NewBus connects every backend and returns a bus that is not started. The
// returned function closes the bus and the connections it opened.
func (c *Config) NewBus(ctx context.Context, logger *slog.Logger, serializer codec.Serializer) (mailbus.EventBus, func(context.Context) error, error) {
	opts, err := c.BusOptions(logger)
	if err != nil {
		return nil, nil, err
	}
	if serializer == nil {
		serializer = mailevent.NewSerializer()
	}

	rdb := c.NewRedisClient()
	b, err := c.DialBroker(ctx, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	store, closeStore, err := c.OpenDeadLetterStore(ctx, serializer, logger)
	if err != nil {
		_ = b.Close(ctx)
		_ = rdb.Close()
		return nil, nil, err
	}

	opts = append(opts,
		mailbus.WithBroker(b),
		mailbus.WithRedisClient(rdb),
		mailbus.WithDeadLetterStore(store),
		mailbus.WithSerializer(serializer),
	)
	if c.Bus.Notifications {
		opts = append(opts, mailbus.WithNotificationRedis(rdb))
	}
	bus, err := mailbus.New(opts...)
	if err != nil {
		_ = closeStore(ctx)
		_ = b.Close(ctx)
		_ = rdb.Close()
		return nil, nil, err
	}

	closeAll := func(ctx context.Context) error {
		err := bus.Close(ctx)
		if cerr := closeStore(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := b.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := rdb.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}
	return bus, closeAll, nil
}
