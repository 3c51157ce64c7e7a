package amqp

import (
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/rbaliyan/mailbus/retry"
)

// Defaults.
const (
	DefaultChannelPoolSize       = 8
	DefaultChannelAcquireTimeout = 5 * time.Second
	DefaultPrefetch              = 1
	DefaultDialTimeout           = 10 * time.Second
)

type options struct {
	poolSize       int
	acquireTimeout time.Duration
	prefetch       int
	dialConfig     amqp091.Config
	reconnect      retry.Policy
	logger         *slog.Logger
}

// Option configures a Broker.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		poolSize:       DefaultChannelPoolSize,
		acquireTimeout: DefaultChannelAcquireTimeout,
		prefetch:       DefaultPrefetch,
		dialConfig: amqp091.Config{
			Dial: amqp091.DefaultDial(DefaultDialTimeout),
		},
		reconnect: retry.Policy{
			MaxRetries:   10,
			FirstBackoff: 200 * time.Millisecond,
			MaxBackoff:   10 * time.Second,
			JitterFactor: 0.5,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithChannelPoolSize bounds the number of channels borrowed at once for
// declarations and publishes.
func WithChannelPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithChannelAcquireTimeout bounds how long an operation waits for a pooled
// channel before failing with ErrNoIdleChannel.
func WithChannelAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.acquireTimeout = d
		}
	}
}

// WithPrefetch sets the default consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithDialConfig sets the amqp091 dial configuration (credentials, TLS,
// heartbeat, vhost).
func WithDialConfig(cfg amqp091.Config) Option {
	return func(o *options) {
		if cfg.Dial == nil {
			cfg.Dial = amqp091.DefaultDial(DefaultDialTimeout)
		}
		o.dialConfig = cfg
	}
}

// WithReconnectPolicy sets the backoff used to re-dial. MaxRetries bounds the
// initial Dial; a lost connection is re-dialed without limit.
func WithReconnectPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.reconnect = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
