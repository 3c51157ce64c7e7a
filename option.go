package mailbus

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/mailbus/broker"
	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/deadletter"
	"github.com/rbaliyan/mailbus/naming"
	"github.com/rbaliyan/mailbus/registry"
	"github.com/rbaliyan/mailbus/retry"
)

// Default configuration values.
const (
	DefaultKeyTimeout             = 10 * time.Second
	DefaultBrokerTimeout          = 10 * time.Second
	DefaultShutdownTimeout        = 30 * time.Second
	DefaultBindingRefreshInterval = time.Minute
	DefaultMaxConcurrentRetries   = 16
	DefaultMaxAsyncListeners      = 64
)

// options holds event bus configuration.
type options struct {
	naming      naming.Strategy
	broker      broker.Broker
	redisClient redis.UniversalClient
	deadLetters deadletter.Store
	serializer  codec.Serializer
	converter   *RoutingKeyConverter
	logger      *slog.Logger

	retryPolicy retry.Policy

	// Key path
	failureIgnore          bool
	keyTimeout             time.Duration
	bindingRefreshInterval time.Duration

	// Background binding sweep, disabled when zero
	sweepInterval time.Duration
	sweepOptions  []registry.SweeperOption

	// Group path
	brokerTimeout        time.Duration
	maxConcurrentRetries int

	maxAsyncListeners int
	shutdownTimeout   time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Lifecycle notifications
	notificationTransport transport.Transport
	notificationRedis     redis.UniversalClient
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		naming:                 naming.Default(),
		logger:                 slog.Default(),
		retryPolicy:            retry.DefaultPolicy(),
		keyTimeout:             DefaultKeyTimeout,
		bindingRefreshInterval: DefaultBindingRefreshInterval,
		brokerTimeout:          DefaultBrokerTimeout,
		maxConcurrentRetries:   DefaultMaxConcurrentRetries,
		maxAsyncListeners:      DefaultMaxAsyncListeners,
		shutdownTimeout:        DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retryPolicy = o.retryPolicy.Normalize()
	return o
}

// Option configures an event bus.
type Option func(*options)

// --- Core Options ---

// WithNaming sets the naming strategy. Buses with different bus names never
// see each other's events. Default is naming.Default().
func WithNaming(s naming.Strategy) Option {
	return func(o *options) {
		if s.BusName() != "" {
			o.naming = s
		}
	}
}

// WithBroker sets the durable broker of the group path (required).
func WithBroker(b broker.Broker) Option {
	return func(o *options) {
		if b != nil {
			o.broker = b
		}
	}
}

// WithRedisClient sets the Redis client of the key path and the binding
// registry (required). Standalone, sentinel and cluster clients are supported.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithDeadLetterStore sets the dead-letter store.
// Default is an in-memory store, lost on restart.
func WithDeadLetterStore(s deadletter.Store) Option {
	return func(o *options) {
		if s != nil {
			o.deadLetters = s
		}
	}
}

// WithSerializer sets the event codec. Every node of a cluster must use the
// same type names. Default knows the mailevent types.
func WithSerializer(s codec.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithKeyFactories registers the factories of application-defined
// registration keys, in addition to MailboxIDKey and UsernameKey.
func WithKeyFactories(factories ...KeyFactory) Option {
	return func(o *options) {
		if o.converter == nil {
			o.converter = NewRoutingKeyConverter()
		}
		for _, f := range factories {
			o.converter.Register(f)
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Group Path Options ---

// WithRetryPolicy sets the backoff policy of failing group listeners.
// Default is retry.DefaultPolicy().
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.retryPolicy = p
	}
}

// WithBrokerTimeout bounds every publish and declaration on the broker.
// Default is 10 seconds.
func WithBrokerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.brokerTimeout = d
		}
	}
}

// WithMaxConcurrentRetries bounds the deliveries waiting for a retry per
// group. Default is 16.
func WithMaxConcurrentRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentRetries = n
		}
	}
}

// --- Key Path Options ---

// WithFailureIgnore makes key path failures log instead of returning an
// error, so an unreachable Redis does not block dispatch. Default is false.
func WithFailureIgnore(ignore bool) Option {
	return func(o *options) {
		o.failureIgnore = ignore
	}
}

// WithKeyTimeout bounds every Redis call of the key path.
// Default is 10 seconds.
func WithKeyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keyTimeout = d
		}
	}
}

// WithBindingRefreshInterval sets how often the bindings of local keys are
// re-written, restoring those removed during a partition. Zero disables the
// refresh. Default is one minute.
func WithBindingRefreshInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.bindingRefreshInterval = d
		}
	}
}

// WithBindingSweep runs a registry.Sweeper every interval while the bus is
// started. Default is disabled; the sweeper can also run stand-alone.
func WithBindingSweep(interval time.Duration, opts ...registry.SweeperOption) Option {
	return func(o *options) {
		if interval > 0 {
			o.sweepInterval = interval
			o.sweepOptions = opts
		}
	}
}

// WithMaxAsyncListeners bounds the asynchronous key listeners running at once.
// Default is 64.
func WithMaxAsyncListeners(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAsyncListeners = n
		}
	}
}

// WithShutdownTimeout sets the maximum time Stop waits for in-flight
// deliveries. Default is 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for OpenTelemetry telemetry.
// Default is "mailbus".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Notification Options ---

// WithNotificationTransport sets the transport of lifecycle notifications.
// If not provided, a noop transport is used (notifications are dropped).
func WithNotificationTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.notificationTransport = t
		}
	}
}

// WithNotificationRedis publishes lifecycle notifications through Redis.
func WithNotificationRedis(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.notificationRedis = client
		}
	}
}
