package dempsy

import (
	"context"
	"time"
)

// Defaults for the §6.4 configuration keys and the per-subsystem tunables
// §4/§5 name.
const (
	DefaultMaxPendingLimited    = 100000
	DefaultHardShutdown         = true
	DefaultDeserializationPool  = 2
	DefaultNumReaders           = 2
	DefaultMaxMessageSize       = 1 << 20 // 1 MiB; implementation-defined per §6.4

	// DefaultFastPoll/DefaultSteadyPoll drive AdaptivePoll-based backoff
	// (sender reconnects). The reconciler retries on DefaultRetryTimeout.
	DefaultFastPoll   = 10 * time.Millisecond
	DefaultSteadyPoll = 500 * time.Millisecond

	// DefaultRetryTimeout is the reconciler's directory-error retry
	// interval (§4.3 step 6).
	DefaultRetryTimeout = 500 * time.Millisecond

	// DefaultShutdownGrace is how long ThreadingModel.Stop waits for queued
	// work to drain when threading.hard_shutdown is false, before logging
	// and going on with shutdown (§5).
	DefaultShutdownGrace = 10 * time.Second

	// DefaultSenderQueueDepth bounds each Sender's outbound channel.
	DefaultSenderQueueDepth = 1000

	// DefaultIdleTimeout is the receiver janitor's idle-connection sweep
	// threshold, supplementing §4.1.
	DefaultIdleTimeout = 5 * time.Minute
)

// Option is a functional option mutating a Config, in the teacher's style.
type Option func(*Config)

// Config holds runtime settings for a node's message plane. Zero value is
// not meaningful; always build via NewConfig(opts...).
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	logger Logger
	stats  StatsCollector

	// receiver.network.if
	networkInterface string
	numReaders       int
	maxMessageSize   int
	idleTimeout      time.Duration

	// threading.*
	maxPendingLimited    int
	hardShutdown         bool
	deserializationPool  int
	shutdownGrace        time.Duration

	fastPoll   time.Duration
	steadyPoll time.Duration

	retryTimeout time.Duration

	senderQueueDepth int

	secureTransport bool
}

// NewConfig builds a runtime config by applying opts on top of library
// defaults.
func NewConfig(opts ...Option) *Config {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{
		ctx:                 ctx,
		cancel:              cancel,
		logger:              DefaultLogger(),
		stats:               NewDefaultStatsCollector(),
		numReaders:          DefaultNumReaders,
		maxMessageSize:      DefaultMaxMessageSize,
		idleTimeout:         DefaultIdleTimeout,
		maxPendingLimited:   DefaultMaxPendingLimited,
		hardShutdown:        DefaultHardShutdown,
		deserializationPool: DefaultDeserializationPool,
		shutdownGrace:       DefaultShutdownGrace,
		fastPoll:            DefaultFastPoll,
		steadyPoll:          DefaultSteadyPoll,
		retryTimeout:        DefaultRetryTimeout,
		senderQueueDepth:    DefaultSenderQueueDepth,
	}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithContext sets the base context for all goroutines the message plane
// spawns. Useful for cancellation or shared tracing.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithLogger overrides the default stderr logger.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStatsCollector overrides the default atomic-counter StatsCollector.
func WithStatsCollector(s StatsCollector) Option {
	return func(c *Config) {
		if s != nil {
			c.stats = s
		}
	}
}

// WithNetworkInterface sets receiver.network.if: the interface whose first
// non-loopback IPv4 address is used to bind the listening socket.
func WithNetworkInterface(name string) Option {
	return func(c *Config) { c.networkInterface = name }
}

// WithNumReaders sets receiver.num_handlers: the number of Reader
// goroutines, each owning its own epoll set.
func WithNumReaders(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.numReaders = n
		}
	}
}

// WithMaxMessageSize sets receiver.max_message_size: the per-frame limit.
func WithMaxMessageSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithIdleTimeout sets how long an idle connection survives before the
// receiver janitor closes it. Zero disables the sweep.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.idleTimeout = d
		}
	}
}

// WithMaxPendingLimited sets threading.max_pending: the soft cap on
// outstanding limited jobs.
func WithMaxPendingLimited(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxPendingLimited = n
		}
	}
}

// WithHardShutdown sets threading.hard_shutdown.
func WithHardShutdown(hard bool) Option {
	return func(c *Config) { c.hardShutdown = hard }
}

// WithDeserializationPool sets threading.deserialization_threads.
func WithDeserializationPool(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.deserializationPool = n
		}
	}
}

// WithShutdownGrace sets how long ThreadingModel.Stop waits for queued
// work to drain when threading.hard_shutdown is false.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// WithBackoff sets the fast/steady interval pair used by AdaptivePoll
// instances (sender reconnect).
func WithBackoff(fast, steady time.Duration) Option {
	return func(c *Config) {
		if fast > 0 {
			c.fastPoll = fast
		}
		if steady > 0 {
			c.steadyPoll = steady
		}
	}
}

// WithRetryTimeout sets the reconciler's directory-error retry interval.
func WithRetryTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.retryTimeout = d
		}
	}
}

// WithSenderQueueDepth bounds each Sender's outbound channel.
func WithSenderQueueDepth(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.senderQueueDepth = n
		}
	}
}

// WithSecureTransport enables a Noise NN handshake on every inter-node TCP
// connection before framing begins.
func WithSecureTransport(enabled bool) Option {
	return func(c *Config) { c.secureTransport = enabled }
}

// Context returns the base context this Config's subsystems were built
// with, for callers (e.g. SenderPool) that need to derive their own
// cancellation from it.
func (c *Config) Context() context.Context { return c.ctx }
