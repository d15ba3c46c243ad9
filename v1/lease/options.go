package lease

import (
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-txlease/v1/cache"
	"github.com/mirkobrombin/go-txlease/v1/clock"
	"github.com/mirkobrombin/go-txlease/v1/syncbus"
	"github.com/mirkobrombin/go-txlease/v1/watchbus"
)

const (
	// DefaultSweepInterval is how often the sweeper scans for expired leases.
	DefaultSweepInterval = time.Second
	// DefaultExpireAfter is the age past which a lease is rolled back.
	DefaultExpireAfter = 10 * time.Second
	// DefaultHistoryTTL is how long outcomes are remembered.
	DefaultHistoryTTL = 5 * time.Minute
	// DefaultShutdownConcurrency bounds parallel rollbacks during Close.
	DefaultShutdownConcurrency = 8
)

type options struct {
	sweepInterval       time.Duration
	expireAfter         time.Duration
	clock               clock.Clock
	logger              *slog.Logger
	registerer          prometheus.Registerer
	bus                 syncbus.Bus
	history             cache.Cache[Outcome]
	historyTTL          time.Duration
	watch               watchbus.WatchBus
	onFailure           FailureHook
	tracerProvider      trace.TracerProvider
	shutdownConcurrency int
	newID               func() (string, error)
}

func defaultOptions() options {
	return options{
		sweepInterval:       DefaultSweepInterval,
		expireAfter:         DefaultExpireAfter,
		clock:               clock.Real{},
		logger:              slog.Default(),
		historyTTL:          DefaultHistoryTTL,
		shutdownConcurrency: DefaultShutdownConcurrency,
		newID:               uuid.GenerateUUID,
	}
}

// Option configures a Manager.
type Option func(*options)

// WithSweepInterval sets how often expired leases are swept. Non-positive
// values keep the default.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithExpireAfter sets the age past which the sweeper rolls a lease back.
// Non-positive values keep the default.
func WithExpireAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.expireAfter = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics registers the lease collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithBus subscribes every lease to its revocation key on bus and lets
// Revoke reach leases held by other processes.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithHistory remembers each lease's Outcome in c for ttl after it is
// finalized. A non-positive ttl keeps DefaultHistoryTTL.
func WithHistory(c cache.Cache[Outcome], ttl time.Duration) Option {
	return func(o *options) {
		o.history = c
		if ttl > 0 {
			o.historyTTL = ttl
		}
	}
}

// WithWatchBus publishes every Outcome, JSON encoded, on
// watchbus.AllOutcomesKey.
func WithWatchBus(wb watchbus.WatchBus) Option {
	return func(o *options) {
		o.watch = wb
	}
}

// WithFailureHook installs a callback receiving every finalize and release
// failure, including those of sweeps that have no caller to report to.
func WithFailureHook(h FailureHook) Option {
	return func(o *options) {
		o.onFailure = h
	}
}

// WithTracing enables OpenTelemetry spans using the global tracer provider.
func WithTracing() Option {
	return func(o *options) {
		o.tracerProvider = otel.GetTracerProvider()
	}
}

// WithTracerProvider enables OpenTelemetry spans using tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithShutdownConcurrency bounds how many leases Close rolls back at once.
func WithShutdownConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shutdownConcurrency = n
		}
	}
}

// WithIDGenerator replaces the lease id generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}
