// Package presets wires lease managers with common backends.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-txlease/v1/adapter"
	"github.com/mirkobrombin/go-txlease/v1/cache"
	"github.com/mirkobrombin/go-txlease/v1/config"
	"github.com/mirkobrombin/go-txlease/v1/lease"
	"github.com/mirkobrombin/go-txlease/v1/syncbus"
	"github.com/mirkobrombin/go-txlease/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 10 * time.Second
)

// Deployment is a manager together with the connections it was built on.
// Close shuts the manager down first, then the connections.
type Deployment struct {
	Manager *lease.Manager
	// Bus is nil when revocation is disabled.
	Bus syncbus.Bus
	// Watch streams every outcome; serve it with watchbus.SSEHandler or
	// watchbus.WebSocketHandler.
	Watch watchbus.WatchBus
	// Redis is set when the deployment opened a Redis client, so callers
	// can lease RedisTx resources on it with adapter.RedisFactory.
	Redis *redis.Client

	closers []func() error
}

// Close stops the manager, rolling back remaining leases, then releases
// every connection. All errors are joined.
func (d *Deployment) Close(ctx context.Context) error {
	errs := []error{d.Manager.Close(ctx)}
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

func (d *Deployment) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// logger returns the manager's logger once it exists.
func (d *Deployment) logger() *slog.Logger {
	if d.Manager == nil {
		return slog.Default()
	}
	return d.Manager.Logger()
}

// NewStandalone returns a single-process manager with in-memory outcome
// history and an in-memory revocation bus.
func NewStandalone(opts ...lease.Option) *Deployment {
	d := &Deployment{}
	history := cache.NewInMemory[lease.Outcome]()
	d.onClose(func() error { history.Close(); return nil })
	d.Bus = syncbus.NewInMemoryBus()
	d.Watch = watchbus.NewInMemory()

	base := []lease.Option{
		lease.WithHistory(history, lease.DefaultHistoryTTL),
		lease.WithBus(d.Bus),
		lease.WithWatchBus(d.Watch),
	}
	d.Manager = lease.NewManager(append(base, opts...)...)
	return d
}

// NewGorm returns a standalone deployment and a factory opening GORM
// transactions on db.
func NewGorm(db *gorm.DB, opts ...lease.Option) (*Deployment, lease.Factory) {
	return NewStandalone(opts...), adapter.GormFactory(db)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisDistributed returns a manager whose revocations travel over Redis
// pub/sub behind a circuit breaker, with outcome history in ristretto and
// outcomes streamed through Redis streams.
func NewRedisDistributed(ctx context.Context, opts RedisOptions, leaseOpts ...lease.Option) (*Deployment, error) {
	cfg := config.Default()
	cfg.Bus = config.BusRedis
	cfg.History.Backend = config.HistoryRistretto
	cfg.Redis = config.RedisConfig{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	return FromConfig(ctx, cfg, leaseOpts...)
}

// FromConfig builds a deployment from cfg. Options in extra are applied
// after those derived from cfg.
func FromConfig(ctx context.Context, cfg config.Config, extra ...lease.Option) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Deployment{}
	ok := false
	defer func() {
		if !ok {
			for i := len(d.closers) - 1; i >= 0; i-- {
				_ = d.closers[i]()
			}
		}
	}()

	opts := cfg.Options()

	history, err := newHistory(d, cfg.History)
	if err != nil {
		return nil, err
	}
	if history != nil {
		opts = append(opts, lease.WithHistory(history, cfg.History.TTL))
	}

	bus, err := newBus(ctx, d, cfg)
	if err != nil {
		return nil, err
	}
	if bus != nil {
		d.Bus = bus
		opts = append(opts, lease.WithBus(bus))
	}
	if d.Redis != nil {
		d.Watch = watchbus.NewRedisWatchBus(d.Redis)
	} else {
		d.Watch = watchbus.NewInMemory()
	}
	opts = append(opts, lease.WithWatchBus(d.Watch))

	d.Manager = lease.NewManager(append(opts, extra...)...)
	ok = true
	return d, nil
}

func newHistory(d *Deployment, cfg config.HistoryConfig) (cache.Cache[lease.Outcome], error) {
	switch cfg.Backend {
	case config.HistoryMemory:
		c := cache.NewInMemory[lease.Outcome](cache.WithMaxEntries[lease.Outcome](cfg.MaxEntries))
		d.onClose(func() error { c.Close(); return nil })
		return c, nil
	case config.HistoryRistretto:
		c, err := cache.NewRistretto[lease.Outcome](cache.WithRistrettoMaxEntries(int64(cfg.MaxEntries)))
		if err != nil {
			return nil, fmt.Errorf("presets: ristretto history: %w", err)
		}
		d.onClose(func() error { c.Close(); return nil })
		return c, nil
	}
	return nil, nil
}

func newBus(ctx context.Context, d *Deployment, cfg config.Config) (syncbus.Bus, error) {
	var bus syncbus.Bus
	switch cfg.Bus {
	case config.BusNone:
		return nil, nil
	case config.BusMemory:
		return syncbus.NewInMemoryBus(), nil
	case config.BusRedis:
		client, err := dialRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		d.Redis = client
		d.onClose(client.Close)
		rb := syncbus.NewRedisBus(client)
		d.onClose(rb.Close)
		if err := rb.Start(ctx); err != nil {
			return nil, fmt.Errorf("presets: subscribe redis: %w", err)
		}
		bus = rb
	case config.BusNATS:
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("presets: connect nats: %w", err)
		}
		d.onClose(func() error { conn.Close(); return nil })
		nb := syncbus.NewNATSBus(conn)
		d.onClose(nb.Close)
		if err := nb.Start(ctx); err != nil {
			return nil, fmt.Errorf("presets: subscribe nats: %w", err)
		}
		bus = nb
	case config.BusKafka:
		kcfg := sarama.NewConfig()
		kcfg.ClientID = "txlease"
		kb, err := syncbus.NewKafkaBus(cfg.Kafka.Brokers, kcfg)
		if err != nil {
			return nil, fmt.Errorf("presets: connect kafka: %w", err)
		}
		d.onClose(kb.Close)
		if err := kb.Start(ctx); err != nil {
			return nil, fmt.Errorf("presets: consume kafka: %w", err)
		}
		bus = kb
	}
	return syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerCooldown,
		syncbus.WithStateChange(breakerLogger(d, cfg.Bus)),
	), nil
}

func breakerLogger(d *Deployment, kind string) func(from, to syncbus.BreakerState) {
	return func(from, to syncbus.BreakerState) {
		d.logger().Warn("txlease: revocation bus breaker", "bus", kind, "from", from, "to", to)
	}
}

func dialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presets: connect redis: %w", err)
	}
	return client, nil
}
