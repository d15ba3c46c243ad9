// Package config loads lease manager settings from a YAML file and TXLEASE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-txlease/v1/lease"
)

// Bus backends.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

// History backends.
const (
	HistoryNone      = "none"
	HistoryMemory    = "memory"
	HistoryRistretto = "ristretto"
)

// Config holds every tunable of a lease manager deployment.
type Config struct {
	SweepInterval       time.Duration `yaml:"sweepInterval"`
	ExpireAfter         time.Duration `yaml:"expireAfter"`
	ShutdownConcurrency int           `yaml:"shutdownConcurrency"`
	History             HistoryConfig `yaml:"history"`
	Bus                 string        `yaml:"bus"`
	Redis               RedisConfig   `yaml:"redis"`
	NATS                NATSConfig    `yaml:"nats"`
	Kafka               KafkaConfig   `yaml:"kafka"`
}

// HistoryConfig selects where finalization outcomes are remembered.
type HistoryConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

// RedisConfig addresses the Redis server used for the redis bus, the outcome
// stream and RedisTx resources.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig addresses the NATS server used for the nats bus.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig lists the seed brokers used for the kafka bus. The cluster
// must carry the txlease.revoke topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// Default returns the built-in settings: a one second sweep, ten second
// expiry, in-memory history and no revocation bus.
func Default() Config {
	return Config{
		SweepInterval:       lease.DefaultSweepInterval,
		ExpireAfter:         lease.DefaultExpireAfter,
		ShutdownConcurrency: lease.DefaultShutdownConcurrency,
		History: HistoryConfig{
			Backend:    HistoryMemory,
			TTL:        lease.DefaultHistoryTTL,
			MaxEntries: 10000,
		},
		Bus:   BusNone,
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		NATS:  NATSConfig{URL: "nats://127.0.0.1:4222"},
		Kafka: KafkaConfig{Brokers: []string{"127.0.0.1:9092"}},
	}
}

// defaultPaths are tried in order when LoadFromPath gets an empty path.
var defaultPaths = []string{"configs/txlease.yaml", "txlease.yaml"}

// LoadFromPath reads path, merges it over Default and applies environment
// overrides. An empty path tries the default locations and falls back to
// Default when none exists; an explicit path must exist.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()

	candidates := defaultPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", p, err)
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", p, err)
		}
		Merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Merge copies every non-zero field of src into dst.
func Merge(dst *Config, src Config) {
	if src.SweepInterval != 0 {
		dst.SweepInterval = src.SweepInterval
	}
	if src.ExpireAfter != 0 {
		dst.ExpireAfter = src.ExpireAfter
	}
	if src.ShutdownConcurrency != 0 {
		dst.ShutdownConcurrency = src.ShutdownConcurrency
	}
	if src.History.Backend != "" {
		dst.History.Backend = src.History.Backend
	}
	if src.History.TTL != 0 {
		dst.History.TTL = src.History.TTL
	}
	if src.History.MaxEntries != 0 {
		dst.History.MaxEntries = src.History.MaxEntries
	}
	if src.Bus != "" {
		dst.Bus = src.Bus
	}
	if src.Redis.Addr != "" {
		dst.Redis.Addr = src.Redis.Addr
	}
	if src.Redis.Password != "" {
		dst.Redis.Password = src.Redis.Password
	}
	if src.Redis.DB != 0 {
		dst.Redis.DB = src.Redis.DB
	}
	if src.NATS.URL != "" {
		dst.NATS.URL = src.NATS.URL
	}
	if src.Kafka.Brokers != nil {
		dst.Kafka.Brokers = src.Kafka.Brokers
	}
}

// ApplyEnvOverrides applies TXLEASE_* variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) error {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TXLEASE_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"TXLEASE_EXPIRE_AFTER", &cfg.ExpireAfter},
		{"TXLEASE_HISTORY_TTL", &cfg.History.TTL},
	}
	for _, d := range durations {
		raw := env(d.env)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.env, err)
		}
		*d.dst = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"TXLEASE_SHUTDOWN_CONCURRENCY", &cfg.ShutdownConcurrency},
		{"TXLEASE_HISTORY_MAX_ENTRIES", &cfg.History.MaxEntries},
		{"TXLEASE_REDIS_DB", &cfg.Redis.DB},
	}
	for _, i := range ints {
		raw := env(i.env)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", i.env, err)
		}
		*i.dst = v
	}

	if v := env("TXLEASE_HISTORY"); v != "" {
		cfg.History.Backend = v
	}
	if v := env("TXLEASE_BUS"); v != "" {
		cfg.Bus = v
	}
	if v := env("TXLEASE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := env("TXLEASE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := env("TXLEASE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := env("TXLEASE_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate reports settings no manager can run with.
func (c Config) Validate() error {
	var errs []error
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweepInterval must be positive, got %s", c.SweepInterval))
	}
	if c.ExpireAfter <= 0 {
		errs = append(errs, fmt.Errorf("expireAfter must be positive, got %s", c.ExpireAfter))
	}
	if c.ShutdownConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("shutdownConcurrency must be positive, got %d", c.ShutdownConcurrency))
	}
	switch c.History.Backend {
	case HistoryNone, HistoryMemory, HistoryRistretto:
	default:
		errs = append(errs, fmt.Errorf("unknown history backend %q", c.History.Backend))
	}
	switch c.Bus {
	case BusNone, BusMemory, BusRedis, BusNATS:
	case BusKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka bus needs at least one broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus %q", c.Bus))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Options converts the timing settings to lease options. Bus and history
// need live connections and are wired by the presets package.
func (c Config) Options() []lease.Option {
	return []lease.Option{
		lease.WithSweepInterval(c.SweepInterval),
		lease.WithExpireAfter(c.ExpireAfter),
		lease.WithShutdownConcurrency(c.ShutdownConcurrency),
	}
}
