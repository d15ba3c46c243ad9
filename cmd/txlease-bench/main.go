package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-txlease/v1/config"
	"github.com/mirkobrombin/go-txlease/v1/lease"
	"github.com/mirkobrombin/go-txlease/v1/metrics"
	"github.com/mirkobrombin/go-txlease/v1/presets"
	"github.com/mirkobrombin/go-txlease/v1/watchbus"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Leases to begin")
	configPath  = flag.String("config", "", "Path to a txlease YAML config")
	expire      = flag.Duration("expire", 0, "Override expireAfter")
	sweep       = flag.Duration("sweep", 0, "Override sweepInterval")
	commitPct   = flag.Int("commit", 60, "Percent of leases committed")
	rollbackPct = flag.Int("rollback", 30, "Percent of leases rolled back; the rest are abandoned to the sweeper")
	hold        = flag.Duration("hold", 0, "Max time a worker holds a lease before finalizing")
	traceOut    = flag.Bool("trace", false, "Print spans to stdout")
	metricsAddr = flag.String("metrics-addr", "", "Serve /metrics and the /events outcome stream on this address, e.g. :2112")
	verbose     = flag.Bool("v", false, "Debug logging")
)

type counters struct {
	commits   atomic.Int64
	rollbacks atomic.Int64
	releases  atomic.Int64
	doubles   atomic.Int64
}

// tracked is a resource that counts how often it is finalized.
type tracked struct {
	c    *counters
	hits atomic.Int32
}

func (t *tracked) finalize() {
	if t.hits.Add(1) > 1 {
		t.c.doubles.Add(1)
	}
}

func (t *tracked) Commit(context.Context) error {
	t.finalize()
	t.c.commits.Add(1)
	return nil
}

func (t *tracked) Rollback(context.Context) error {
	t.finalize()
	t.c.rollbacks.Add(1)
	return nil
}

func (t *tracked) Release() error {
	t.c.releases.Add(1)
	return nil
}

func main() {
	flag.Parse()
	ctx := context.Background()
	if *requests <= 0 || *concurrency <= 0 {
		log.Fatal("-n and -c must be positive")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *expire > 0 {
		cfg.ExpireAfter = *expire
	}
	if *sweep > 0 {
		cfg.SweepInterval = *sweep
	}

	reg := metrics.NewRegistry()
	opts := []lease.Option{lease.WithLogger(logger), lease.WithMetrics(reg)}

	if *traceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		opts = append(opts, lease.WithTracerProvider(tp))
	}

	d, err := presets.FromConfig(ctx, cfg, opts...)
	if err != nil {
		log.Fatal(err)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/events", watchbus.SSEHandler(d.Watch))
		mux.Handle("/events/ws", watchbus.WebSocketHandler(d.Watch))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}
	m := d.Manager

	var (
		c         counters
		failed    atomic.Int64
		abandoned atomic.Int64
		latencies = make([]int64, *requests)
		next      atomic.Int64
	)

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *concurrency; w++ {
		seed := int64(w) + start.UnixNano()
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for {
				i := int(next.Add(1)) - 1
				if i >= *requests {
					return nil
				}
				opStart := time.Now()
				id, err := m.Begin(ctx, func(context.Context) (lease.Resource, error) {
					return &tracked{c: &c}, nil
				})
				if err != nil {
					failed.Add(1)
					continue
				}
				if *hold > 0 {
					time.Sleep(time.Duration(rng.Int63n(int64(*hold))))
				}
				switch p := rng.Intn(100); {
				case p < *commitPct:
					err = m.Commit(ctx, id)
				case p < *commitPct+*rollbackPct:
					err = m.Rollback(ctx, id)
				default:
					abandoned.Add(1)
				}
				if err != nil && !errors.Is(err, lease.ErrLeaseNotFound) {
					failed.Add(1)
				}
				latencies[i] = time.Since(opStart).Nanoseconds()
			}
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// Let the sweeper reclaim abandoned leases before shutting down.
	deadline := time.Now().Add(cfg.ExpireAfter + 2*cfg.SweepInterval)
	for m.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(cfg.SweepInterval / 2)
	}
	remaining := m.Len()
	if err := d.Close(ctx); err != nil {
		logger.Warn("shutdown", "error", err)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p99 := latencies[int(float64(len(latencies)-1)*0.99)]

	fmt.Printf("| %-22s | %-12s |\n", "Metric", "Value")
	fmt.Println("|:---|:---|")
	fmt.Printf("| %-22s | %-12.0f |\n", "Leases/sec", float64(*requests)/elapsed.Seconds())
	fmt.Printf("| %-22s | %-12d |\n", "P99 latency (ns)", p99)
	fmt.Printf("| %-22s | %-12d |\n", "Committed", c.commits.Load())
	fmt.Printf("| %-22s | %-12d |\n", "Rolled back", c.rollbacks.Load())
	fmt.Printf("| %-22s | %-12d |\n", "Abandoned", abandoned.Load())
	fmt.Printf("| %-22s | %-12d |\n", "Left at shutdown", remaining)
	fmt.Printf("| %-22s | %-12d |\n", "Released", c.releases.Load())
	fmt.Printf("| %-22s | %-12d |\n", "Errors", failed.Load())
	fmt.Printf("| %-22s | %-12d |\n", "Double finalizations", c.doubles.Load())

	if c.doubles.Load() > 0 {
		os.Exit(1)
	}
}
