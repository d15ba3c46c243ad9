package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values used on the finalize collectors.
const (
	OpCommit   = "commit"
	OpRollback = "rollback"
)

// LeaseMetrics groups the collectors describing lease lifecycle.
type LeaseMetrics struct {
	// Begun counts leases successfully registered.
	Begun prometheus.Counter
	// Finalized counts leases removed from the registry and finalized,
	// labelled by operation and by what triggered it.
	Finalized *prometheus.CounterVec
	// FinalizeFailures counts commit/rollback calls that returned an error.
	FinalizeFailures *prometheus.CounterVec
	// ReleaseFailures counts resource release errors.
	ReleaseFailures prometheus.Counter
	// Active reports the number of leases currently registered.
	Active prometheus.Gauge
	// SweepDuration observes the wall time of each sweep pass.
	SweepDuration prometheus.Histogram
	// LeaseAge observes how old a lease was when it was finalized.
	LeaseAge prometheus.Histogram
}

// NewLeaseMetrics builds an unregistered set of lease collectors.
func NewLeaseMetrics() *LeaseMetrics {
	return &LeaseMetrics{
		Begun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txlease_begun_total",
			Help: "Total number of leases begun",
		}),
		Finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txlease_finalized_total",
			Help: "Total number of finalized leases",
		}, []string{"op", "trigger"}),
		FinalizeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txlease_finalize_failures_total",
			Help: "Total number of failed commit or rollback calls",
		}, []string{"op", "trigger"}),
		ReleaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txlease_release_failures_total",
			Help: "Total number of failed resource releases",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txlease_active",
			Help: "Current number of registered leases",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txlease_sweep_duration_seconds",
			Help:    "Duration of expiration sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		LeaseAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txlease_lease_age_seconds",
			Help:    "Age of leases at finalization",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Register registers every collector on reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func (m *LeaseMetrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Begun,
		m.Finalized,
		m.FinalizeFailures,
		m.ReleaseFailures,
		m.Active,
		m.SweepDuration,
		m.LeaseAge,
	)
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
