package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preempt_servers_total",
			Help: "Total number of monitored servers by state",
		},
		[]string{"state"},
	)

	ReliabilityScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preempt_reliability_score",
			Help: "Current reliability score per server",
		},
		[]string{"server_id"},
	)

	SamplesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_samples_recorded_total",
			Help: "Total number of telemetry samples accepted",
		},
	)

	SamplesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preempt_samples_rejected_total",
			Help: "Total number of telemetry samples rejected by reason",
		},
		[]string{"reason"},
	)

	// Advisory metrics
	AdvisoriesRaised = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_advisories_raised_total",
			Help: "Total number of migration advisories raised",
		},
	)

	// Migration metrics
	MigrationsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_migrations_started_total",
			Help: "Total number of migration plans dispatched",
		},
	)

	MigrationsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_migrations_completed_total",
			Help: "Total number of migrations completed successfully",
		},
	)

	MigrationsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preempt_migrations_aborted_total",
			Help: "Total number of migrations aborted by reason",
		},
		[]string{"reason"},
	)

	CutoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preempt_cutover_duration_seconds",
			Help:    "Duration of the cutover critical section in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// Watchdog metrics
	FailuresPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_failures_preempted_total",
			Help: "Server failures that occurred after their service had already been migrated away",
		},
	)

	ColdMigrationsEscalated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_cold_migrations_escalated_total",
			Help: "Total number of escalations to the reactive cold-migration path",
		},
	)

	DowntimeSavedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "preempt_downtime_saved_seconds_total",
			Help: "Estimated user-visible downtime avoided by preempted failures",
		},
	)
)

func init() {
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(ReliabilityScore)
	prometheus.MustRegister(SamplesRecorded)
	prometheus.MustRegister(SamplesRejected)
	prometheus.MustRegister(AdvisoriesRaised)
	prometheus.MustRegister(MigrationsStarted)
	prometheus.MustRegister(MigrationsCompleted)
	prometheus.MustRegister(MigrationsAborted)
	prometheus.MustRegister(CutoverDuration)
	prometheus.MustRegister(FailuresPreempted)
	prometheus.MustRegister(ColdMigrationsEscalated)
	prometheus.MustRegister(DowntimeSavedSeconds)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
