// Package metrics holds the coordination engine's Prometheus collectors.
// The core only counts; exposition is wired by the host process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry collects every core metric. Hosts mount it behind promhttp.
var Registry = prometheus.NewRegistry()

var (
	AssignmentsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marcus_assignments_issued_total",
		Help: "Leases issued by the assignment engine.",
	})

	PullsRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marcus_pulls_refused_total",
		Help: "request_next_task calls that returned no task.",
	})

	LeasesRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marcus_leases_recovered_total",
		Help: "Stalled leases reclaimed by the monitor.",
	})

	GridlockAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marcus_gridlock_alerts_total",
		Help: "Gridlock diagnoses emitted.",
	})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marcus_events_published_total",
		Help: "Events published on the internal bus.",
	}, []string{"type"})

	ProviderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marcus_provider_retries_total",
		Help: "Retried kanban provider calls.",
	})

	ActiveLeases = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marcus_active_leases",
		Help: "Leases currently binding a task to an agent.",
	})
)

func init() {
	Registry.MustRegister(
		AssignmentsIssued,
		PullsRefused,
		LeasesRecovered,
		GridlockAlerts,
		EventsPublished,
		ProviderRetries,
		ActiveLeases,
	)
}
