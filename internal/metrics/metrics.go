// Package metrics records maintenance run metrics and exports them in the
// node-exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step outcomes.
const (
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeNoop    = "noop"
	OutcomeFailed  = "failed"
	OutcomeDryRun  = "dry_run"
)

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	StepsTotal *prometheus.CounterVec
	HostsTotal *prometheus.CounterVec

	BackendConnectionsTotal *prometheus.CounterVec

	PhaseDuration *prometheus.GaugeVec
	LastRunTime   *prometheus.GaugeVec
}

// New creates the run metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "katprep_steps_total",
				Help: "Maintenance steps by phase, step and outcome",
			},
			[]string{"phase", "step", "outcome"},
		),

		HostsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "katprep_hosts_total",
				Help: "Hosts processed by phase and status",
			},
			[]string{"phase", "status"},
		),

		BackendConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "katprep_backend_connections_total",
				Help: "Backend connection attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		PhaseDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "katprep_phase_duration_seconds",
				Help: "Duration of the last run of a phase",
			},
			[]string{"phase"},
		),

		LastRunTime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "katprep_phase_last_run_timestamp_seconds",
				Help: "Unix time the phase last finished",
			},
			[]string{"phase"},
		),
	}
}

// ObserveStep counts one step outcome.
func (m *Metrics) ObserveStep(phase, step, outcome string) {
	m.StepsTotal.WithLabelValues(phase, step, outcome).Inc()
}

// ObserveHost counts one processed host.
func (m *Metrics) ObserveHost(phase string, failed bool) {
	status := "ok"
	if failed {
		status = "failed"
	}
	m.HostsTotal.WithLabelValues(phase, status).Inc()
}

// ObserveConnection counts one backend connection attempt.
func (m *Metrics) ObserveConnection(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.BackendConnectionsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObservePhase records the duration and end time of a phase.
func (m *Metrics) ObservePhase(phase string, took time.Duration, finished time.Time) {
	m.PhaseDuration.WithLabelValues(phase).Set(took.Seconds())
	m.LastRunTime.WithLabelValues(phase).Set(float64(finished.Unix()))
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics atomically to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
