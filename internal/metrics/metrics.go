// Package metrics exposes the Prometheus collectors shared by the
// dispatcher, the telemetry listener, and the state store. A nil *Metrics
// is valid everywhere and records nothing, so tests can opt out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the process-wide collectors.
type Metrics struct {
	dispatches        *prometheus.CounterVec
	transportFailures prometheus.Counter
	ingestPoints      prometheus.Counter
	ingestUnmapped    prometheus.Counter
	staleUpdates      prometheus.Counter
	stateNodes        prometheus.Gauge
	sequenceRuns      *prometheus.CounterVec
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcc_dispatches_total",
			Help: "Device dispatches by action and outcome.",
		}, []string{"action", "outcome"}),
		transportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcc_transport_failures_total",
			Help: "Board commands lost to address resolution or send failures.",
		}),
		ingestPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcc_ingest_points_total",
			Help: "Telemetry data points applied to the vehicle state.",
		}),
		ingestUnmapped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcc_ingest_unmapped_total",
			Help: "Telemetry data points dropped for lack of a node mapping.",
		}),
		staleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcc_stale_updates_total",
			Help: "State updates carrying a timestamp older than the stored one.",
		}),
		stateNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcc_state_nodes",
			Help: "Nodes currently tracked in the vehicle state store.",
		}),
		sequenceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcc_sequence_runs_total",
			Help: "Sequence executions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.dispatches,
		m.transportFailures,
		m.ingestPoints,
		m.ingestUnmapped,
		m.staleUpdates,
		m.stateNodes,
		m.sequenceRuns,
	)
	return m
}

// Handler serves the default registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts one dispatch attempt.
func (m *Metrics) ObserveDispatch(action, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(action, outcome).Inc()
}

// ObserveTransportFailure counts one failed board transmission.
func (m *Metrics) ObserveTransportFailure() {
	if m == nil {
		return
	}
	m.transportFailures.Inc()
}

// ObserveIngest counts applied and unmapped telemetry points.
func (m *Metrics) ObserveIngest(applied, unmapped int) {
	if m == nil {
		return
	}
	m.ingestPoints.Add(float64(applied))
	m.ingestUnmapped.Add(float64(unmapped))
}

// ObserveStaleUpdate counts one out-of-order state write.
func (m *Metrics) ObserveStaleUpdate() {
	if m == nil {
		return
	}
	m.staleUpdates.Inc()
}

// SetStateNodes records the current state store size.
func (m *Metrics) SetStateNodes(n int) {
	if m == nil {
		return
	}
	m.stateNodes.Set(float64(n))
}

// ObserveSequenceRun counts one sequence execution outcome.
func (m *Metrics) ObserveSequenceRun(outcome string) {
	if m == nil {
		return
	}
	m.sequenceRuns.WithLabelValues(outcome).Inc()
}
