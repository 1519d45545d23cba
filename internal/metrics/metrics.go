package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the decision engine.
type Registry struct {
	// Gateway metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	ExternalCalls  *prometheus.CounterVec
	Fallbacks      *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	CallDuration   *prometheus.HistogramVec

	// Decision metrics
	Decisions   *prometheus.CounterVec
	Escalations *prometheus.CounterVec

	// Detector metrics
	DetectorRuns    prometheus.Counter
	DetectorScanned prometheus.Counter
	DetectorFlagged prometheus.Counter
	DetectorErrors  prometheus.Counter
}

// NewRegistry creates all engine metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_gateway_cache_hits_total",
				Help: "Gateway cache hits by dependency and freshness",
			},
			[]string{"dependency", "freshness"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_gateway_cache_misses_total",
				Help: "Gateway cache misses by dependency",
			},
			[]string{"dependency"},
		),
		ExternalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_gateway_external_calls_total",
				Help: "External dependency calls by dependency and outcome",
			},
			[]string{"dependency", "outcome"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_gateway_fallbacks_total",
				Help: "Degraded-mode fallbacks served by dependency and mode",
			},
			[]string{"dependency", "mode"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradegate_gateway_breaker_state",
				Help: "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradegate_gateway_call_duration_seconds",
				Help:    "External call duration including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"dependency"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_decisions_total",
				Help: "Trade request decisions by status",
			},
			[]string{"status"},
		),
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_escalations_total",
				Help: "Escalation transitions by path",
			},
			[]string{"path"},
		),
		DetectorRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_detector_runs_total",
				Help: "Completed detector batch runs",
			},
		),
		DetectorScanned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_detector_scanned_total",
				Help: "History rows scanned by the detector",
			},
		),
		DetectorFlagged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_detector_flagged_total",
				Help: "Trades flagged by the detector",
			},
		),
		DetectorErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_detector_errors_total",
				Help: "Rows skipped by the detector due to errors",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			r.CacheHits, r.CacheMisses, r.ExternalCalls, r.Fallbacks,
			r.BreakerState, r.CallDuration, r.Decisions, r.Escalations,
			r.DetectorRuns, r.DetectorScanned, r.DetectorFlagged, r.DetectorErrors,
		)
	}

	return r
}

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// BreakerStateValue maps a gobreaker state string to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return BreakerOpen
	case "half-open":
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
