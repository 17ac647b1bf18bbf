// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remote_cmd"

// Outcome labels for the directives counter.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups every collector the server updates.
// All fields are safe for concurrent use by many sessions.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	AcceptErrors      prometheus.Counter
	FrameErrors       *prometheus.CounterVec // label: reason
	DecodeFailures    prometheus.Counter
	Directives        *prometheus.CounterVec   // labels: directive, outcome
	DirectiveDuration *prometheus.HistogramVec // label: directive
}

// New creates the collectors and registers them with reg.
// Passing a fresh prometheus.NewRegistry() keeps tests from colliding on the
// global default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Number of connections currently being served",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "Total number of accepted connections",
		}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "accept_errors_total",
			Help:      "Total number of failed Accept calls",
		}),
		FrameErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "frame_errors_total",
				Help:      "Sessions closed because of a framing or I/O error",
			},
			[]string{"reason"},
		),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "decode_failures_total",
			Help:      "Payloads that were not valid UTF-8",
		}),
		Directives: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "directive",
				Name:      "processed_total",
				Help:      "Total number of processed directives",
			},
			[]string{"directive", "outcome"},
		),
		DirectiveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "directive",
				Name:      "duration_seconds",
				Help:      "Directive processing time in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"directive"},
		),
	}
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
