package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments exposed by the serve
// daemon. Each Metrics instance owns its registry so tests can build
// servers without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted     prometheus.Counter
	RunsCompleted   prometheus.Counter
	RunsFailed      prometheus.Counter
	ApprovalWaits   prometheus.Counter
	SweepTicks      prometheus.Counter
	MonitorsTouched prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics creates the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "runs_started_total",
			Help:      "Autonomous runs started.",
		}),
		RunsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "runs_completed_total",
			Help:      "Autonomous runs that finished with every step completed.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "runs_failed_total",
			Help:      "Autonomous runs that ended in rejection, failure, or cancellation.",
		}),
		ApprovalWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "approval_waits_total",
			Help:      "Times a run suspended waiting for an approval.",
		}),
		SweepTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "sweep_ticks_total",
			Help:      "Monitor sweeper ticks.",
		}),
		MonitorsTouched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "monitors_touched_total",
			Help:      "Monitors advanced by the sweeper.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autorun",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		}, []string{"route", "class"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSweep records one sweeper tick.
func (m *Metrics) ObserveSweep(touched int) {
	m.SweepTicks.Inc()
	m.MonitorsTouched.Add(float64(touched))
}
