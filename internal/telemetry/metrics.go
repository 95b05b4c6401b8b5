// Package telemetry exposes prometheus metrics for the attempt loop.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor metric set on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	AttemptsTotal       prometheus.Counter
	VerificationsTotal  *prometheus.CounterVec
	SpawnsTotal         *prometheus.CounterVec
	GateRejectionsTotal prometheus.Counter
	RolloversTotal      prometheus.Counter
	ActiveSessions      prometheus.Gauge
	QuestionsOpen       prometheus.Gauge
	ReviewRunsTotal     prometheus.Counter
}

// New creates the metric set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ralph_attempts_total",
			Help: "Attempts started, counted when the attempt counter advances.",
		}),
		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_verifications_total",
			Help: "Verification runs by verdict (pass, fail, unknown).",
		}, []string{"verdict"}),
		SpawnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ralph_session_spawns_total",
			Help: "Child sessions spawned by role.",
		}, []string{"role"}),
		GateRejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ralph_gate_rejections_total",
			Help: "Destructive actions rejected before context load.",
		}),
		RolloversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ralph_rollovers_total",
			Help: "Scratch rollovers performed after failed verification.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ralph_active_sessions",
			Help: "Sessions currently tracked in the role registry.",
		}),
		QuestionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ralph_questions_open",
			Help: "Questions waiting for an answer.",
		}),
		ReviewRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ralph_review_runs_total",
			Help: "Completed review runs.",
		}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
