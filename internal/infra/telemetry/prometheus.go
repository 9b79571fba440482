package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"econd/internal/domain"
)

type PrometheusMetrics struct {
	turnDuration     *prometheus.HistogramVec
	dispatchDuration *prometheus.HistogramVec
	plannerDuration  *prometheus.HistogramVec
	connState        *prometheus.GaugeVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		turnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "econd_turn_duration_seconds",
				Help:    "Duration of user turns in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "econd_dispatch_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server", "status"},
		),
		plannerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "econd_planner_duration_seconds",
				Help:    "Latency of language-model calls in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"call", "status"},
		),
		connState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "econd_connection_state",
				Help: "Connection state per server (1 for the current state)",
			},
			[]string{"server", "state"},
		),
	}
}

func (p *PrometheusMetrics) ObserveTurn(outcome string, duration time.Duration) {
	p.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDispatch(server string, duration time.Duration, err error) {
	p.dispatchDuration.WithLabelValues(server, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObservePlanner(call string, duration time.Duration, err error) {
	p.plannerDuration.WithLabelValues(call, statusLabel(err)).Observe(duration.Seconds())
}

var connStates = []domain.ConnState{
	domain.ConnDisconnected,
	domain.ConnConnecting,
	domain.ConnHandshaking,
	domain.ConnReady,
	domain.ConnDegraded,
	domain.ConnReconnecting,
	domain.ConnClosed,
	domain.ConnUnavailable,
}

func (p *PrometheusMetrics) SetConnState(serverID string, state domain.ConnState) {
	for _, s := range connStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		p.connState.WithLabelValues(serverID, string(s)).Set(value)
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
