package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds deploy pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	results      *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	kills        *prometheus.CounterVec
}

// NewMetrics registers deploy collectors on reg, reusing already registered ones.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "springops",
			Subsystem: "deploy",
			Name:      "results_total",
			Help:      "Deploy attempts by outcome",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "springops",
			Subsystem: "deploy",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"step", "status"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "springops",
			Subsystem: "deploy",
			Name:      "kills_total",
			Help:      "Kill requests by result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}
	if err := reg.Register(m.results); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.results = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := reg.Register(m.stepDuration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.stepDuration = already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	if err := reg.Register(m.kills); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.kills = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return m
}

func (m *Metrics) observeResult(outcome string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeStep(step, status string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(seconds)
}

func (m *Metrics) observeKill(result string) {
	if m == nil {
		return
	}
	m.kills.WithLabelValues(result).Inc()
}
