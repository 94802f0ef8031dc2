package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orlandolorenzomk/springops-sub000/internal/domain"
)

// Gauges exposes the latest sample per application. A nil *Gauges records nothing.
type Gauges struct {
	memory *prometheus.GaugeVec
	cpu    *prometheus.GaugeVec
}

// NewGauges registers the monitor gauges on reg, reusing already registered ones.
func NewGauges(reg prometheus.Registerer) *Gauges {
	g := &Gauges{
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "springops",
			Subsystem: "application",
			Name:      "memory_mb",
			Help:      "Resident memory of the running deployment",
		}, []string{"application_id"}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "springops",
			Subsystem: "application",
			Name:      "cpu_percent",
			Help:      "CPU load of the running deployment",
		}, []string{"application_id"}),
	}
	if reg == nil {
		return g
	}
	if err := reg.Register(g.memory); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g.memory = already.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	if err := reg.Register(g.cpu); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g.cpu = already.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	return g
}

func (g *Gauges) set(sample domain.ApplicationStats) {
	if g == nil {
		return
	}
	label := applicationLabel(sample.ApplicationID)
	g.memory.WithLabelValues(label).Set(sample.MemoryMB)
	g.cpu.WithLabelValues(label).Set(sample.CPULoadPercent)
}

func (g *Gauges) forget(applicationID int64) {
	if g == nil {
		return
	}
	label := applicationLabel(applicationID)
	g.memory.DeleteLabelValues(label)
	g.cpu.DeleteLabelValues(label)
}
