package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the read side the gauges sample.
type Stats interface {
	ActiveConnectionCount() int64
	RoomCount() int
	SessionCount() int
	ServiceLevelValue() int
}

// Metrics counts events by kind and exposes server gauges.
type Metrics struct {
	reg    prometheus.Registerer
	events *prometheus.CounterVec
}

// NewMetrics registers the event counter on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kephasrelay_events_total",
		Help: "Total number of observed relay events by kind.",
	}, []string{"kind"})
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &Metrics{reg: reg, events: events}, nil
}

// Emit implements Sink.
func (m *Metrics) Emit(e Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()
}

// RegisterGauges registers gauges sampled from stats at scrape time.
func (m *Metrics) RegisterGauges(stats Stats) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kephasrelay_active_connections",
			Help: "Current number of live connections.",
		}, func() float64 { return float64(stats.ActiveConnectionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kephasrelay_rooms",
			Help: "Current number of rooms.",
		}, func() float64 { return float64(stats.RoomCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kephasrelay_sessions",
			Help: "Current number of registered sessions.",
		}, func() float64 { return float64(stats.SessionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kephasrelay_service_level",
			Help: "Current service level (0 full, 1 degraded, 2 critical, 3 overloaded).",
		}, func() float64 { return float64(stats.ServiceLevelValue()) }),
	}
	for _, g := range gauges {
		if err := m.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
