package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	fetches  *prometheus.CounterVec
	sends    *prometheus.CounterVec
	gapPokes prometheus.Counter
	messages prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "realtime_events_total",
			Help:      "Realtime events received, by type and result.",
		}, []string{"type", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "fetches_total",
			Help:      "History fetches, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Optimistic sends, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		gapPokes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "gap_pokes_total",
			Help:      "Delta fetches triggered by a realtime ordering gap.",
		}),
		messages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "thread_messages",
			Help:      "Entries loaded for the active thread.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.fetches, m.sends, m.gapPokes, m.messages)
	}
	return m
}

func (m *Metrics) event(t EventType, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t), result).Inc()
}

func (m *Metrics) fetch(mode FetchMode, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(mode), outcome).Inc()
}

func (m *Metrics) send(kind SendKind, outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) gapPoke() {
	if m == nil {
		return
	}
	m.gapPokes.Inc()
}

func (m *Metrics) setMessages(n int) {
	if m == nil {
		return
	}
	m.messages.Set(float64(n))
}
