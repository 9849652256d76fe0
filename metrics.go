package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsApplied *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	Resnapshots   prometheus.Counter
	StalePages    prometheus.Counter
	Notifications prometheus.Counter
	FailedSends   prometheus.Counter
	TotalUnread   prometheus.Gauge
	Reconnects    prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_applied_total",
			Help:      "Events applied by the reducer, by kind.",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames rejected at the transport boundary.",
		}, []string{"reason"}),
		Resnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "resnapshots_total",
			Help:      "Full directory refetches triggered by unknown conversations.",
		}),
		StalePages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_pages_discarded_total",
			Help:      "Message pages discarded because the active conversation changed.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "notifications_raised_total",
			Help:      "Transient notifications raised.",
		}),
		FailedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "failed_sends_total",
			Help:      "Optimistic sends that moved to failed.",
		}),
		TotalUnread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "unread_messages",
			Help:      "Sum of unread counters across the directory.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "transport_connects_total",
			Help:      "Successful transport connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EventsApplied, m.FramesDropped, m.Resnapshots, m.StalePages,
			m.Notifications, m.FailedSends, m.TotalUnread, m.Reconnects)
	}
	return m
}

func (m *Metrics) eventApplied(kind string) {
	if m != nil {
		m.EventsApplied.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) resnapshot() {
	if m != nil {
		m.Resnapshots.Inc()
	}
}

func (m *Metrics) stalePage() {
	if m != nil {
		m.StalePages.Inc()
	}
}

func (m *Metrics) notified() {
	if m != nil {
		m.Notifications.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.FailedSends.Inc()
	}
}

func (m *Metrics) unread(n int) {
	if m != nil {
		m.TotalUnread.Set(float64(n))
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
