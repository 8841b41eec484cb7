package udp

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-Udp prometheus collectors.
type Metrics struct {
	DatagramsSent    prometheus.Counter
	DatagramsDropped *prometheus.CounterVec // by reason: header, no_session
	SessionsOpened   prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "udp",
			Name:      "datagrams_sent_total",
			Help:      "UDP datagrams sent.",
		}),
		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "udp",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound UDP datagrams dropped, by reason.",
		}, []string{"reason"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "udp",
			Name:      "sessions_opened_total",
			Help:      "UdpSession instances created.",
		}),
	}
}

// Register adds every collector to reg. Safe to call with a nil reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.DatagramsSent, m.DatagramsDropped, m.SessionsOpened)
}
