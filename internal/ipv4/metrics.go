package ipv4

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-Ipv4 prometheus collectors.
type Metrics struct {
	DatagramsSent     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec // by reason: header, no_session
	SessionsOpened    prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "ipv4",
			Name:      "datagrams_sent_total",
			Help:      "IPv4 datagrams sent.",
		}),
		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "ipv4",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound IPv4 datagrams dropped, by reason.",
		}, []string{"reason"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "ipv4",
			Name:      "sessions_opened_total",
			Help:      "Ipv4Session instances created.",
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
