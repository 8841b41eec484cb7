package arp

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-Arp prometheus collectors, grounded on the teacher's
// per-subsystem Metrics struct + Register method style
// (client/doublezerod/internal/liveness/metrics.go).
type Metrics struct {
	Resolutions    *prometheus.CounterVec // by outcome: resolved, failed
	RequestsSent   prometheus.Counter
	RepliesSent    prometheus.Counter
	InFlight       prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "arp",
			Name:      "resolutions_total",
			Help:      "ARP resolution attempts, by outcome.",
		}, []string{"outcome"}),
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "arp",
			Name:      "requests_sent_total",
			Help:      "ARP request frames broadcast.",
		}),
		RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "arp",
			Name:      "replies_sent_total",
			Help:      "ARP reply frames sent.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elvis",
			Subsystem: "arp",
			Name:      "resolutions_in_flight",
			Help:      "Concurrently in-flight resolve() calls sharing a coalesced request series.",
		}),
	}
}

// Register adds every collector to reg. Safe to call with a nil reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.Resolutions, m.RequestsSent, m.RepliesSent, m.InFlight)
}
