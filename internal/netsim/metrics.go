package netsim

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-Network prometheus collectors, grounded on the
// teacher's per-subsystem Metrics struct + Register method style
// (client/doublezerod/internal/liveness/metrics.go).
type Metrics struct {
	FramesDelivered prometheus.Counter
	FramesDropped   *prometheus.CounterVec
}

func newMetrics(networkName string) *Metrics {
	return &Metrics{
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "elvis",
			Subsystem:   "network",
			Name:        "frames_delivered_total",
			Help:        "Frames successfully scheduled for delivery to a tap.",
			ConstLabels: prometheus.Labels{"network": networkName},
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "elvis",
			Subsystem:   "network",
			Name:        "frames_dropped_total",
			Help:        "Frames dropped before delivery, by reason.",
			ConstLabels: prometheus.Labels{"network": networkName},
		}, []string{"reason"}),
	}
}

// Register adds every collector to reg. Safe to call with a nil reg (no-op),
// for callers that don't care about metrics export.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.FramesDelivered, m.FramesDropped)
}
