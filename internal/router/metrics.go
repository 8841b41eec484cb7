package router

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-Router prometheus collectors, grounded on the
// teacher's per-subsystem Metrics struct + Register method style
// (client/doublezerod/internal/liveness/metrics.go).
type Metrics struct {
	Forwarded        prometheus.Counter
	DatagramsDropped *prometheus.CounterVec // by reason: header, ttl_expired, no_route, no_arp
	RouteCount       prometheus.Gauge
	AdvertisementsSent     prometheus.Counter
	AdvertisementsReceived prometheus.Counter
	NeighborStatus   *prometheus.GaugeVec // by neighbor, 1 if Up else 0
}

func newMetrics() *Metrics {
	return &Metrics{
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "router",
			Name:      "datagrams_forwarded_total",
			Help:      "IPv4 datagrams forwarded rather than delivered locally.",
		}),
		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "router",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound IPv4 datagrams dropped, by reason.",
		}, []string{"reason"}),
		RouteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elvis",
			Subsystem: "router",
			Name:      "routes",
			Help:      "Entries currently held in the router's IpTable.",
		}),
		AdvertisementsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "router",
			Name:      "rip_advertisements_sent_total",
			Help:      "RIPv2 Response messages broadcast.",
		}),
		AdvertisementsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis",
			Subsystem: "router",
			Name:      "rip_advertisements_received_total",
			Help:      "RIPv2 Request/Response messages processed.",
		}),
		NeighborStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "elvis",
			Subsystem: "router",
			Name:      "rip_neighbor_up",
			Help:      "1 if a RIP neighbor is Up, 0 otherwise.",
		}, []string{"neighbor"}),
	}
}

// Register adds every collector to reg. Safe to call with a nil reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.Forwarded, m.DatagramsDropped, m.RouteCount,
		m.AdvertisementsSent, m.AdvertisementsReceived, m.NeighborStatus)
}
