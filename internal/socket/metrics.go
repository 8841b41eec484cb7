package socket

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks socket-layer activity, grounded on
// client/doublezerod/internal/liveness/metrics.go's per-subsystem counter
// set.
type Metrics struct {
	SocketsOpened    prometheus.Counter
	AcceptQueueDepth *prometheus.GaugeVec
	AcceptDropped    prometheus.Counter
	Errors           *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		SocketsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elvis_socket_sockets_opened_total",
			Help: "Total sockets created via NewSocket.",
		}),
		AcceptQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elvis_socket_accept_queue_depth",
			Help: "Current depth of a listening socket's accept backlog.",
		}, []string{"local"}),
		AcceptDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elvis_socket_accept_dropped_total",
			Help: "Accept calls that failed (canceled, shut down, or handshake not completed).",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elvis_socket_errors_total",
			Help: "Socket operation failures by kind.",
		}, []string{"kind"}),
	}
}

// Register adds m's collectors to reg. Safe to call with a nil reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.SocketsOpened, m.AcceptQueueDepth, m.AcceptDropped, m.Errors)
}
