package tcp

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-Tcp prometheus collectors.
type Metrics struct {
	SegmentsSent        prometheus.Counter
	SegmentsDropped     *prometheus.CounterVec // by reason: header, no_session
	Retransmits         prometheus.Counter
	FastRetransmits     prometheus.Counter
	StateTransitions    *prometheus.CounterVec // by to-state
	SessionsEstablished prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis", Subsystem: "tcp", Name: "segments_sent_total",
			Help: "TCP segments sent, including retransmissions.",
		}),
		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elvis", Subsystem: "tcp", Name: "segments_dropped_total",
			Help: "Inbound TCP segments dropped, by reason.",
		}, []string{"reason"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis", Subsystem: "tcp", Name: "retransmits_total",
			Help: "Segments retransmitted, after an RTO expiry or a fast retransmit.",
		}),
		FastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis", Subsystem: "tcp", Name: "fast_retransmits_total",
			Help: "Segments retransmitted after three duplicate ACKs.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elvis", Subsystem: "tcp", Name: "state_transitions_total",
			Help: "TCB state transitions, by destination state.",
		}, []string{"to"}),
		SessionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elvis", Subsystem: "tcp", Name: "sessions_established_total",
			Help: "Connections that reached Established.",
		}),
	}
}

// Register adds every collector to reg. Safe to call with a nil reg.
func (m *Metrics) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.SegmentsSent, m.SegmentsDropped, m.Retransmits, m.FastRetransmits, m.StateTransitions, m.SessionsEstablished)
}
