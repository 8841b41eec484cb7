package udp

import (
	"context"
	"fmt"
	"sync"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Listener accumulates newly created Sessions for a bound local endpoint or
// wildcard port, for a Socket above to Accept from.
type Listener struct {
	ch chan *Session
}

// Depth reports how many already-created Sessions are waiting to be
// accepted.
func (l *Listener) Depth() int { return len(l.ch) }

// Accept returns the next Session created against this binding, blocking
// until one arrives, ctx is canceled, or shutdown fires.
func (l *Listener) Accept(ctx context.Context, shutdown *proto.Shutdown) (*Session, error) {
	select {
	case s := <-l.ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-shutdown.Done():
		return nil, proto.ErrShutdown
	}
}

// Udp implements spec.md §4.6: a stateless transport whose sessions are
// keyed by Endpoints, created lazily from a listen binding (exact local
// endpoint, or a port-only wildcard) on first matching inbound datagram.
type Udp struct {
	ipv4    *ipv4.Ipv4
	metrics *Metrics

	mu        sync.Mutex
	sessions  map[control.Endpoints]*Session
	listens   map[control.Endpoint]*Listener
	wildcards map[uint16]*Listener
}

// New constructs a Udp protocol bound to the owning machine's Ipv4.
func New(ip *ipv4.Ipv4) *Udp {
	return &Udp{
		ipv4:      ip,
		metrics:   newMetrics(),
		sessions:  make(map[control.Endpoints]*Session),
		listens:   make(map[control.Endpoint]*Listener),
		wildcards: make(map[uint16]*Listener),
	}
}

// Metrics returns the protocol's prometheus collectors for external registration.
func (u *Udp) Metrics() *Metrics { return u.metrics }

// Bind reserves local for exact-match inbound session creation, returning a
// Listener to Accept the Sessions created against it.
func (u *Udp) Bind(local control.Endpoint) (*Listener, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.listens[local]; exists {
		return nil, fmt.Errorf("udp: bind %v: %w", local, proto.ErrExisting)
	}
	l := &Listener{ch: make(chan *Session, 16)}
	u.listens[local] = l
	return l, nil
}

// BindWildcard reserves port for any local address, for servers that don't
// care which of a machine's locals a datagram arrived on.
func (u *Udp) BindWildcard(port uint16) (*Listener, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.wildcards[port]; exists {
		return nil, fmt.Errorf("udp: bind wildcard port %d: %w", port, proto.ErrExisting)
	}
	l := &Listener{ch: make(chan *Session, 16)}
	u.wildcards[port] = l
	return l, nil
}

// Start implements proto.Protocol. Udp has no background tasks of its own.
func (u *Udp) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	return nil
}

// Open returns the Session for endpoints, creating it (and the Ipv4Session
// beneath it) on first use.
func (u *Udp) Open(ctx context.Context, endpoints control.Endpoints) (*Session, error) {
	u.mu.Lock()
	if s, ok := u.sessions[endpoints]; ok {
		u.mu.Unlock()
		return s, nil
	}
	u.mu.Unlock()

	link, err := u.ipv4.Open(ctx, ipv4.ProtocolUDP, endpoints, u)
	if err != nil {
		return nil, err
	}

	s := newSession(link, endpoints)

	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.sessions[endpoints]; ok {
		return existing, nil
	}
	u.sessions[endpoints] = s
	u.metrics.SessionsOpened.Inc()
	return s, nil
}

// Demux implements proto.Protocol (spec.md §4.6 "On demux"). caller is the
// Ipv4Session the datagram arrived on; ctl.Endpoints carries the addresses
// parsed by Ipv4 one layer down.
func (u *Udp) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	if ctl.Endpoints == nil {
		u.metrics.DatagramsDropped.WithLabelValues("header").Inc()
		return fmt.Errorf("udp: demux without addresses: %w", proto.ErrMissingContext)
	}

	raw := msg.Bytes()
	payload := msg.Slice(HeaderLen, msg.Len())
	h, err := Parse(raw, ctl.Endpoints.Remote.Address, ctl.Endpoints.Local.Address, payload.Bytes())
	if err != nil {
		u.metrics.DatagramsDropped.WithLabelValues("header").Inc()
		return err
	}

	endpoints := control.Endpoints{
		Local:  control.Endpoint{Address: ctl.Endpoints.Local.Address, Port: h.DestinationPort},
		Remote: control.Endpoint{Address: ctl.Endpoints.Remote.Address, Port: h.SourcePort},
	}

	link, _ := caller.(*ipv4.Session)

	u.mu.Lock()
	s, ok := u.sessions[endpoints]
	if !ok {
		l, lOK := u.listens[endpoints.Local]
		if !lOK {
			l, lOK = u.wildcards[endpoints.Local.Port]
		}
		if lOK {
			s = newSession(link, endpoints)
			u.sessions[endpoints] = s
			u.metrics.SessionsOpened.Inc()
			select {
			case l.ch <- s:
			default:
				// Listener backlog full; the session still exists for
				// subsequent datagrams, only the Accept notification is
				// dropped (spec.md §4.7 "backlog-bounded").
			}
		}
	}
	u.mu.Unlock()

	if s == nil {
		u.metrics.DatagramsDropped.WithLabelValues("no_session").Inc()
		return fmt.Errorf("udp: %v: %w", endpoints, proto.ErrMissingSession)
	}
	s.deliver(payload)
	return nil
}
