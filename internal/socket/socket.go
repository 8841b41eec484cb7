// Package socket implements spec.md §4.7's Unix-like Socket API over the
// UDP and TCP protocol layers: bind/listen/accept/connect/send/recv with
// backpressure and Shutdown integration. A Socket holds a pointer to the
// Sockets manager that created it (which owns the bind table, the ephemeral
// port counter and the metrics) and down to the udp.Session or tcp.Session
// beneath it.
package socket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
	"github.com/elvis-sim/elvis/internal/tcp"
	"github.com/elvis-sim/elvis/internal/udp"
)

// ephemeralBase is the first port handed out by an unbound connect/listen
// (spec.md §6 "Sockets: ephemeral port base 49152").
const ephemeralBase = 49152

// Sockets is the machine-scoped factory and bind-table owner for every
// Socket on one machine (spec.md §4.7). It is not itself a proto.Protocol —
// it sits above Udp/Tcp as the application-facing entry point, not in the
// demux chain.
type Sockets struct {
	udp      *udp.Udp
	tcp      *tcp.Tcp
	shutdown *proto.Shutdown
	metrics  *Metrics

	mu        sync.Mutex
	bound     map[control.Endpoint]Type
	ephemeral uint32
}

// New constructs a Sockets manager wired to the owning machine's Udp/Tcp
// protocols and its Shutdown signal.
func New(u *udp.Udp, t *tcp.Tcp, shutdown *proto.Shutdown) *Sockets {
	return &Sockets{
		udp:       u,
		tcp:       t,
		shutdown:  shutdown,
		metrics:   newMetrics(),
		bound:     make(map[control.Endpoint]Type),
		ephemeral: ephemeralBase,
	}
}

// Metrics returns the manager's prometheus collectors for external registration.
func (s *Sockets) Metrics() *Metrics { return s.metrics }

// nextEphemeral hands out a fresh ephemeral port. It does not check it
// against bound: if the port is already bound with the same type, Bind fails
// with ErrExisting and nothing retries.
func (s *Sockets) nextEphemeral() uint16 {
	return uint16(atomic.AddUint32(&s.ephemeral, 1) - 1)
}

// fail wraps err as a socket Error of kind (reclassified to Shutdown if err
// unwraps to proto.ErrShutdown) and counts it.
func (s *Sockets) fail(kind ErrKind, err error) error {
	wrapped := wrap(kind, err)
	if se, ok := wrapped.(*Error); ok {
		s.metrics.Errors.WithLabelValues(se.Kind.String()).Inc()
	}
	return wrapped
}

// NewSocket constructs an unbound, unconnected Socket for family/typ
// (spec.md §4.7 "new_socket"). Only Inet is implemented.
func (s *Sockets) NewSocket(family Family, typ Type) (*Socket, error) {
	if family != Inet {
		return nil, wrap(ErrOther, fmt.Errorf("%s: %w", family, ErrNotImplemented))
	}
	s.metrics.SocketsOpened.Inc()
	return &Socket{mgr: s, family: family, typ: typ}, nil
}

// Socket is one Unix-like socket handle (spec.md §3 "SocketSession"). The
// zero value is not usable; construct with Sockets.NewSocket.
type Socket struct {
	mgr    *Sockets
	family Family
	typ    Type

	mu     sync.Mutex
	local  control.Endpoint
	remote control.Endpoint

	udpSession *udp.Session
	tcpSession *tcp.Session

	udpListener *udp.Listener
	tcpListener *tcp.Listener

	residue []byte
}

// Bind reserves local for this socket (port 0 picks an ephemeral port),
// rejecting a second bind to the same (address, port, type).
func (s *Socket) Bind(local control.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if local.Port == 0 {
		local.Port = s.mgr.nextEphemeral()
	}

	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	if existing, ok := s.mgr.bound[local]; ok && existing == s.typ {
		return s.mgr.fail(ErrBind, fmt.Errorf("%v: %w", local, proto.ErrExisting))
	}
	s.mgr.bound[local] = s.typ
	s.local = local
	return nil
}

// Listen puts a bound socket into the listening state (spec.md §4.7
// "listen(backlog)"). backlog is not passed down: the TCP and UDP listeners
// beneath queue at most 16 pending sessions for Accept whatever its value.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local.Port == 0 {
		return s.mgr.fail(ErrListen, fmt.Errorf("listen before bind"))
	}
	if backlog <= 0 {
		backlog = 16
	}

	switch s.typ {
	case Stream:
		l, err := s.mgr.tcp.Listen(s.local)
		if err != nil {
			return s.mgr.fail(ErrListen, err)
		}
		s.tcpListener = l
	case Datagram:
		l, err := s.mgr.udp.Bind(s.local)
		if err != nil {
			return s.mgr.fail(ErrListen, err)
		}
		s.udpListener = l
	}
	return nil
}

// Accept suspends until a fully-connected peer arrives on a listening
// socket's backlog, or ctx/shutdown fires (spec.md §4.7 "accept produces a
// fully-connected socket inheriting the listener's local endpoint and
// associating with the incoming remote").
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	s.mu.Lock()
	local, typ := s.local, s.typ
	udpListener, tcpListener := s.udpListener, s.tcpListener
	s.mu.Unlock()

	accepted := &Socket{mgr: s.mgr, family: s.family, typ: typ, local: local}

	switch typ {
	case Stream:
		if tcpListener == nil {
			return nil, s.mgr.fail(ErrAccept, fmt.Errorf("accept before listen"))
		}
		sess, err := tcpListener.Accept(ctx, s.mgr.shutdown)
		if err != nil {
			s.mgr.metrics.AcceptDropped.Inc()
			return nil, s.mgr.fail(ErrAccept, err)
		}
		accepted.tcpSession = sess
		accepted.remote = sess.Endpoints().Remote
		s.mgr.metrics.AcceptQueueDepth.WithLabelValues(fmt.Sprint(local)).Set(float64(tcpListener.Depth()))
	case Datagram:
		if udpListener == nil {
			return nil, s.mgr.fail(ErrAccept, fmt.Errorf("accept before listen"))
		}
		sess, err := udpListener.Accept(ctx, s.mgr.shutdown)
		if err != nil {
			s.mgr.metrics.AcceptDropped.Inc()
			return nil, s.mgr.fail(ErrAccept, err)
		}
		accepted.udpSession = sess
		accepted.remote = sess.Endpoints().Remote
		s.mgr.metrics.AcceptQueueDepth.WithLabelValues(fmt.Sprint(local)).Set(float64(udpListener.Depth()))
	}
	return accepted, nil
}

// Connect actively establishes a session to remote, binding an ephemeral
// local endpoint first if the socket was never bound (spec.md §4.7
// "connect(remote)"; §5 "awaits session establishment").
func (s *Socket) Connect(ctx context.Context, remote control.Endpoint) error {
	s.mu.Lock()
	if s.local.Port == 0 {
		s.mu.Unlock()
		if err := s.Bind(control.Endpoint{Address: s.local.Address, Port: 0}); err != nil {
			return err
		}
		s.mu.Lock()
	}
	local, typ := s.local, s.typ
	s.mu.Unlock()

	endpoints := control.Endpoints{Local: local, Remote: remote}

	switch typ {
	case Stream:
		sess, err := s.mgr.tcp.Connect(ctx, endpoints)
		if err != nil {
			return s.mgr.fail(ErrConnect, err)
		}
		s.mu.Lock()
		s.tcpSession = sess
		s.remote = remote
		s.mu.Unlock()
	case Datagram:
		sess, err := s.mgr.udp.Open(ctx, endpoints)
		if err != nil {
			return s.mgr.fail(ErrConnect, err)
		}
		s.mu.Lock()
		s.udpSession = sess
		s.remote = remote
		s.mu.Unlock()
	}
	return nil
}

// LocalEndpoint returns the socket's bound local endpoint.
func (s *Socket) LocalEndpoint() control.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// RemoteEndpoint returns the socket's connected remote endpoint.
func (s *Socket) RemoteEndpoint() control.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Send writes data to the connected session (spec.md §4.7 "send(bytes)").
func (s *Socket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	tcpSession, udpSession := s.tcpSession, s.udpSession
	s.mu.Unlock()

	switch {
	case tcpSession != nil:
		if err := tcpSession.Write(ctx, data); err != nil {
			return s.mgr.fail(ErrSend, err)
		}
		return nil
	case udpSession != nil:
		if err := udpSession.Send(ctx, message.New(data), nil); err != nil {
			return s.mgr.fail(ErrSend, err)
		}
		return nil
	default:
		return s.mgr.fail(ErrSend, fmt.Errorf("send before connect"))
	}
}

// Recv returns up to n bytes, consuming any partial residue left over from
// a prior call first, then pulling whole messages from the underlying
// session; any excess over n is held as residue for the next call (spec.md
// §4.7 "recv(n) ... residues are preserved across calls").
func (s *Socket) Recv(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	if len(s.residue) > 0 {
		take := n
		if take > len(s.residue) {
			take = len(s.residue)
		}
		out := s.residue[:take]
		s.residue = s.residue[take:]
		s.mu.Unlock()
		return out, nil
	}
	tcpSession, udpSession := s.tcpSession, s.udpSession
	s.mu.Unlock()

	var whole []byte
	var err error
	switch {
	case tcpSession != nil:
		whole, err = tcpSession.Read(ctx)
	case udpSession != nil:
		msg, rerr := udpSession.Recv(ctx, s.mgr.shutdown)
		if rerr == nil {
			whole = msg.Bytes()
		}
		err = rerr
	default:
		return nil, s.mgr.fail(ErrReceive, fmt.Errorf("recv before connect/accept"))
	}
	if err != nil {
		return nil, s.mgr.fail(ErrReceive, err)
	}

	if len(whole) <= n {
		return whole, nil
	}
	s.mu.Lock()
	s.residue = append(s.residue, whole[n:]...)
	s.mu.Unlock()
	return whole[:n], nil
}

// RecvMsg returns exactly one whole message from the session, ignoring any
// byte-count budget (spec.md §4.7 "recv_msg()") — the natural shape for a
// Datagram socket; for Stream it returns whatever one Read call yields.
func (s *Socket) RecvMsg(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	tcpSession, udpSession := s.tcpSession, s.udpSession
	s.mu.Unlock()

	switch {
	case tcpSession != nil:
		data, err := tcpSession.Read(ctx)
		if err != nil {
			return nil, s.mgr.fail(ErrReceive, err)
		}
		return data, nil
	case udpSession != nil:
		msg, err := udpSession.Recv(ctx, s.mgr.shutdown)
		if err != nil {
			return nil, s.mgr.fail(ErrReceive, err)
		}
		return msg.Bytes(), nil
	default:
		return nil, s.mgr.fail(ErrReceive, fmt.Errorf("recv_msg before connect/accept"))
	}
}

// Close closes the underlying TCP session, if any. A Datagram socket's UDP
// session is left as it is.
func (s *Socket) Close(ctx context.Context) error {
	s.mu.Lock()
	tcpSession := s.tcpSession
	s.mu.Unlock()
	if tcpSession != nil {
		if err := tcpSession.Close(ctx); err != nil {
			return s.mgr.fail(ErrOther, err)
		}
	}
	return nil
}
