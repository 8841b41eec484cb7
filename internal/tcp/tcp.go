package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Listener accumulates newly created Sessions for a bound local endpoint,
// for a Socket above to Accept from (spec.md §4.7 "accept ... suspends;
// backlog-bounded").
type Listener struct {
	ch chan *Session
}

// Depth reports how many already-created Sessions are waiting to be
// accepted.
func (l *Listener) Depth() int { return len(l.ch) }

// Accept returns the next Session to reach (or fail to reach) Established
// against this binding, blocking until one arrives, ctx is canceled, or
// shutdown fires.
func (l *Listener) Accept(ctx context.Context, shutdown *proto.Shutdown) (*Session, error) {
	select {
	case s := <-l.ch:
		if err := s.awaitEstablished(ctx); err != nil {
			return nil, fmt.Errorf("tcp: accept: %w", err)
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-shutdown.Done():
		return nil, proto.ErrShutdown
	}
}

// Tcp implements spec.md §4.5: Session table keyed by Endpoints, active and
// passive (Listen/Accept) connection establishment.
type Tcp struct {
	ipv4     *ipv4.Ipv4
	cfg      Config
	metrics  *Metrics
	shutdown *proto.Shutdown
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[control.Endpoints]*Session
	listens  map[control.Endpoint]*Listener
}

// New constructs a Tcp protocol bound to the owning machine's Ipv4.
func New(ip *ipv4.Ipv4, cfg Config, shutdown *proto.Shutdown, log *slog.Logger) *Tcp {
	return &Tcp{
		ipv4:     ip,
		cfg:      cfg.withDefaults(),
		metrics:  newMetrics(),
		shutdown: shutdown,
		log:      log.With("proto", "tcp"),
		sessions: make(map[control.Endpoints]*Session),
		listens:  make(map[control.Endpoint]*Listener),
	}
}

// Metrics returns the protocol's prometheus collectors for external registration.
func (t *Tcp) Metrics() *Metrics { return t.metrics }

// Start implements proto.Protocol. Tcp has no background tasks of its
// own — every Session runs its own timer goroutine.
func (t *Tcp) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	return nil
}

// Listen reserves local for inbound connection establishment, returning a
// Listener to Accept the Sessions created against it.
func (t *Tcp) Listen(local control.Endpoint) (*Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listens[local]; exists {
		return nil, fmt.Errorf("tcp: listen %v: %w", local, proto.ErrExisting)
	}
	l := &Listener{ch: make(chan *Session, 16)}
	t.listens[local] = l
	return l, nil
}

// Connect actively opens a connection to endpoints, blocking until
// Established or failure (spec.md §4.5 "Active open from Closed sends
// SYN... moves to SynSent").
func (t *Tcp) Connect(ctx context.Context, endpoints control.Endpoints) (*Session, error) {
	t.mu.Lock()
	if s, ok := t.sessions[endpoints]; ok {
		t.mu.Unlock()
		return s, nil
	}
	s := newSession(endpoints, t.cfg, t.shutdown, t.log, t.metrics)
	t.sessions[endpoints] = s
	t.mu.Unlock()

	link, err := t.ipv4.Open(ctx, ipv4.ProtocolTCP, endpoints, t)
	if err != nil {
		return nil, err
	}
	if err := s.activeOpen(ctx, link); err != nil {
		return nil, err
	}
	return s, nil
}

// Demux implements proto.Protocol (spec.md §4.5 / §4.6-style demux): caller
// is the Ipv4Session the segment arrived on; ctl.Endpoints carries the
// addresses parsed one layer down.
func (t *Tcp) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	if ctl.Endpoints == nil {
		t.metrics.SegmentsDropped.WithLabelValues("header").Inc()
		return fmt.Errorf("tcp: demux without addresses: %w", proto.ErrMissingContext)
	}

	raw := msg.Bytes()
	payload := msg.Slice(HeaderLen, msg.Len())
	h, err := Parse(raw, ctl.Endpoints.Remote.Address, ctl.Endpoints.Local.Address, payload.Bytes())
	if err != nil {
		t.metrics.SegmentsDropped.WithLabelValues("header").Inc()
		return err
	}

	endpoints := control.Endpoints{
		Local:  control.Endpoint{Address: ctl.Endpoints.Local.Address, Port: h.DestinationPort},
		Remote: control.Endpoint{Address: ctl.Endpoints.Remote.Address, Port: h.SourcePort},
	}
	link, _ := caller.(*ipv4.Session)

	t.mu.Lock()
	s, ok := t.sessions[endpoints]
	if !ok && h.Flags.Has(FlagSYN) {
		if l, lok := t.listens[endpoints.Local]; lok {
			s = newSession(endpoints, t.cfg, t.shutdown, t.log, t.metrics)
			s.passiveOpenListen(link)
			t.sessions[endpoints] = s
			select {
			case l.ch <- s:
			default:
				// Backlog full: drop the new connection attempt (spec.md
				// §4.7 "backlog-bounded").
				delete(t.sessions, endpoints)
				t.mu.Unlock()
				return fmt.Errorf("tcp: accept backlog full for %v", endpoints.Local)
			}
		}
	}
	t.mu.Unlock()

	if s == nil {
		t.metrics.SegmentsDropped.WithLabelValues("no_session").Inc()
		return fmt.Errorf("tcp: %v: %w", endpoints, proto.ErrMissingSession)
	}
	s.handleInbound(h, payload.Bytes())
	return nil
}
