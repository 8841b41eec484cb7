package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Config configures a Tcp protocol instance and every Session it creates
// (spec.md §6 "TCP: {mss (default 1460), msl (default 2s), initial_rtt:
// 300ms, initial_rttvar: 100ms}").
type Config struct {
	MSS           uint16
	MSL           time.Duration
	InitialRTT    time.Duration
	InitialRTTVar time.Duration
	Clock         clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.MSS == 0 {
		c.MSS = 1460
	}
	if c.MSL == 0 {
		c.MSL = 2 * time.Second
	}
	if c.InitialRTT == 0 {
		c.InitialRTT = 300 * time.Millisecond
	}
	if c.InitialRTTVar == 0 {
		c.InitialRTTVar = 100 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// issFromClock picks a fresh initial sequence number, monotonically varying
// with time the way RFC 793's recommended ISS clock does (spec.md §4.5
// "ISS is chosen freshly (monotonically-varying, e.g., time-based)").
func issFromClock(clock clockwork.Clock) uint32 {
	return uint32(clock.Now().UnixNano() / int64(4*time.Microsecond))
}

// Session is one TCP connection block (spec.md §3 "TCB"). All TCB field
// mutation is serialized under mu; Demux, Write, Close, and the
// retransmit/TimeWait timer goroutine all take the same lock before
// touching state, giving the single-writer discipline the concurrency
// model requires without a dedicated actor goroutine. Session holds no
// pointer back to the Tcp protocol that created it, only down to the
// Ipv4Session beneath it.
type Session struct {
	cfg       Config
	endpoints control.Endpoints
	log       *slog.Logger
	metrics   *Metrics
	shutdown  *proto.Shutdown
	runCtx    context.Context
	stopRun   context.CancelFunc

	mu    sync.Mutex
	link  *ipv4.Session
	state State

	iss, sndUNA, sndNXT, sndWND, sndWL1, sndWL2 uint32
	irs, rcvNXT, rcvWND                         uint32
	mss                                         uint16

	rtq         retransmitQueue
	ooo         *reassembly
	rtt         *rttEstimator
	dupAckCount int
	lastAckSeen uint32

	finPending bool   // we have sent our FIN and are waiting for it to be acked
	finAckSeq  uint32 // the ack number that covers our sent FIN

	retransmitTimer clockwork.Timer
	timeWaitTimer   clockwork.Timer

	sendPending []byte // app bytes not yet sent (window-held or MSS-split remainder)
	recvReady   []byte // in-order bytes delivered to the application, not yet Read

	recvNotify  chan struct{}
	stateNotify chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

func newSession(endpoints control.Endpoints, cfg Config, shutdown *proto.Shutdown, log *slog.Logger, metrics *Metrics) *Session {
	cfg = cfg.withDefaults()
	runCtx, stop := shutdown.WithContext(context.Background())
	s := &Session{
		cfg:             cfg,
		endpoints:       endpoints,
		log:             log.With("proto", "tcp", "local", endpoints.Local, "remote", endpoints.Remote),
		metrics:         metrics,
		shutdown:        shutdown,
		runCtx:          runCtx,
		stopRun:         stop,
		mss:             cfg.MSS,
		ooo:             newReassembly(),
		rtt:             newRTTEstimator(cfg.InitialRTT, cfg.InitialRTTVar),
		recvNotify:      make(chan struct{}),
		stateNotify:     make(chan struct{}),
		closed:          make(chan struct{}),
		retransmitTimer: cfg.Clock.NewTimer(time.Hour),
		timeWaitTimer:   cfg.Clock.NewTimer(time.Hour),
	}
	s.retransmitTimer.Stop()
	s.timeWaitTimer.Stop()
	go s.timerLoop()
	return s
}

// Endpoints returns the session's local/remote endpoint pair.
func (s *Session) Endpoints() control.Endpoints { return s.endpoints }

// State returns the TCB's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.metrics.StateTransitions.WithLabelValues(state.String()).Inc()
	close(s.stateNotify)
	s.stateNotify = make(chan struct{})
	if state == StateEstablished {
		s.metrics.SessionsEstablished.Inc()
	}
	if state == StateClosed {
		s.closeOnce.Do(func() { close(s.closed) })
	}
}

// awaitState blocks until the TCB leaves startState (transitions to
// anything else), ctx is canceled, or shutdown fires.
func (s *Session) awaitState(ctx context.Context, startState State) error {
	for {
		s.mu.Lock()
		cur := s.state
		watch := s.stateNotify
		s.mu.Unlock()
		if cur != startState {
			return nil
		}
		select {
		case <-watch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdown.Done():
			return proto.ErrShutdown
		}
	}
}

// awaitEstablished blocks until the TCB reaches Established, or returns an
// error once it lands in any state other than Listen, SynSent or
// SynReceived (a received RST sends it to Closed). Used by active open and
// by passive-open Accept, where the session may still be sitting in Listen
// or SynReceived when observed.
func (s *Session) awaitEstablished(ctx context.Context) error {
	for {
		s.mu.Lock()
		cur := s.state
		watch := s.stateNotify
		s.mu.Unlock()
		switch cur {
		case StateEstablished:
			return nil
		case StateListen, StateSynReceived, StateSynSent:
			// still handshaking
		default:
			return fmt.Errorf("tcp: connection landed in %s", cur)
		}
		select {
		case <-watch:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdown.Done():
			return proto.ErrShutdown
		}
	}
}

// --- active/passive open ---

func (s *Session) activeOpen(ctx context.Context, link *ipv4.Session) error {
	s.mu.Lock()
	s.link = link
	s.iss = issFromClock(s.cfg.Clock)
	s.sndUNA = s.iss
	s.sndNXT = s.iss + 1
	s.rcvWND = uint32(s.mss) * 8
	s.setState(StateSynSent)
	s.enqueueAndSend(segment{seq: s.iss, flags: FlagSYN, sentAt: s.cfg.Clock.Now()})
	s.mu.Unlock()

	return s.awaitEstablished(ctx)
}

func (s *Session) passiveOpenListen(link *ipv4.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = link
	s.rcvWND = uint32(s.mss) * 8
	s.setState(StateListen)
}

// --- application-facing send/recv ---

// Write hands app bytes to the connection, splitting by MSS and holding
// anything that would cross snd_una+snd_wnd (spec.md §4.5).
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.state != StateEstablished && s.state != StateCloseWait {
		s.mu.Unlock()
		return fmt.Errorf("tcp: write in state %s: %w", s.state, proto.ErrInvalidState)
	}
	s.sendPending = append(s.sendPending, data...)
	s.flushPending()
	s.mu.Unlock()
	return nil
}

// flushPending sends as much of sendPending as MSS and the send window
// allow. Must be called with mu held.
func (s *Session) flushPending() {
	for len(s.sendPending) > 0 {
		avail := s.sndUNA + s.sndWND - s.sndNXT
		if int32(avail) <= 0 {
			return
		}
		n := uint32(len(s.sendPending))
		if n > uint32(s.mss) {
			n = uint32(s.mss)
		}
		if n > avail {
			n = avail
		}
		if n == 0 {
			return
		}
		chunk := s.sendPending[:n]
		s.sendPending = s.sendPending[n:]
		s.enqueueAndSend(segment{seq: s.sndNXT, data: chunk, sentAt: s.cfg.Clock.Now()})
	}
}

// Read returns the next available in-order bytes, blocking until some
// arrive, ctx is canceled, or shutdown fires.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.recvReady) > 0 {
			out := s.recvReady
			s.recvReady = nil
			s.mu.Unlock()
			return out, nil
		}
		if s.state == StateClosed {
			s.mu.Unlock()
			return nil, fmt.Errorf("tcp: read on closed session")
		}
		watch := s.recvNotify
		s.mu.Unlock()
		select {
		case <-watch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.shutdown.Done():
			return nil, proto.ErrShutdown
		}
	}
}

// Close initiates an active close: send FIN and move to FinWait1 (from
// Established) or LastAck (from CloseWait) (spec.md §4.5).
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateEstablished:
		fin := segment{seq: s.sndNXT, flags: FlagFIN, sentAt: s.cfg.Clock.Now()}
		s.finPending, s.finAckSeq = true, fin.end()
		s.enqueueAndSend(fin)
		s.setState(StateFinWait1)
	case StateCloseWait:
		fin := segment{seq: s.sndNXT, flags: FlagFIN, sentAt: s.cfg.Clock.Now()}
		s.finPending, s.finAckSeq = true, fin.end()
		s.enqueueAndSend(fin)
		s.setState(StateLastAck)
	case StateClosed:
	default:
		s.mu.Unlock()
		return fmt.Errorf("tcp: close in state %s: %w", s.state, proto.ErrInvalidState)
	}
	s.mu.Unlock()
	return nil
}

// Done returns a channel closed once the TCB reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// --- outbound segment plumbing ---

// enqueueAndSend builds and transmits seg, tracking it in the
// retransmission queue if it carries data or consumes a sequence number
// (SYN/FIN). Must be called with mu held.
func (s *Session) enqueueAndSend(seg segment) {
	if seg.flags.Has(FlagSYN) || seg.flags.Has(FlagFIN) || len(seg.data) > 0 {
		s.rtq.push(seg)
		s.sndNXT = seg.end()
		s.rtt.markPending(seg.seq, seg.sentAt)
		s.armRetransmitTimer()
	}
	s.transmit(seg, seg.flags.Has(FlagACK) || s.state != StateClosed)
}

// transmit writes seg onto the wire. When withAck is set, the ACK flag and
// ack number are filled in unless the TCB is in Closed, Listen or SynSent,
// so the initial SYN carries no ACK.
func (s *Session) transmit(seg segment, withAck bool) {
	flags := seg.flags
	ack := uint32(0)
	if withAck && s.state != StateClosed && s.state != StateListen && s.state != StateSynSent {
		flags |= FlagACK
		ack = s.rcvNXT
	}
	h := Header{
		SourcePort:      s.endpoints.Local.Port,
		DestinationPort: s.endpoints.Remote.Port,
		SeqNum:          seg.seq,
		AckNum:          ack,
		Flags:           flags,
		Window:          uint16(s.freeRecvWindow()),
	}
	hdr := Build(s.endpoints.Local.Address, s.endpoints.Remote.Address, h, seg.data)
	msg := message.New(seg.data).Push(hdr)
	if s.link != nil {
		if err := s.link.Send(s.runCtx, msg, nil); err != nil {
			s.log.Debug("tcp: send failed", "error", err)
		}
	}
	s.metrics.SegmentsSent.Inc()
}

// sendBareAck transmits a pure ACK (no data, no retransmission tracking) —
// used to acknowledge out-of-window or already-seen segments (spec.md
// §4.5 "ACK outside [snd_una, snd_nxt] → drop and send current ACK").
func (s *Session) sendBareAck() {
	s.transmit(segment{seq: s.sndNXT}, true)
}

func (s *Session) freeRecvWindow() uint32 {
	used := uint32(s.ooo.size()) + uint32(len(s.recvReady))
	if used >= s.rcvWND {
		return 0
	}
	return s.rcvWND - used
}

func (s *Session) sendRST() {
	s.transmit(segment{seq: s.sndNXT, flags: FlagRST}, false)
}
