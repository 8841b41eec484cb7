package tcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/proto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEndpoints() control.Endpoints {
	return control.Endpoints{
		Local:  control.Endpoint{Port: 1000},
		Remote: control.Endpoint{Port: 2000},
	}
}

// TestTCP_TCB_HandshakeActiveOpen drives a Session through RFC 793's active
// open: Closed -SYN-> SynSent -SYN,ACK/ACK-> Established. The peer side is
// simulated directly via handleInbound, with link left nil so outbound
// segments are counted but not actually transmitted.
func TestTCP_TCB_HandshakeActiveOpen(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := newSession(testEndpoints(), Config{Clock: clock}, proto.NewShutdown(), discardLogger(), newMetrics())
	defer s.stopRun()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.activeOpen(ctx, nil) }()

	require.Eventually(t, func() bool { return s.State() == StateSynSent }, time.Second, time.Millisecond)

	s.mu.Lock()
	iss := s.iss
	s.mu.Unlock()

	s.handleInbound(Header{SeqNum: 500, AckNum: iss + 1, Flags: FlagSYN | FlagACK, Window: 4096}, nil)

	require.NoError(t, <-done)
	assert.Equal(t, StateEstablished, s.State())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, uint32(501), s.rcvNXT)
	assert.Equal(t, iss+1, s.sndUNA)
	assert.True(t, s.rtq.empty(), "the SYN must be acked out of the retransmit queue")
}

// TestTCP_TCB_HandshakePassiveOpen drives the Listen side: Listen -SYN-> SynReceived -ACK-> Established.
func TestTCP_TCB_HandshakePassiveOpen(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := newSession(testEndpoints(), Config{Clock: clock}, proto.NewShutdown(), discardLogger(), newMetrics())
	defer s.stopRun()
	s.passiveOpenListen(nil)
	require.Equal(t, StateListen, s.State())

	s.handleInbound(Header{SeqNum: 100, Flags: FlagSYN, Window: 4096}, nil)
	require.Equal(t, StateSynReceived, s.State())

	s.mu.Lock()
	iss := s.iss
	s.mu.Unlock()

	s.handleInbound(Header{SeqNum: 101, AckNum: iss + 1, Flags: FlagACK, Window: 4096}, nil)
	assert.Equal(t, StateEstablished, s.State())
}

// TestTCP_TCB_DataTransfer_WriteThenAckAdvancesSendWindow covers Write's
// MSS-split enqueue and an inbound ACK draining the retransmit queue.
func TestTCP_TCB_DataTransfer_WriteThenAckAdvancesSendWindow(t *testing.T) {
	t.Parallel()

	s := newSession(testEndpoints(), Config{Clock: clockwork.NewFakeClock()}, proto.NewShutdown(), discardLogger(), newMetrics())
	defer s.stopRun()

	s.mu.Lock()
	s.state = StateEstablished
	s.iss = 1000
	s.sndUNA, s.sndNXT = 1000, 1000
	s.sndWND = 65535
	s.mu.Unlock()

	require.NoError(t, s.Write(context.Background(), []byte("hello")))

	s.mu.Lock()
	require.False(t, s.rtq.empty())
	assert.Equal(t, uint32(1005), s.sndNXT)
	s.mu.Unlock()

	s.handleInbound(Header{AckNum: 1005, Flags: FlagACK, Window: 65535}, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, uint32(1005), s.sndUNA)
	assert.True(t, s.rtq.empty())
}

// TestTCP_TCB_DataTransfer_InboundDataDeliveredInOrder covers processData's
// in-order delivery path and Read draining it.
func TestTCP_TCB_DataTransfer_InboundDataDeliveredInOrder(t *testing.T) {
	t.Parallel()

	s := newSession(testEndpoints(), Config{Clock: clockwork.NewFakeClock()}, proto.NewShutdown(), discardLogger(), newMetrics())
	defer s.stopRun()

	s.mu.Lock()
	s.state = StateEstablished
	s.rcvNXT = 500
	s.rcvWND = 4096
	s.mu.Unlock()

	s.handleInbound(Header{SeqNum: 500, Flags: FlagACK}, []byte("payload"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, uint32(507), s.rcvNXT)
}

// TestTCP_TCB_ActiveClose_FinSequenceReachesTimeWaitThenClosed walks
// Established -FIN-> FinWait1 -ACK-> FinWait2 -FIN-> TimeWait, then lets the
// 2*MSL timer expire on a fake clock to reach Closed.
func TestTCP_TCB_ActiveClose_FinSequenceReachesTimeWaitThenClosed(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := newSession(testEndpoints(), Config{Clock: clock, MSL: 50 * time.Millisecond}, proto.NewShutdown(), discardLogger(), newMetrics())
	defer s.stopRun()

	s.mu.Lock()
	s.state = StateEstablished
	s.sndUNA, s.sndNXT = 1000, 1000
	s.sndWND = 65535
	s.mu.Unlock()

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateFinWait1, s.State())

	s.mu.Lock()
	finSeq := s.sndNXT - 1
	s.mu.Unlock()

	s.handleInbound(Header{AckNum: finSeq + 1, Flags: FlagACK, Window: 65535}, nil)
	assert.Equal(t, StateFinWait2, s.State())

	s.handleInbound(Header{SeqNum: 2000, Flags: FlagFIN | FlagACK, AckNum: finSeq + 1, Window: 65535}, nil)
	assert.Equal(t, StateTimeWait, s.State())

	clock.BlockUntil(1)
	clock.Advance(2 * 50 * time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() must be closed once the TCB reaches Closed")
	}
}

// TestTCP_TCB_RetransmitTimer_FiresAndDoublesRTO confirms the retransmit
// timer backs off and re-marks the oldest unacked segment after an RTO
// expires with no ACK, using a fake clock for deterministic timing.
func TestTCP_TCB_RetransmitTimer_FiresAndDoublesRTO(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := newSession(testEndpoints(), Config{Clock: clock, InitialRTT: 100 * time.Millisecond, InitialRTTVar: 0}, proto.NewShutdown(), discardLogger(), newMetrics())
	defer s.stopRun()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.activeOpen(ctx, nil)

	clock.BlockUntil(1)

	s.mu.Lock()
	rto := s.rtt.rto()
	s.mu.Unlock()

	clock.Advance(rto)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		seg, ok := s.rtq.oldest()
		return ok && seg.retransmitted
	}, time.Second, time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2*float64(rto.Milliseconds()), s.rtt.rtoMS, "RTO must have doubled after the unacked timeout")
}
