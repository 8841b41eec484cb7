package tcp

import (
	"time"
)

// handleInbound applies one parsed inbound segment to the TCB under mu. It
// implements the RFC 793 Figure 6 transitions spec.md §4.5 describes.
func (s *Session) handleInbound(h Header, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.Flags.Has(FlagRST) && s.state != StateClosed {
		s.log.Debug("tcp: received RST, closing")
		s.setState(StateClosed)
		return
	}

	switch s.state {
	case StateListen:
		s.handleListen(h)
		return
	case StateSynSent:
		s.handleSynSent(h)
		return
	case StateSynReceived:
		s.handleSynReceived(h)
		return
	case StateClosed, StateTimeWait:
		return
	}

	// Established, FinWait1, FinWait2, CloseWait, Closing, LastAck: common
	// ack/data/FIN processing.
	s.processAck(h)
	s.processData(h, payload)
	if h.Flags.Has(FlagFIN) {
		s.processFIN(h)
	}
}

func (s *Session) handleListen(h Header) {
	if !h.Flags.Has(FlagSYN) {
		return
	}
	s.irs = h.SeqNum
	s.rcvNXT = s.irs + 1
	s.iss = issFromClock(s.cfg.Clock)
	s.sndUNA = s.iss
	s.sndNXT = s.iss + 1
	s.sndWND = uint32(h.Window)
	s.setState(StateSynReceived)
	s.enqueueAndSend(segment{seq: s.iss, flags: FlagSYN, sentAt: s.cfg.Clock.Now()})
}

func (s *Session) handleSynSent(h Header) {
	if h.Flags.Has(FlagACK) && h.AckNum != s.iss+1 {
		s.sendRST() // unacceptable ACK: reset rather than drop (RFC 793)
		return
	}
	if !h.Flags.Has(FlagSYN) {
		return
	}
	s.irs = h.SeqNum
	s.rcvNXT = s.irs + 1
	s.sndWND = uint32(h.Window)
	if h.Flags.Has(FlagACK) {
		s.rtq.ackUpTo(h.AckNum)
		s.sndUNA = h.AckNum
		s.setState(StateEstablished)
		s.transmit(segment{seq: s.sndNXT}, true)
		s.flushPending()
		return
	}
	// Simultaneous open: peer also opened actively. Answer with our own
	// SYN+ACK and wait in SynReceived for its ACK.
	s.setState(StateSynReceived)
	s.enqueueAndSend(segment{seq: s.sndNXT - 1, flags: FlagSYN, sentAt: s.cfg.Clock.Now()})
}

func (s *Session) handleSynReceived(h Header) {
	if !h.Flags.Has(FlagACK) || h.AckNum != s.sndNXT {
		return
	}
	s.rtq.ackUpTo(h.AckNum)
	s.sndUNA = h.AckNum
	s.sndWND = uint32(h.Window)
	s.sndWL1, s.sndWL2 = h.SeqNum, h.AckNum
	s.setState(StateEstablished)
	s.flushPending()
}

// processAck implements spec.md §4.5's ACK/retransmission/RTT/fast-retransmit
// rules, and the send-window update ("snd_wl1/snd_wl2" guarding stale window
// updates per RFC 793 §3.7).
func (s *Session) processAck(h Header) {
	if !h.Flags.Has(FlagACK) {
		return
	}
	if seqLess(h.AckNum, s.sndUNA) {
		return // old duplicate ACK of already-acked data
	}
	if seqLess(s.sndNXT, h.AckNum) {
		// ACK for data we never sent: drop and re-advertise current ACK
		// (spec.md §4.5 "ACK outside [snd_una, snd_nxt]").
		s.sendBareAck()
		return
	}

	now := s.cfg.Clock.Now()
	removed, advanced := s.rtq.ackUpTo(h.AckNum)
	if advanced {
		s.sndUNA = h.AckNum
		for _, seg := range removed {
			if !seg.retransmitted {
				s.rtt.sampleIfCovered(seg.end(), now)
			} else {
				s.rtt.clearPending(seg.seq)
			}
		}
		s.dupAckCount = 0
		s.armRetransmitTimer()
		s.flushPending()

		if s.finPending && !seqLess(h.AckNum, s.finAckSeq) {
			s.finPending = false
			switch s.state {
			case StateFinWait1:
				s.setState(StateFinWait2)
			case StateClosing, StateLastAck:
				if s.state == StateLastAck {
					s.setState(StateClosed)
				} else {
					s.setState(StateTimeWait)
					s.armTimeWaitTimer()
				}
			}
		}
	} else if h.AckNum == s.lastAckSeen && len(s.rtq.segs) > 0 {
		s.dupAckCount++
		if s.dupAckCount == 3 {
			s.fastRetransmit()
		}
	}
	s.lastAckSeen = h.AckNum

	// RFC 793 §3.7 window update: accept a new window only if the segment
	// is the most recent one seen (by seq, or by seq with an advancing ack).
	if seqLess(s.sndWL1, h.SeqNum) || (s.sndWL1 == h.SeqNum && seqLess(s.sndWL2, h.AckNum+1)) {
		s.sndWND = uint32(h.Window)
		s.sndWL1, s.sndWL2 = h.SeqNum, h.AckNum
	}
}

func (s *Session) processData(h Header, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if seqLess(h.SeqNum, s.rcvNXT) {
		// Already-seen data: discard but still acknowledge (spec.md §4.5).
		s.sendBareAck()
		return
	}
	if h.SeqNum == s.rcvNXT {
		s.rcvNXT += uint32(len(payload))
		s.recvReady = append(s.recvReady, payload...)
		more, newNext := s.ooo.drainContiguous(s.rcvNXT)
		s.rcvNXT = newNext
		s.recvReady = append(s.recvReady, more...)
		s.wakeReader()
	} else {
		s.ooo.insert(h.SeqNum, payload)
	}
	s.sendBareAck()
}

func (s *Session) processFIN(h Header) {
	s.rcvNXT = h.SeqNum + 1
	switch s.state {
	case StateEstablished:
		s.setState(StateCloseWait)
	case StateFinWait1:
		// Simultaneous close, or our FIN not yet acked.
		s.setState(StateClosing)
	case StateFinWait2:
		s.setState(StateTimeWait)
		s.armTimeWaitTimer()
	}
	s.sendBareAck()
}

func (s *Session) wakeReader() {
	close(s.recvNotify)
	s.recvNotify = make(chan struct{})
}

func (s *Session) fastRetransmit() {
	seg, ok := s.rtq.oldest()
	if !ok {
		return
	}
	s.metrics.FastRetransmits.Inc()
	s.dupAckCount = 0
	s.retransmitSegment(seg, s.cfg.Clock.Now())
}

func (s *Session) retransmitSegment(seg segment, now time.Time) {
	s.rtq.markRetransmitted(now)
	s.rtt.clearPending(seg.seq)
	s.metrics.Retransmits.Inc()
	s.transmit(seg, true)
}
