package tcp

// armRetransmitTimer (re)arms the retransmit timer from the current RTO, or
// stops it if the retransmission queue is empty. Must be called with mu
// held.
func (s *Session) armRetransmitTimer() {
	if s.rtq.empty() {
		s.retransmitTimer.Stop()
		return
	}
	s.retransmitTimer.Reset(s.rtt.rto())
}

// armTimeWaitTimer starts the 2*MSL TimeWait hold (spec.md §4.5). Must be
// called with mu held.
func (s *Session) armTimeWaitTimer() {
	s.timeWaitTimer.Reset(2 * s.cfg.MSL)
}

// timerLoop drives the retransmit and TimeWait timers for the life of the
// session. One goroutine per session, started by newSession; it exits when
// the TCB reaches Closed or the simulation shuts down.
func (s *Session) timerLoop() {
	defer s.stopRun()
	for {
		select {
		case <-s.retransmitTimer.Chan():
			s.onRetransmitFire()
		case <-s.timeWaitTimer.Chan():
			s.onTimeWaitFire()
		case <-s.runCtx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Session) onRetransmitFire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.rtq.oldest()
	if !ok {
		return
	}
	delay := s.rtt.backoff()
	s.retransmitSegment(seg, s.cfg.Clock.Now())
	s.retransmitTimer.Reset(delay)
}

func (s *Session) onTimeWaitFire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTimeWait {
		s.setState(StateClosed)
	}
}
