package tcp

import "time"

const (
	minRTO = 10 * time.Millisecond
	maxRTO = 10 * time.Second
)

// rttEstimator implements the Jacobson/Karels smoothing spec.md §4.5
// specifies in millisecond units: srtt = (7·srtt + sample + 7)/8,
// rttvar = (3·rttvar + |srtt − sample| + 3)/4, rto = clamp(srtt +
// max(5, 4·rttvar), 10ms, 10s).
type rttEstimator struct {
	srttMS   float64
	rttvarMS float64
	rtoMS    float64

	pendingSeq  uint32
	pendingAt   time.Time
	hasPending  bool
	retransmitN int
}

func newRTTEstimator(initialRTT, initialRTTVar time.Duration) *rttEstimator {
	e := &rttEstimator{
		srttMS:   float64(initialRTT.Milliseconds()),
		rttvarMS: float64(initialRTTVar.Milliseconds()),
	}
	e.recomputeRTO()
	return e
}

func (e *rttEstimator) recomputeRTO() {
	rto := e.srttMS + max(5.0, 4*e.rttvarMS)
	rto = clampMS(rto, minRTO, maxRTO)
	e.rtoMS = rto
}

func (e *rttEstimator) rto() time.Duration {
	return time.Duration(e.rtoMS * float64(time.Millisecond))
}

// sample updates the estimator from one observed round-trip (seq was
// timestamped at sentAt; ackedAt is now).
func (e *rttEstimator) sample(sentAt, ackedAt time.Time) {
	rtt := float64(ackedAt.Sub(sentAt).Milliseconds())
	e.srttMS = (7*e.srttMS + rtt + 7) / 8
	e.rttvarMS = (3*e.rttvarMS + absF(e.srttMS-rtt) + 3) / 4
	e.recomputeRTO()
	e.retransmitN = 0
	e.hasPending = false
}

// backoff doubles the retransmit delay and counts the retransmission. After
// three consecutive retransmissions without a fresh sample, it forces
// srtt ← min(2·srtt, 10s) and resets the counter (spec.md §4.5).
func (e *rttEstimator) backoff() time.Duration {
	e.rtoMS *= 2
	if e.rtoMS > float64(maxRTO.Milliseconds()) {
		e.rtoMS = float64(maxRTO.Milliseconds())
	}
	e.retransmitN++
	if e.retransmitN >= 3 {
		e.srttMS = min(2*e.srttMS, float64(maxRTO.Milliseconds()))
		e.retransmitN = 0
	}
	return e.rto()
}

// markPending records seq as the in-flight RTT probe, if none is already
// pending (Karn's algorithm: at most one sample in flight at a time, and a
// retransmitted segment's seq is never used as a probe).
func (e *rttEstimator) markPending(seq uint32, at time.Time) {
	if e.hasPending {
		return
	}
	e.pendingSeq, e.pendingAt, e.hasPending = seq, at, true
}

// clearPending drops the in-flight probe without sampling, used when its
// segment is retransmitted (spec.md §4.5 "sample RTT iff the acknowledged
// range covers the timestamped probe").
func (e *rttEstimator) clearPending(seq uint32) {
	if e.hasPending && e.pendingSeq == seq {
		e.hasPending = false
	}
}

// sampleIfCovered applies sample() iff the newly-acknowledged range (up to
// but excluding ackedUpTo) covers the pending probe's sequence number.
func (e *rttEstimator) sampleIfCovered(ackedUpTo uint32, now time.Time) {
	if e.hasPending && seqLess(e.pendingSeq, ackedUpTo) {
		e.sample(e.pendingAt, now)
	}
}

// seqLess reports whether a precedes b in sequence-number space, tolerating
// one wraparound via signed 32-bit difference.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func clampMS(v float64, lo, hi time.Duration) float64 {
	loMS, hiMS := float64(lo.Milliseconds()), float64(hi.Milliseconds())
	if v < loMS {
		return loMS
	}
	if v > hiMS {
		return hiMS
	}
	return v
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
