package tcp

import "time"

// segment is one outbound byte range still awaiting acknowledgement. SYN and
// FIN each consume one sequence number, the same as a data byte, so they
// ride the same retransmission machinery as ordinary data (RFC 793's
// sequence-space accounting).
type segment struct {
	seq           uint32
	data          []byte
	flags         Flags
	sentAt        time.Time
	retransmitted bool
}

func (s segment) seqLen() uint32 {
	n := uint32(len(s.data))
	if s.flags.Has(FlagSYN) {
		n++
	}
	if s.flags.Has(FlagFIN) {
		n++
	}
	return n
}

func (s segment) end() uint32 { return s.seq + s.seqLen() }

// retransmitQueue holds not-yet-acknowledged outbound segments in sequence
// order (spec.md §3 TCB "retransmission queue (ordered by seq)").
type retransmitQueue struct {
	segs []segment
}

func (q *retransmitQueue) push(s segment) {
	q.segs = append(q.segs, s)
}

// ackUpTo removes every segment fully covered by ack (snd_una's new value),
// returning the removed segments for RTT sampling and reporting whether any
// were removed (a genuine advance, vs. a stale/duplicate ACK).
func (q *retransmitQueue) ackUpTo(ack uint32) (removed []segment, advanced bool) {
	i := 0
	for i < len(q.segs) && !seqLess(ack, q.segs[i].end()) {
		removed = append(removed, q.segs[i])
		i++
	}
	if i > 0 {
		advanced = true
		q.segs = q.segs[i:]
	}
	return removed, advanced
}

func (q *retransmitQueue) empty() bool { return len(q.segs) == 0 }

func (q *retransmitQueue) oldest() (segment, bool) {
	if len(q.segs) == 0 {
		return segment{}, false
	}
	return q.segs[0], true
}

// markRetransmitted updates the oldest segment in place after a retransmit,
// resetting its timestamp so a fresh RTT probe isn't taken against it
// (Karn's algorithm).
func (q *retransmitQueue) markRetransmitted(now time.Time) {
	if len(q.segs) == 0 {
		return
	}
	q.segs[0].retransmitted = true
	q.segs[0].sentAt = now
}

// reassembly is the seq-indexed out-of-order receive buffer (spec.md §3 TCB
// "out-of-order receive buffer (seq-indexed)").
type reassembly struct {
	pending map[uint32][]byte
}

func newReassembly() *reassembly {
	return &reassembly{pending: make(map[uint32][]byte)}
}

func (r *reassembly) insert(seq uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	r.pending[seq] = data
}

// drainContiguous pulls every run of bytes starting at rcvNxt out of the
// out-of-order buffer, returning the concatenated bytes and the new rcvNxt.
func (r *reassembly) drainContiguous(rcvNxt uint32) ([]byte, uint32) {
	var out []byte
	for {
		data, ok := r.pending[rcvNxt]
		if !ok {
			break
		}
		delete(r.pending, rcvNxt)
		out = append(out, data...)
		rcvNxt += uint32(len(data))
	}
	return out, rcvNxt
}

func (r *reassembly) size() int {
	n := 0
	for _, d := range r.pending {
		n += len(d)
	}
	return n
}
