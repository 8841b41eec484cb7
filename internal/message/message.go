// Package message implements the layered, zero-copy byte chain that every
// protocol in the stack reads from and writes to.
//
// A Message is an immutable, persistent-list chain of chunks: the body plus
// every header a layer has prepended on the way down. Pushing a header never
// copies the body, and slicing a header off never copies the remainder —
// both operations only adjust which chunks (or which sub-ranges of a chunk)
// are reachable from the returned Message. This mirrors how a decoder like
// gopacket walks a wire buffer layer by layer, except in reverse: ELVIS
// builds frames inside-out rather than decoding them outside-in.
package message

import "bytes"

// chunk is one link in the chain, ordered outermost (most recently pushed)
// first. next points toward the body.
type chunk struct {
	bytes []byte
	next  *chunk
}

// Message is an immutable layered byte chain. The zero value is not usable;
// construct one with New.
type Message struct {
	head *chunk
	len  int
}

// New returns a Message wrapping body as its only chunk.
func New(body []byte) *Message {
	if body == nil {
		body = []byte{}
	}
	return &Message{head: &chunk{bytes: body}, len: len(body)}
}

// Push returns a new Message with header prepended as the new outermost
// chunk. The receiver is unmodified and its chunks are shared, not copied,
// with the result — cloning a Message chain is always O(1).
func (m *Message) Push(header []byte) *Message {
	if len(header) == 0 {
		return m
	}
	cp := make([]byte, len(header))
	copy(cp, header)
	return &Message{head: &chunk{bytes: cp, next: m.head}, len: m.len + len(cp)}
}

// Len returns the total number of bytes across every chunk.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return m.len
}

// Chunks returns the chain's chunks outermost-first as byte slices. The
// slices alias the Message's backing arrays; callers must not mutate them.
func (m *Message) Chunks() [][]byte {
	var out [][]byte
	for c := m.head; c != nil; c = c.next {
		out = append(out, c.bytes)
	}
	return out
}

// Bytes concatenates every chunk into a single contiguous buffer. This is
// the one place a Message necessarily copies: callers that only need to
// inspect or forward a prefix should prefer Slice + Chunks.
func (m *Message) Bytes() []byte {
	out := make([]byte, 0, m.len)
	for _, c := range m.Chunks() {
		out = append(out, c...)
	}
	return out
}

// Slice trims the chain to the half-open byte range [start, end), without
// copying any chunk's backing bytes. Chunks entirely inside the range are
// reused by reference; a chunk straddling a boundary is replaced by a
// sub-slice of itself.
func (m *Message) Slice(start, end int) *Message {
	if start < 0 {
		start = 0
	}
	if end > m.len {
		end = m.len
	}
	if end < start {
		end = start
	}

	// Walk forward, skipping whole chunks consumed by start, then collect
	// the remaining chunks up to end, splitting the boundary chunks.
	var kept []chunk
	pos := 0
	for c := m.head; c != nil; c = c.next {
		chunkStart := pos
		chunkEnd := pos + len(c.bytes)
		pos = chunkEnd

		if chunkEnd <= start || chunkStart >= end {
			continue
		}
		lo := 0
		if start > chunkStart {
			lo = start - chunkStart
		}
		hi := len(c.bytes)
		if end < chunkEnd {
			hi = end - chunkStart
		}
		kept = append(kept, chunk{bytes: c.bytes[lo:hi]})
	}

	if len(kept) == 0 {
		return New(nil)
	}
	for i := len(kept) - 2; i >= 0; i-- {
		kept[i].next = &kept[i+1]
	}
	return &Message{head: &kept[0], len: end - start}
}

// Equal reports whether two Messages carry the same bytes, regardless of how
// they are chunked internally.
func Equal(a, b *Message) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}
