package router

import (
	"encoding/binary"
	"fmt"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Port is the well-known UDP port RIPv2 speaks on (spec.md §6 "RIPv2
// payload").
const Port uint16 = 520

// Command distinguishes a RIP Request from a Response (RFC 2453 §4).
type Command uint8

const (
	CmdRequest  Command = 1
	CmdResponse Command = 2
)

// infinityMetric is RFC 2453's "unreachable" metric: a route advertised at
// this value is poison, to be withdrawn by anyone carrying it.
const infinityMetric = 16

const (
	packetHeaderLen = 4
	entryLen        = 16 // network(4) + mask(4) + next_hop(4) + metric(1) + pad(3)
)

// Entry is one route advertised in a RIP packet: (network, mask, next_hop,
// metric), per spec.md §4.8's RIPv2 entry format. NextHop of 0.0.0.0 means
// "route via whoever sent this advertisement" (RFC 2453 §4.1).
type Entry struct {
	Network ipv4addr.Address
	Mask    ipv4addr.Mask
	NextHop ipv4addr.Address
	Metric  uint8
}

// Packet is a RIPv2 message: a command plus a list of route entries. A
// Request with no entries asks for the full table; a Response carries it.
type Packet struct {
	Command Command
	Entries []Entry
}

// Marshal serializes p into its wire form.
func (p *Packet) Marshal() []byte {
	b := make([]byte, packetHeaderLen+entryLen*len(p.Entries))
	b[0] = byte(p.Command)
	b[1] = 2 // version
	be := binary.BigEndian
	for i, e := range p.Entries {
		off := packetHeaderLen + i*entryLen
		be.PutUint32(b[off:off+4], uint32(e.Network))
		be.PutUint32(b[off+4:off+8], uint32(e.Mask))
		be.PutUint32(b[off+8:off+12], uint32(e.NextHop))
		b[off+12] = e.Metric
	}
	return b
}

// Unmarshal parses b into a Packet.
func Unmarshal(b []byte) (*Packet, error) {
	if len(b) < packetHeaderLen {
		return nil, fmt.Errorf("router: short rip packet (%d bytes): %w", len(b), proto.ErrHeader)
	}
	cmd := Command(b[0])
	if cmd != CmdRequest && cmd != CmdResponse {
		return nil, fmt.Errorf("router: invalid rip command %d: %w", b[0], proto.ErrHeader)
	}
	rest := b[packetHeaderLen:]
	if len(rest)%entryLen != 0 {
		return nil, fmt.Errorf("router: rip entry section not a multiple of %d bytes: %w", entryLen, proto.ErrHeader)
	}
	be := binary.BigEndian
	n := len(rest) / entryLen
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		off := i * entryLen
		entries[i] = Entry{
			Network: ipv4addr.Address(be.Uint32(rest[off : off+4])),
			Mask:    ipv4addr.Mask(be.Uint32(rest[off+4 : off+8])),
			NextHop: ipv4addr.Address(be.Uint32(rest[off+8 : off+12])),
			Metric:  rest[off+12],
		}
	}
	return &Packet{Command: cmd, Entries: entries}, nil
}
