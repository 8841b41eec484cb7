// Package tcp implements the TCP connection (TCB) state machine: RFC 793
// transitions, send/receive sequence discipline, retransmission with
// Jacobson/Karels RTT estimation, fast retransmit, and TimeWait (spec.md
// §4.5).
package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Flags are the TCP control bits this spec uses (spec.md §6: "control bits
// URG/ACK/PSH/RST/SYN/FIN").
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagPSH Flags = 1 << 3
	FlagACK Flags = 1 << 4
	FlagURG Flags = 1 << 5
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// HeaderLen is the fixed 20-byte header length; this spec carries no options.
const HeaderLen = 20

const protocolTCP uint8 = 6
const dataOffsetWords = 5

// Header is a parsed TCP header (RFC 793).
type Header struct {
	SourcePort      uint16
	DestinationPort uint16
	SeqNum          uint32
	AckNum          uint32
	Flags           Flags
	Window          uint16
	Checksum        uint16
}

// Build serializes a TCP segment header for src->dst with the given
// payload, computing the mandatory pseudo-header checksum.
func Build(src, dst ipv4addr.Address, h Header, payload []byte) []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(b[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(b[2:4], h.DestinationPort)
	binary.BigEndian.PutUint32(b[4:8], h.SeqNum)
	binary.BigEndian.PutUint32(b[8:12], h.AckNum)
	b[12] = dataOffsetWords << 4
	b[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	// b[16:18] checksum filled below; b[18:20] urgent pointer, unused, 0.

	segLen := uint16(HeaderLen + len(payload))
	sum := pseudoHeaderSum(src, dst, segLen) + headerPayloadSum(b, payload)
	binary.BigEndian.PutUint16(b[16:18], foldChecksum(sum))
	return b
}

// Parse validates and decodes a TCP header, verifying its checksum against
// src/dst and payload.
func Parse(b []byte, src, dst ipv4addr.Address, payload []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("tcp: short header (%d bytes): %w", len(b), proto.ErrHeader)
	}
	dataOffset := b[12] >> 4
	if dataOffset != dataOffsetWords {
		return Header{}, fmt.Errorf("tcp: unsupported data offset %d (options unsupported): %w", dataOffset, proto.ErrHeader)
	}

	h := Header{
		SourcePort:      binary.BigEndian.Uint16(b[0:2]),
		DestinationPort: binary.BigEndian.Uint16(b[2:4]),
		SeqNum:          binary.BigEndian.Uint32(b[4:8]),
		AckNum:          binary.BigEndian.Uint32(b[8:12]),
		Flags:           Flags(b[13]),
		Window:          binary.BigEndian.Uint16(b[14:16]),
		Checksum:        binary.BigEndian.Uint16(b[16:18]),
	}

	segLen := uint16(HeaderLen + len(payload))
	sum := pseudoHeaderSum(src, dst, segLen) + headerPayloadSum(b[:HeaderLen], payload)
	if foldChecksum(sum) != 0 {
		return Header{}, fmt.Errorf("tcp: checksum mismatch: %w", proto.ErrHeader)
	}
	return h, nil
}

func pseudoHeaderSum(src, dst ipv4addr.Address, segLen uint16) uint32 {
	var sum uint32
	srcOct, dstOct := src.Octets(), dst.Octets()
	sum += uint32(srcOct[0])<<8 | uint32(srcOct[1])
	sum += uint32(srcOct[2])<<8 | uint32(srcOct[3])
	sum += uint32(dstOct[0])<<8 | uint32(dstOct[1])
	sum += uint32(dstOct[2])<<8 | uint32(dstOct[3])
	sum += uint32(protocolTCP)
	sum += uint32(segLen)
	return sum
}

func headerPayloadSum(header, payload []byte) uint32 {
	var sum uint32
	all := append(append([]byte{}, header...), payload...)
	for i := 0; i+1 < len(all); i += 2 {
		sum += uint32(all[i])<<8 | uint32(all[i+1])
	}
	if len(all)%2 == 1 {
		sum += uint32(all[len(all)-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
