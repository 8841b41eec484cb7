// Package udp implements the stateless UDP transport (spec.md §4.6): sessions
// keyed by Endpoints, RFC 768 header and pseudo-header checksum.
package udp

import (
	"encoding/binary"
	"fmt"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

const HeaderLen = 8

// Header is a parsed UDP header (RFC 768).
type Header struct {
	SourcePort      uint16
	DestinationPort uint16
	Length          uint16
	Checksum        uint16
}

// Build serializes a UDP header for a datagram from src to dst carrying
// payload, computing the mandatory RFC 768 pseudo-header checksum.
func Build(src, dst ipv4addr.Address, srcPort, dstPort uint16, payload []byte) []byte {
	length := uint16(HeaderLen + len(payload))
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], length)
	// b[6:8] checksum filled below

	sum := pseudoHeaderSum(src, dst, length) + headerPayloadSum(b, payload)
	binary.BigEndian.PutUint16(b[6:8], foldChecksum(sum))
	return b
}

// Parse validates and decodes a UDP header plus verifies its checksum
// against src/dst and payload (spec.md §4.6 "verify length and checksum").
func Parse(b []byte, src, dst ipv4addr.Address, payload []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("udp: short header (%d bytes): %w", len(b), proto.ErrHeader)
	}
	h := Header{
		SourcePort:      binary.BigEndian.Uint16(b[0:2]),
		DestinationPort: binary.BigEndian.Uint16(b[2:4]),
		Length:          binary.BigEndian.Uint16(b[4:6]),
		Checksum:        binary.BigEndian.Uint16(b[6:8]),
	}
	if int(h.Length) != HeaderLen+len(payload) {
		return Header{}, fmt.Errorf("udp: length mismatch (header says %d, got %d): %w", h.Length, HeaderLen+len(payload), proto.ErrHeader)
	}
	sum := pseudoHeaderSum(src, dst, h.Length) + headerPayloadSum(b[:HeaderLen], payload)
	if foldChecksum(sum) != 0 && h.Checksum != 0 {
		return Header{}, fmt.Errorf("udp: checksum mismatch: %w", proto.ErrHeader)
	}
	return h, nil
}

func pseudoHeaderSum(src, dst ipv4addr.Address, udpLen uint16) uint32 {
	var sum uint32
	srcOct, dstOct := src.Octets(), dst.Octets()
	sum += uint32(srcOct[0])<<8 | uint32(srcOct[1])
	sum += uint32(srcOct[2])<<8 | uint32(srcOct[3])
	sum += uint32(dstOct[0])<<8 | uint32(dstOct[1])
	sum += uint32(dstOct[2])<<8 | uint32(dstOct[3])
	const protoUDP = 17
	sum += uint32(protoUDP)
	sum += uint32(udpLen)
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
