// Package ipv4 implements the IPv4 datagram layer (spec.md §4.3): header
// build/parse per RFC 791, a (local,remote)-keyed session table, and
// protocol-number-based upstream demux.
package ipv4

import (
	"encoding/binary"
	"fmt"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Upstream protocol numbers (IANA assigned, the only two this stack speaks).
const (
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

const (
	version    uint8 = 4
	ihl        uint8 = 5 // no options; 20-byte header
	HeaderLen        = 20

	flagDontFragment uint8 = 0x2
	flagMoreFragments uint8 = 0x1
)

// Header is a parsed IPv4 header (RFC 791, §6 "20 octets, IHL=5, checksum
// over header only").
type Header struct {
	ToS            uint8
	TotalLength    uint16
	Ident          uint16
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16
	TTL            uint8
	Protocol       uint8
	Source         ipv4addr.Address
	Destination    ipv4addr.Address
}

// Build serializes h into a 20-byte header with a correct checksum.
// payloadLen is added to HeaderLen for TotalLength.
func Build(h Header, payloadLen int) []byte {
	b := make([]byte, HeaderLen)
	b[0] = version<<4 | ihl
	b[1] = h.ToS
	binary.BigEndian.PutUint16(b[2:4], uint16(HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], h.Ident)

	var flags uint8
	if h.DontFragment {
		flags |= flagDontFragment
	}
	if h.MoreFragments {
		flags |= flagMoreFragments
	}
	flagsAndOffset := uint16(flags)<<13 | (h.FragmentOffset & 0x1FFF)
	binary.BigEndian.PutUint16(b[6:8], flagsAndOffset)

	b[8] = h.TTL
	b[9] = h.Protocol
	// b[10:12] checksum filled below
	binary.BigEndian.PutUint32(b[12:16], uint32(h.Source))
	binary.BigEndian.PutUint32(b[16:20], uint32(h.Destination))

	binary.BigEndian.PutUint16(b[10:12], checksum(b))
	return b
}

// Parse validates and decodes a 20-byte IPv4 header, rejecting anything that
// isn't version 4, IHL 5 (no options), or whose checksum doesn't match
// (spec.md §4.3 "verify version=4, IHL=5, checksum; fail with Header
// otherwise").
func Parse(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("ipv4: short header (%d bytes): %w", len(b), proto.ErrHeader)
	}
	b = b[:HeaderLen]

	v := b[0] >> 4
	gotIHL := b[0] & 0x0F
	if v != version {
		return Header{}, fmt.Errorf("ipv4: unsupported version %d: %w", v, proto.ErrHeader)
	}
	if gotIHL != ihl {
		return Header{}, fmt.Errorf("ipv4: unsupported IHL %d (options unsupported): %w", gotIHL, proto.ErrHeader)
	}
	if checksum(b) != 0 {
		return Header{}, fmt.Errorf("ipv4: checksum mismatch: %w", proto.ErrHeader)
	}

	flagsAndOffset := binary.BigEndian.Uint16(b[6:8])
	flags := uint8(flagsAndOffset >> 13)

	h := Header{
		ToS:            b[1],
		TotalLength:    binary.BigEndian.Uint16(b[2:4]),
		Ident:          binary.BigEndian.Uint16(b[4:6]),
		DontFragment:   flags&flagDontFragment != 0,
		MoreFragments:  flags&flagMoreFragments != 0,
		FragmentOffset: flagsAndOffset & 0x1FFF,
		TTL:            b[8],
		Protocol:       b[9],
		Source:         ipv4addr.Address(binary.BigEndian.Uint32(b[12:16])),
		Destination:    ipv4addr.Address(binary.BigEndian.Uint32(b[16:20])),
	}
	return h, nil
}

// checksum computes the RFC 791 one's-complement checksum over a 20-byte
// header. During Build the checksum field is still zero, so the result is
// the value to store there; during Parse the field holds the sender's
// checksum, so a valid header sums to exactly 0xFFFF (^sum == 0).
func checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i < HeaderLen; i += 2 {
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
