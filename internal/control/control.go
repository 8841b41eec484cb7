// Package control implements the per-invocation side-channel that carries
// demux metadata between stacked protocols.
//
// The original ELVIS source represents this as a type-keyed map over a small
// tagged-union Primitive (see original_source/sim/elvis-core/src/control/primitive.rs).
// Go has no ergonomic downcasting story for that, and the set of variants a
// demux call can carry is closed (§3 of the spec), so Control is a plain
// struct with one optional field per known variant instead of a generic map.
package control

import (
	"net"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
)

// Endpoint identifies one side of a transport-layer conversation.
type Endpoint struct {
	Address ipv4addr.Address
	Port    uint16
}

// Endpoints identifies both sides of a transport-layer session.
type Endpoints struct {
	Local  Endpoint
	Remote Endpoint
}

// DemuxInfo carries link-layer context placed by a PCI session ahead of
// calling demux on a bound protocol.
type DemuxInfo struct {
	Slot            uint32
	SourceMAC       net.HardwareAddr
	DestinationMAC  net.HardwareAddr
	MTU             uint16
}

// Ipv4Header mirrors the fields of a parsed IPv4 header (see internal/ipv4).
// Declared here (rather than importing internal/ipv4) to avoid an import
// cycle, since internal/ipv4 needs to populate it.
type Ipv4Header struct {
	TTL      uint8
	ToS      uint8
	Protocol uint8
	Ident    uint16
}

// UdpHeader mirrors the fields of a parsed UDP header.
type UdpHeader struct {
	SourcePort      uint16
	DestinationPort uint16
	Length          uint16
}

// TcpHeader mirrors the fields of a parsed TCP header.
type TcpHeader struct {
	SourcePort      uint16
	DestinationPort uint16
	SeqNum          uint32
	AckNum          uint32
	Flags           uint8
	Window          uint16
}

// Control is the typed bag threaded through a single demux call as a
// message travels up the stack. Each layer reads the fields set below it
// and may set its own before calling up.
type Control struct {
	Ipv4       *Ipv4Header
	Udp        *UdpHeader
	Tcp        *TcpHeader
	Endpoints  *Endpoints
	DemuxInfo  *DemuxInfo
}

// New returns an empty Control bag.
func New() *Control {
	return &Control{}
}
