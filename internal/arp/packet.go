package arp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Operation distinguishes an ARP request from a reply (spec.md §6).
type Operation uint16

const (
	OpRequest Operation = 1
	OpReply   Operation = 2
)

const (
	hardwareTypeEthernet uint16 = 1
	protocolTypeIPv4     uint16 = 0x0800
	hlen                 uint8  = 6
	plen                 uint8  = 4

	wireLen = 28 // 8-byte fixed header + 2*(hlen+plen)
)

// Packet is the wire form of an ARP packet: hardware type=1, protocol
// type=0x0800, HLEN=6, PLEN=4, per spec.md §6.
type Packet struct {
	Operation Operation
	SenderMAC net.HardwareAddr
	SenderIP  ipv4addr.Address
	TargetMAC net.HardwareAddr
	TargetIP  ipv4addr.Address
}

// Marshal serializes p into its fixed 28-byte wire form.
func (p *Packet) Marshal() []byte {
	b := make([]byte, wireLen)
	be := binary.BigEndian
	be.PutUint16(b[0:2], hardwareTypeEthernet)
	be.PutUint16(b[2:4], protocolTypeIPv4)
	b[4] = hlen
	b[5] = plen
	be.PutUint16(b[6:8], uint16(p.Operation))
	copy(b[8:14], padMAC(p.SenderMAC))
	be.PutUint32(b[14:18], uint32(p.SenderIP))
	copy(b[18:24], padMAC(p.TargetMAC))
	be.PutUint32(b[24:28], uint32(p.TargetIP))
	return b
}

func padMAC(mac net.HardwareAddr) []byte {
	out := make([]byte, 6)
	copy(out, mac)
	return out
}

// Unmarshal parses b into an ARP Packet, validating the fixed header
// fields per spec.md §6/§7 (Header error on mismatch).
func Unmarshal(b []byte) (*Packet, error) {
	if len(b) < wireLen {
		return nil, fmt.Errorf("arp: short packet (%d bytes): %w", len(b), proto.ErrHeader)
	}
	be := binary.BigEndian
	if be.Uint16(b[0:2]) != hardwareTypeEthernet {
		return nil, fmt.Errorf("arp: unsupported hardware type: %w", proto.ErrHeader)
	}
	if be.Uint16(b[2:4]) != protocolTypeIPv4 {
		return nil, fmt.Errorf("arp: unsupported protocol type: %w", proto.ErrHeader)
	}
	if b[4] != hlen || b[5] != plen {
		return nil, fmt.Errorf("arp: unexpected hlen/plen: %w", proto.ErrHeader)
	}
	op := Operation(be.Uint16(b[6:8]))
	if op != OpRequest && op != OpReply {
		return nil, fmt.Errorf("arp: invalid operation %d: %w", op, proto.ErrHeader)
	}
	return &Packet{
		Operation: op,
		SenderMAC: net.HardwareAddr(append([]byte(nil), b[8:14]...)),
		SenderIP:  ipv4addr.Address(be.Uint32(b[14:18])),
		TargetMAC: net.HardwareAddr(append([]byte(nil), b[18:24]...)),
		TargetIP:  ipv4addr.Address(be.Uint32(b[24:28])),
	}, nil
}
