package main

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/elvis-sim/elvis/internal/arp"
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/machine"
	"github.com/elvis-sim/elvis/internal/metrics"
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
	"github.com/elvis-sim/elvis/internal/socket"
	"github.com/elvis-sim/elvis/internal/tcp"
	"github.com/elvis-sim/elvis/internal/udp"
)

// demoNet wraps a netsim.Network with the subnet it represents, so demo
// code can allocate addresses from it without repeating the CIDR.
type demoNet struct {
	Network *netsim.Network
	Subnet  ipv4addr.Net
}

func newDemoNet(name, cidr string, cfg netsim.Config) (*demoNet, error) {
	subnet, err := ipv4addr.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return &demoNet{Network: netsim.New(name, cfg), Subnet: subnet}, nil
}

// host bundles one machine's protocol stack for the demo scenarios below —
// the wiring every real simulation build performs by hand (spec.md §3 "a
// Machine holds its protocols in a ProtocolMap"), collected here so each
// demo reads as the scenario it exercises rather than boilerplate setup.
type host struct {
	Machine *machine.Machine
	PCI     *pci.PCI
	Arp     *arp.Arp
	Ipv4    *ipv4.Ipv4
	Udp     *udp.Udp
	Tcp     *tcp.Tcp
	Sockets *socket.Sockets

	Addr ipv4addr.Address
	Slot uint32
}

// newHost constructs a machine with the standard PCI/ARP/IPv4/UDP/TCP/Sockets
// stack, attaches it to net, and assigns it addr. It registers every
// protocol on the machine so Machine.Start fans out to all of them, and
// publishes each protocol's collectors on reg if reg is non-nil.
func newHost(name string, addr ipv4addr.Address, net *demoNet, shutdown *proto.Shutdown, log *slog.Logger, clock clockwork.Clock, reg *metrics.Registry) (*host, error) {
	m := machine.New(name, log, shutdown)

	p := pci.New()
	slot := p.AddSlot(net.Network)

	a := arp.New(p, arp.Config{Clock: clock})
	if err := a.RegisterLocal(addr, slot, nil); err != nil {
		return nil, err
	}

	ip := ipv4.New(a, p)
	u := udp.New(ip)
	t := tcp.New(ip, tcp.Config{Clock: clock}, shutdown, log)
	s := socket.New(u, t, shutdown)

	if err := p.Listen(slot, pci.EtherTypeIPv4, ip); err != nil {
		return nil, err
	}
	if err := ip.Listen(ipv4.ProtocolUDP, addr, u); err != nil {
		return nil, err
	}
	if err := ip.Listen(ipv4.ProtocolTCP, addr, t); err != nil {
		return nil, err
	}

	if err := m.AddProtocol(p); err != nil {
		return nil, err
	}
	if err := m.AddProtocol(a); err != nil {
		return nil, err
	}
	if err := m.AddProtocol(ip); err != nil {
		return nil, err
	}
	if err := m.AddProtocol(u); err != nil {
		return nil, err
	}
	if err := m.AddProtocol(t); err != nil {
		return nil, err
	}

	if reg != nil {
		a.Metrics().Register(reg.Registry)
		ip.Metrics().Register(reg.Registry)
		u.Metrics().Register(reg.Registry)
		t.Metrics().Register(reg.Registry)
		s.Metrics().Register(reg.Registry)
	}

	return &host{
		Machine: m,
		PCI:     p,
		Arp:     a,
		Ipv4:    ip,
		Udp:     u,
		Tcp:     t,
		Sockets: s,
		Addr:    addr,
		Slot:    slot,
	}, nil
}

// connect registers a direct host route between two hosts sharing the same
// netsim.Network: each learns the other's address reaches it on its own
// slot, with the MAC left nil so the first datagram triggers ARP (spec.md
// §4.4), exactly as a router-less point-to-point link behaves.
func connect(a, b *host) {
	hostMask, _ := ipv4addr.MaskFromBitcount(32)
	a.Ipv4.AddRoute(ipv4addr.Net{Address: b.Addr, Mask: hostMask}, a.Slot, nil)
	b.Ipv4.AddRoute(ipv4addr.Net{Address: a.Addr, Mask: hostMask}, b.Slot, nil)
}
