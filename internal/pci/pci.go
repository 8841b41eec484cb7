// Package pci implements the per-machine link endpoint (spec.md §3 "PCI +
// PciSession", §4.2): each slot attaches the machine to one Network,
// dispatches inbound frames to the protocol bound to their EtherType, and
// emits outbound frames carrying sender/destination MAC and EtherType.
package pci

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/proto"
)

// EtherType values used by the protocols this spec covers (spec.md §6).
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86DD
)

type binding struct {
	ethertype uint16
	protocol  proto.Protocol
}

type slot struct {
	network *netsim.Network
	mac     net.HardwareAddr

	mu       sync.RWMutex
	bindings map[uint16]proto.Protocol
}

// slotTap adapts one slot to netsim.Tap so each slot can be attached to its
// Network independently.
type slotTap struct {
	pci *PCI
	idx uint32
}

func (t slotTap) Deliver(d netsim.Delivery) { t.pci.deliver(t.idx, d) }

// PCI is the machine-local link-layer protocol: an ordered list of slots,
// each bound to one Network.
type PCI struct {
	mu    sync.RWMutex
	slots []*slot
	host  proto.Host
	ctx   context.Context
}

// New returns an empty PCI protocol instance, ready to have slots added to
// it before the owning Machine is started.
func New() *PCI {
	return &PCI{}
}

// AddSlot attaches a new slot to net, returning the slot index. Must be
// called before Start.
func (p *PCI) AddSlot(net *netsim.Network) uint32 {
	p.mu.Lock()
	idx := uint32(len(p.slots))
	s := &slot{network: net, bindings: make(map[uint16]proto.Protocol)}
	p.slots = append(p.slots, s)
	p.mu.Unlock()

	mac, _ := net.Attach(slotTap{pci: p, idx: idx})
	p.mu.Lock()
	s.mac = mac
	p.mu.Unlock()
	return idx
}

// SlotMAC returns the MAC address assigned to a slot.
func (p *PCI) SlotMAC(idx uint32) (net.HardwareAddr, error) {
	s, err := p.slot(idx)
	if err != nil {
		return nil, err
	}
	return s.mac, nil
}

func (p *PCI) slot(idx uint32) (*slot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(idx) >= len(p.slots) {
		return nil, fmt.Errorf("pci: slot %d out of range: %w", idx, proto.ErrMissingContext)
	}
	return p.slots[idx], nil
}

// Listen binds protocol to receive Demux calls for every inbound frame on
// slot carrying ethertype. Only one protocol may be bound per
// (slot, ethertype).
func (p *PCI) Listen(slotIdx uint32, ethertype uint16, protocol proto.Protocol) error {
	s, err := p.slot(slotIdx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bindings[ethertype]; exists {
		return fmt.Errorf("pci: slot %d ethertype %#04x: %w", slotIdx, ethertype, proto.ErrExisting)
	}
	s.bindings[ethertype] = protocol
	return nil
}

// Session is a per-(slot, ethertype, destination) outbound link endpoint,
// returned by Open.
type Session struct {
	pci       *PCI
	slotIdx   uint32
	ethertype uint16
	dst       net.HardwareAddr // nil means broadcast
}

// Open returns a Session bound to slotIdx that sends frames of the given
// ethertype to dst (nil for broadcast).
func (p *PCI) Open(slotIdx uint32, dst net.HardwareAddr, ethertype uint16) (*Session, error) {
	if _, err := p.slot(slotIdx); err != nil {
		return nil, err
	}
	return &Session{pci: p, slotIdx: slotIdx, ethertype: ethertype, dst: dst}, nil
}

// Send implements proto.Session: it prepends no bytes (the link header is
// logical, carried via Control/Delivery fields rather than wire bytes, per
// spec.md §4.2 step 1) and asks the Network to schedule delivery.
func (s *Session) Send(ctx context.Context, msg *message.Message, host proto.Host) error {
	sl, err := s.pci.slot(s.slotIdx)
	if err != nil {
		return err
	}
	sl.network.Send(ctx, sl.mac, s.dst, s.ethertype, msg)
	return nil
}

// Start implements proto.Protocol. PCI has no background tasks of its own;
// it only needs a long-lived context and host handle so asynchronous
// Network deliveries (which arrive on the Network's own goroutines) can
// call into Demux.
func (p *PCI) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	p.mu.Lock()
	p.host = host
	runCtx, _ := host.Shutdown().WithContext(context.Background())
	p.ctx = runCtx
	p.mu.Unlock()
	return nil
}

// Demux is unused: PCI sits at the bottom of the stack and is driven by
// Network deliveries (see deliver), not by a Demux call from below it.
func (p *PCI) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	return errors.New("pci: Demux should never be called; PCI is the bottom of the stack")
}

// deliver is invoked by a slot's slotTap when the Network hands it a frame.
// It looks up the EtherType binding and invokes that protocol's Demux with
// a DemuxInfo placed into Control, per spec.md §4.2 step 3.
func (p *PCI) deliver(slotIdx uint32, d netsim.Delivery) {
	s, err := p.slot(slotIdx)
	if err != nil {
		return
	}

	s.mu.RLock()
	bound, ok := s.bindings[d.EtherType]
	s.mu.RUnlock()

	p.mu.RLock()
	host, ctx := p.host, p.ctx
	p.mu.RUnlock()

	if !ok || host == nil {
		if host != nil {
			host.Logger().Warn("pci: dropping frame for unbound ethertype",
				"slot", slotIdx, "ethertype", fmt.Sprintf("%#04x", d.EtherType))
		}
		return
	}

	ctl := control.New()
	ctl.DemuxInfo = &control.DemuxInfo{
		Slot:           slotIdx,
		SourceMAC:      d.SenderMAC,
		DestinationMAC: d.Destination,
		MTU:            s.network.MTU(),
	}
	sess, _ := p.Open(slotIdx, d.SenderMAC, d.EtherType)
	if err := bound.Demux(ctx, d.Message, sess, ctl, host); err != nil {
		host.Logger().Debug("pci: demux dropped frame", "slot", slotIdx, "error", err)
	}
}
