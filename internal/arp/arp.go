package arp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
)

// SubnetInfo attaches subnet/gateway routing to a local address registered
// with RegisterLocal (spec.md §4.4 "subnet substitution"): a Resolve call
// whose target falls outside the local's subnet is redirected to
// DefaultGateway instead.
type SubnetInfo struct {
	Mask           ipv4addr.Mask
	DefaultGateway ipv4addr.Address
}

type local struct {
	slot   uint32
	subnet *SubnetInfo
}

// Config configures an Arp protocol instance. The zero Config is valid;
// ResendDelay/ResendTries/Clock default as documented below.
type Config struct {
	// ResendDelay is how long Resolve waits for a response before
	// re-broadcasting. Defaults to 200ms (spec.md §4.4).
	ResendDelay time.Duration
	// ResendTries is the maximum number of request attempts before Resolve
	// gives up and marks the target Failed. Defaults to 10 (spec.md §4.4).
	ResendTries int

	Clock clockwork.Clock // nil defaults to clockwork.NewRealClock()
}

func (c Config) withDefaults() Config {
	if c.ResendDelay == 0 {
		c.ResendDelay = 200 * time.Millisecond
	}
	if c.ResendTries == 0 {
		c.ResendTries = 10
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Arp implements spec.md §3's "Arp" protocol: per-slot local registration,
// retrying/coalesced resolution of remote IPv4 addresses to MACs, and
// inbound request/reply handling. It is constructed with a direct reference
// to the owning machine's PCI, rather than looked up through Host — ARP and
// PCI are wired together at build time, before the machine's ProtocolMap is
// frozen.
type Arp struct {
	cfg   Config
	pci   *pci.PCI
	table *Table
	metrics *Metrics

	mu       sync.Mutex
	locals   map[ipv4addr.Address]local
	inflight map[string]*inflightResolve // key: "slot|target"
}

type inflightResolve struct {
	done chan struct{}
	mac  net.HardwareAddr
	err  error
}

// New constructs an Arp protocol bound to p, the owning machine's PCI.
func New(p *pci.PCI, cfg Config) *Arp {
	return &Arp{
		cfg:      cfg.withDefaults(),
		pci:      p,
		table:    NewTable(),
		metrics:  newMetrics(),
		locals:   make(map[ipv4addr.Address]local),
		inflight: make(map[string]*inflightResolve),
	}
}

// Metrics returns the protocol's prometheus collectors for external registration.
func (a *Arp) Metrics() *Metrics { return a.metrics }

// Table returns the underlying ArpTable, mainly for tests and diagnostics.
func (a *Arp) Table() *Table { return a.table }

// RegisterLocal binds ip to a PCI slot, with optional subnet routing info.
// Must be called before Start.
func (a *Arp) RegisterLocal(ip ipv4addr.Address, slot uint32, subnet *SubnetInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.locals[ip]; exists {
		return fmt.Errorf("arp: local %s already registered: %w", ip, proto.ErrExisting)
	}
	a.locals[ip] = local{slot: slot, subnet: subnet}
	return nil
}

// Start implements proto.Protocol: it binds Demux to EtherTypeARP on every
// registered local's slot.
func (a *Arp) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	a.mu.Lock()
	locals := make(map[ipv4addr.Address]local, len(a.locals))
	for ip, l := range a.locals {
		locals[ip] = l
	}
	a.mu.Unlock()

	bound := make(map[uint32]bool)
	for _, l := range locals {
		if bound[l.slot] {
			continue
		}
		if err := a.pci.Listen(l.slot, pci.EtherTypeARP, a); err != nil {
			return fmt.Errorf("arp: listen slot %d: %w", l.slot, err)
		}
		bound[l.slot] = true
	}
	return nil
}

// resolveTarget applies subnet/gateway substitution (spec.md §4.4 step 2):
// if remote falls outside the local's subnet, the actual ARP target becomes
// the subnet's default gateway instead of remote itself.
func (a *Arp) resolveTarget(localIP, remote ipv4addr.Address) ipv4addr.Address {
	a.mu.Lock()
	l, ok := a.locals[localIP]
	a.mu.Unlock()
	if !ok || l.subnet == nil {
		return remote
	}
	if ipv4addr.NetworkID(localIP, l.subnet.Mask) == ipv4addr.NetworkID(remote, l.subnet.Mask) {
		return remote
	}
	return l.subnet.DefaultGateway
}

// Resolve implements spec.md §4.4: resolve endpoints.Remote.Address to a MAC
// reachable from slot, retrying up to Config.ResendTries times at
// Config.ResendDelay intervals, with concurrent resolves for the same
// (slot, target) sharing one coalesced request series.
func (a *Arp) Resolve(ctx context.Context, endpoints control.Endpoints, slot uint32) (net.HardwareAddr, error) {
	a.mu.Lock()
	l, ok := a.locals[endpoints.Local.Address]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("arp: local %s not registered: %w", endpoints.Local.Address, proto.ErrMissingContext)
	}
	if l.slot != slot {
		return nil, fmt.Errorf("arp: local %s not registered on slot %d: %w", endpoints.Local.Address, slot, proto.ErrMissingContext)
	}

	target := a.resolveTarget(endpoints.Local.Address, endpoints.Remote.Address)

	if e, ok := a.table.Get(target); ok {
		switch e.Status {
		case StatusResolved:
			return e.MAC, nil
		case StatusFailed:
			return nil, fmt.Errorf("arp: %s previously failed to resolve: %w", target, proto.ErrNoResponse)
		}
	}

	key := fmt.Sprintf("%d|%s", slot, target)
	a.mu.Lock()
	if inf, exists := a.inflight[key]; exists {
		a.mu.Unlock()
		select {
		case <-inf.done:
			return inf.mac, inf.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	inf := &inflightResolve{done: make(chan struct{})}
	a.inflight[key] = inf
	a.metrics.InFlight.Inc()
	a.mu.Unlock()

	mac, err := a.resolveLoop(ctx, slot, target)

	a.mu.Lock()
	inf.mac, inf.err = mac, err
	close(inf.done)
	delete(a.inflight, key)
	a.metrics.InFlight.Dec()
	a.mu.Unlock()

	return mac, err
}

func (a *Arp) resolveLoop(ctx context.Context, slot uint32, target ipv4addr.Address) (net.HardwareAddr, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(a.cfg.ResendTries-1)),
		ctx,
	)

	var lastErr error
	op := func() error {
		if err := a.broadcastRequest(ctx, slot, target); err != nil {
			return backoff.Permanent(err)
		}

		watch := a.table.Watch()
		timer := a.cfg.Clock.NewTimer(a.cfg.ResendDelay)
		defer timer.Stop()

		select {
		case <-watch:
			if e, ok := a.table.Get(target); ok && e.Status == StatusResolved {
				return nil
			}
			lastErr = proto.ErrNoResponse
			return lastErr
		case <-timer.Chan():
			lastErr = proto.ErrNoResponse
			return lastErr
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}

	if err := backoff.Retry(op, policy); err != nil {
		a.table.Fail(target)
		a.metrics.Resolutions.WithLabelValues("failed").Inc()
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	e, _ := a.table.Get(target)
	a.metrics.Resolutions.WithLabelValues("resolved").Inc()
	return e.MAC, nil
}

func (a *Arp) broadcastRequest(ctx context.Context, slot uint32, target ipv4addr.Address) error {
	sess, err := a.pci.Open(slot, nil, pci.EtherTypeARP)
	if err != nil {
		return err
	}
	mac, err := a.pci.SlotMAC(slot)
	if err != nil {
		return err
	}
	var senderIP ipv4addr.Address
	a.mu.Lock()
	for ip, l := range a.locals {
		if l.slot == slot {
			senderIP = ip
			break
		}
	}
	a.mu.Unlock()

	pkt := &Packet{
		Operation: OpRequest,
		SenderMAC: mac,
		SenderIP:  senderIP,
		TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:  target,
	}
	a.metrics.RequestsSent.Inc()
	return sess.Send(ctx, message.New(pkt.Marshal()), nil)
}

// Demux implements proto.Protocol: it handles an inbound ARP request or
// reply, updating the ArpTable from the sender's announced mapping and
// replying unicast to requests that target one of our locals.
func (a *Arp) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	pkt, err := Unmarshal(msg.Bytes())
	if err != nil {
		return err
	}

	a.table.Set(pkt.SenderIP, pkt.SenderMAC)

	if pkt.Operation != OpRequest {
		return nil
	}
	if ctl.DemuxInfo == nil {
		return fmt.Errorf("arp: demux without DemuxInfo: %w", proto.ErrMissingContext)
	}

	a.mu.Lock()
	_, isLocal := a.locals[pkt.TargetIP]
	a.mu.Unlock()
	if !isLocal {
		return nil
	}

	slot := ctl.DemuxInfo.Slot
	mac, err := a.pci.SlotMAC(slot)
	if err != nil {
		return err
	}
	reply := &Packet{
		Operation: OpReply,
		SenderMAC: mac,
		SenderIP:  pkt.TargetIP,
		TargetMAC: pkt.SenderMAC,
		TargetIP:  pkt.SenderIP,
	}
	a.metrics.RepliesSent.Inc()
	return caller.Send(ctx, message.New(reply.Marshal()), host)
}
