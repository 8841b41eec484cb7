// Package router implements an ARP-backed IPv4 router (spec.md §4.8): an
// IpTable<next_hop?, slot> forwarding core fed by RIPv2, sitting directly on
// PCI so it can intercept every inbound IPv4 frame rather than only ones
// addressed to it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/elvis-sim/elvis/internal/arp"
	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
	"github.com/elvis-sim/elvis/internal/udp"
)

// NeighborStatus tracks a RIP neighbor's reachability, grounded on the
// teacher's BGP SessionStatus enum (internal/bgp) adapted to RIP's
// advertisement-driven liveness instead of a persistent session.
type NeighborStatus int

const (
	Pending NeighborStatus = iota
	Initializing
	Up
	Down
	Failed
)

func (s NeighborStatus) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Initializing:
		return "Initializing"
	case Up:
		return "Up"
	case Down:
		return "Down"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config configures a Router's RIPv2 behavior. The zero Config is valid;
// AdvertiseInterval/NeighborTimeout/Clock default as documented below.
type Config struct {
	// AdvertiseInterval is how often the router broadcasts its full table
	// as a RIPv2 Response. Defaults to 1s (spec.md §4.8).
	AdvertiseInterval time.Duration
	// NeighborTimeout is how long a neighbor may go without a fresh
	// advertisement before it is marked Down, at which point its learned
	// routes are removed from the table; no metric-16 advertisement is sent
	// for them. Defaults to six AdvertiseIntervals.
	NeighborTimeout time.Duration
	Clock           clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.AdvertiseInterval == 0 {
		c.AdvertiseInterval = time.Second
	}
	if c.NeighborTimeout == 0 {
		c.NeighborTimeout = 6 * c.AdvertiseInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Route is one IpTable entry: where to send a datagram matching the key
// network (spec.md §4.8 "IpTable<(next_hop?, pci_slot)>"). NextHop of
// 0.0.0.0 means "no next hop": forward straight to the datagram's own
// destination address on Slot.
type Route struct {
	NextHop ipv4addr.Address
	Slot    uint32
	Metric  uint8

	// learnedFrom is the RIP neighbor that advertised this route; the zero
	// Address marks a locally-configured route, which RIP never poisons.
	learnedFrom ipv4addr.Address
}

type neighbor struct {
	status   NeighborStatus
	lastSeen time.Time
}

// Router implements proto.Protocol, binding directly to PCI (spec.md §4.8):
// it is the sole EtherTypeIPv4 listener on every slot it owns an interface
// on, so it can forward datagrams that aren't addressed to it instead of
// dropping them the way a plain Ipv4 instance would.
type Router struct {
	pci      *pci.PCI
	arp      *arp.Arp
	ipv4     *ipv4.Ipv4 // handles traffic addressed to this router itself
	cfg      Config
	metrics  *Metrics
	shutdown *proto.Shutdown
	log      *slog.Logger

	mu        sync.Mutex
	locals    map[ipv4addr.Address]uint32 // interface address -> slot
	slotLocal map[uint32]ipv4addr.Address // slot -> interface address
	table     *ipv4addr.Table[Route]
	neighbors map[ipv4addr.Address]*neighbor
}

// New constructs a Router bound to the owning machine's Arp, PCI, and a
// fresh Ipv4 instance for its own locally-addressed traffic.
func New(a *arp.Arp, p *pci.PCI, ip *ipv4.Ipv4, cfg Config, shutdown *proto.Shutdown, log *slog.Logger) *Router {
	return &Router{
		pci:       p,
		arp:       a,
		ipv4:      ip,
		cfg:       cfg.withDefaults(),
		metrics:   newMetrics(),
		shutdown:  shutdown,
		log:       log.With("proto", "router"),
		locals:    make(map[ipv4addr.Address]uint32),
		slotLocal: make(map[uint32]ipv4addr.Address),
		table:     ipv4addr.NewTable[Route](),
		neighbors: make(map[ipv4addr.Address]*neighbor),
	}
}

// Metrics returns the protocol's prometheus collectors for external registration.
func (r *Router) Metrics() *Metrics { return r.metrics }

// AddInterface registers addr as the router's own IP on slot, and inserts a
// directly-connected route (metric 1, no next hop) for net. Must be called
// before Start.
func (r *Router) AddInterface(addr ipv4addr.Address, net ipv4addr.Net, slot uint32) error {
	if err := r.arp.RegisterLocal(addr, slot, nil); err != nil {
		return fmt.Errorf("router: interface %s: %w", addr, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locals[addr] = slot
	r.slotLocal[slot] = addr
	r.table.Insert(net.Address, net.Mask, Route{Slot: slot, Metric: 1})
	r.metrics.RouteCount.Set(float64(r.table.Len()))
	return nil
}

// AddStaticRoute installs a manually-configured route that RIP will
// advertise but never age out or overwrite with a learned route of equal
// metric.
func (r *Router) AddStaticRoute(net ipv4addr.Net, nextHop ipv4addr.Address, slot uint32, metric uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.Insert(net.Address, net.Mask, Route{NextHop: nextHop, Slot: slot, Metric: metric})
	r.metrics.RouteCount.Set(float64(r.table.Len()))
}

// Start implements proto.Protocol: it binds itself as the EtherTypeIPv4
// listener on every slot carrying a registered interface, then spawns the
// RIPv2 advertisement and neighbor-expiry loops (spec.md §4.1 "spawns
// background tasks and returns immediately").
func (r *Router) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	r.mu.Lock()
	slots := make([]uint32, 0, len(r.slotLocal))
	for slot := range r.slotLocal {
		slots = append(slots, slot)
	}
	r.mu.Unlock()

	for _, slot := range slots {
		if err := r.pci.Listen(slot, pci.EtherTypeIPv4, r); err != nil {
			return fmt.Errorf("router: listen slot %d: %w", slot, err)
		}
	}

	runCtx, _ := r.shutdown.WithContext(context.Background())
	go r.advertiseLoop(runCtx, barrier, host)
	go r.expireLoop(runCtx, barrier, host)
	return nil
}

// lookup returns the route whose network contains dst, if any.
func (r *Router) lookup(dst ipv4addr.Address) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Lookup(dst)
}

func (r *Router) localAddr(slot uint32) (ipv4addr.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.slotLocal[slot]
	return a, ok
}

func (r *Router) isLocal(addr ipv4addr.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locals[addr]
	return ok
}

// Demux implements proto.Protocol. It is bound directly to PCI rather than
// reached through a plain Ipv4's Demux, so every inbound IPv4 frame on an
// owned slot passes through here first (spec.md §4.8 "On inbound IPv4").
func (r *Router) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	h, err := ipv4.Parse(msg.Bytes())
	if err != nil {
		r.metrics.DatagramsDropped.WithLabelValues("header").Inc()
		return err
	}
	payload := msg.Slice(ipv4.HeaderLen, msg.Len())

	if h.Protocol == ipv4.ProtocolUDP && ctl.DemuxInfo != nil {
		if handled, err := r.handleRIP(ctx, h, payload, ctl.DemuxInfo.Slot); handled {
			return err
		}
	}

	if r.isLocal(h.Destination) {
		return r.ipv4.Demux(ctx, msg, caller, ctl, host)
	}

	return r.forward(ctx, h, payload, host)
}

// forward implements longest-prefix routing and ARP resolution for a
// datagram not addressed to this router (spec.md §4.8 "performs
// longest-prefix lookup ... forwards ... ARP resolves the chosen MAC").
func (r *Router) forward(ctx context.Context, h ipv4.Header, payload *message.Message, host proto.Host) error {
	if h.TTL <= 1 {
		r.metrics.DatagramsDropped.WithLabelValues("ttl_expired").Inc()
		return fmt.Errorf("router: ttl expired forwarding to %s", h.Destination)
	}

	route, ok := r.lookup(h.Destination)
	if !ok {
		r.metrics.DatagramsDropped.WithLabelValues("no_route").Inc()
		return fmt.Errorf("router: no route to %s", h.Destination)
	}

	target := h.Destination
	if route.NextHop != 0 {
		target = route.NextHop
	}

	localAddr, ok := r.localAddr(route.Slot)
	if !ok {
		r.metrics.DatagramsDropped.WithLabelValues("no_route").Inc()
		return fmt.Errorf("router: no local interface on slot %d", route.Slot)
	}

	mac, err := r.arp.Resolve(ctx, control.Endpoints{
		Local:  control.Endpoint{Address: localAddr},
		Remote: control.Endpoint{Address: target},
	}, route.Slot)
	if err != nil {
		r.metrics.DatagramsDropped.WithLabelValues("no_arp").Inc()
		return fmt.Errorf("router: resolving next hop %s: %w", target, err)
	}

	out := ipv4.Header{
		ToS:          h.ToS,
		Ident:        h.Ident,
		DontFragment: h.DontFragment,
		TTL:          h.TTL - 1,
		Protocol:     h.Protocol,
		Source:       h.Source,
		Destination:  h.Destination,
	}
	raw := ipv4.Build(out, payload.Len())

	sess, err := r.pci.Open(route.Slot, mac, pci.EtherTypeIPv4)
	if err != nil {
		return err
	}
	if err := sess.Send(ctx, payload.Push(raw), host); err != nil {
		return err
	}
	r.metrics.Forwarded.Inc()
	return nil
}

// handleRIP intercepts UDP datagrams addressed to Port, processing them as
// RIPv2 messages directly at the IP layer rather than through a Sockets/Udp
// instance, the same way internal/arp speaks directly to PCI instead of
// going through a transport layer. Returns handled=false for any other UDP
// traffic, which falls through to local-delivery/forwarding.
func (r *Router) handleRIP(ctx context.Context, h ipv4.Header, payload *message.Message, inSlot uint32) (handled bool, err error) {
	raw := payload.Bytes()
	if len(raw) < udp.HeaderLen {
		return false, nil
	}
	uh, err := udp.Parse(raw, h.Source, h.Destination, raw[udp.HeaderLen:])
	if err != nil {
		return false, nil
	}
	if uh.DestinationPort != Port {
		return false, nil
	}

	pkt, err := Unmarshal(raw[udp.HeaderLen:])
	if err != nil {
		r.metrics.DatagramsDropped.WithLabelValues("header").Inc()
		return true, err
	}
	r.metrics.AdvertisementsReceived.Inc()

	switch pkt.Command {
	case CmdRequest:
		return true, r.replyToRequest(ctx, h)
	case CmdResponse:
		r.mergeAdvertisement(h.Source, inSlot, pkt.Entries)
		return true, nil
	}
	return true, nil
}

// mergeAdvertisement applies RFC 2453 §3.9's distance-vector update rule: a
// route from neighbor is adopted if the router has no route for that
// network, if neighbor already owns the existing route (a refresh, which
// may raise or lower its metric), if the advertised metric (plus one hop)
// improves on the route currently held, or — on an exact metric tie against
// a route owned by a different neighbor — if from has the lower address
// (the tie-break this simulator picked for reproducibility).
func (r *Router) mergeAdvertisement(from ipv4addr.Address, slot uint32, entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, exists := r.neighbors[from]
	if !exists {
		n = &neighbor{status: Initializing}
		r.neighbors[from] = n
	}
	n.lastSeen = r.cfg.Clock.Now()
	if n.status != Up {
		n.status = Up
	}
	r.metrics.NeighborStatus.WithLabelValues(from.String()).Set(1)

	for _, e := range entries {
		metric := e.Metric
		if metric < infinityMetric {
			metric++
		}
		if metric > infinityMetric {
			metric = infinityMetric
		}

		existing, has := r.table.Lookup(e.Network)
		switch {
		case !has:
			if metric >= infinityMetric {
				continue
			}
			r.table.Insert(e.Network, e.Mask, Route{NextHop: from, Slot: slot, Metric: metric, learnedFrom: from})
		case existing.learnedFrom == from || metric < existing.Metric ||
			(metric == existing.Metric && existing.learnedFrom != 0 && from < existing.learnedFrom):
			if metric >= infinityMetric {
				r.table.Remove(e.Network, e.Mask)
				continue
			}
			r.table.Insert(e.Network, e.Mask, Route{NextHop: from, Slot: slot, Metric: metric, learnedFrom: from})
		}
	}
	r.metrics.RouteCount.Set(float64(r.table.Len()))
}

func (r *Router) replyToRequest(ctx context.Context, h ipv4.Header) error {
	localSlot, ok := r.slotForLocal(h.Destination)
	if !ok {
		return fmt.Errorf("router: rip request to non-local %s", h.Destination)
	}
	return r.sendAdvertisement(ctx, localSlot, CmdResponse)
}

func (r *Router) slotForLocal(addr ipv4addr.Address) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.locals[addr]
	return slot, ok
}

// advertiseLoop periodically broadcasts the router's full table as a RIPv2
// Response out every owned slot (spec.md §4.8 "RIPv2 advertises the
// router's known routes every period, default 1s").
func (r *Router) advertiseLoop(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) {
	if err := barrier.Wait(ctx, r.shutdown); err != nil {
		return
	}
	ticker := r.cfg.Clock.NewTicker(r.cfg.AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.mu.Lock()
			slots := make([]uint32, 0, len(r.slotLocal))
			for slot := range r.slotLocal {
				slots = append(slots, slot)
			}
			r.mu.Unlock()
			for _, slot := range slots {
				if err := r.sendAdvertisement(ctx, slot, CmdResponse); err != nil {
					r.log.Debug("router: advertise failed", "slot", slot, "error", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// sendAdvertisement builds and broadcasts a RIP packet listing every route
// this router knows, applying split-horizon (a route is not advertised back
// out the slot it was learned from).
func (r *Router) sendAdvertisement(ctx context.Context, slot uint32, cmd Command) error {
	r.mu.Lock()
	localAddr := r.slotLocal[slot]
	r.mu.Unlock()

	entries := r.snapshotEntries(slot)

	pkt := &Packet{Command: cmd, Entries: entries}
	body := pkt.Marshal()

	broadcast := ipv4addr.Address(0xFFFFFFFF)
	udpHdr := udp.Build(localAddr, broadcast, Port, Port, body)
	ipHdr := ipv4.Build(ipv4.Header{TTL: 1, Protocol: ipv4.ProtocolUDP, Source: localAddr, Destination: broadcast}, len(udpHdr)+len(body))

	frame := message.New(body).Push(udpHdr).Push(ipHdr)

	sess, err := r.pci.Open(slot, nil, pci.EtherTypeIPv4)
	if err != nil {
		return err
	}
	if err := sess.Send(ctx, frame, nil); err != nil {
		return err
	}
	r.metrics.AdvertisementsSent.Inc()
	return nil
}

// snapshotEntries lists every route to advertise out slot, applying
// split-horizon: a route learned from a neighbor reached via slot is
// omitted rather than advertised back the way it came.
func (r *Router) snapshotEntries(slot uint32) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, 0, r.table.Len())
	r.table.Walk(func(addr ipv4addr.Address, mask ipv4addr.Mask, route Route) {
		if route.Slot == slot && route.learnedFrom != 0 {
			return
		}
		entries = append(entries, Entry{Network: addr, Mask: mask, NextHop: 0, Metric: route.Metric})
	})
	return entries
}

// expireLoop marks a neighbor Down and removes its learned routes from the
// table once it has gone NeighborTimeout without a fresh advertisement.
func (r *Router) expireLoop(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) {
	if err := barrier.Wait(ctx, r.shutdown); err != nil {
		return
	}
	interval := r.cfg.AdvertiseInterval
	ticker := r.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.expireNeighbors()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) expireNeighbors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.cfg.Clock.Now()
	for addr, n := range r.neighbors {
		if n.status == Down || n.status == Failed {
			continue
		}
		if now.Sub(n.lastSeen) < r.cfg.NeighborTimeout {
			continue
		}
		n.status = Down
		r.metrics.NeighborStatus.WithLabelValues(addr.String()).Set(0)

		type key struct {
			network ipv4addr.Address
			mask    ipv4addr.Mask
		}
		var stale []key
		r.table.Walk(func(network ipv4addr.Address, mask ipv4addr.Mask, route Route) {
			if route.learnedFrom == addr {
				stale = append(stale, key{network, mask})
			}
		})
		for _, k := range stale {
			r.table.Remove(k.network, k.mask)
		}
	}
	r.metrics.RouteCount.Set(float64(r.table.Len()))
}
