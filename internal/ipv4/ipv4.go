package ipv4

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/elvis-sim/elvis/internal/arp"
	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
)

type sessionKey struct {
	protocol  uint8
	endpoints control.Endpoints
}

type listenKey struct {
	protocol uint8
	local    ipv4addr.Address
}

// Session is an Ipv4 (local,remote) conversation. It holds no pointer back
// to the Ipv4 protocol that created it — only to the pci.Session beneath
// it, matching spec.md §9's no-owning-back-pointer rule.
type Session struct {
	link      *pci.Session
	protocol  uint8
	endpoints control.Endpoints
}

// Send implements proto.Session: it prepends the IPv4 header built with
// TTL=30, ToS=0, DontFragment=true, MoreFragments=false, identification=0
// (spec.md §4.3 "Outbound send").
func (s *Session) Send(ctx context.Context, msg *message.Message, host proto.Host) error {
	h := Header{
		TTL:          30,
		ToS:          0,
		DontFragment: true,
		Protocol:     s.protocol,
		Source:       s.endpoints.Local.Address,
		Destination:  s.endpoints.Remote.Address,
	}
	hdr := Build(h, msg.Len())
	return s.link.Send(ctx, msg.Push(hdr), host)
}

// Ipv4 implements spec.md §4.3: session table keyed by (protocol, local,
// remote), a routing IpTable<Recipient>, and ARP-backed MAC resolution.
type Ipv4 struct {
	arp     *arp.Arp
	pci     *pci.PCI
	metrics *Metrics

	mu       sync.Mutex
	routes   *ipv4addr.Table[Recipient]
	sessions map[sessionKey]*Session
	upstream map[sessionKey]proto.Protocol
	listens  map[listenKey]proto.Protocol
}

// New constructs an Ipv4 protocol bound to the owning machine's Arp and PCI.
// Like Arp's binding to PCI, this is a build-time wiring decision, not a
// Host lookup, since Ipv4 needs its peers before the ProtocolMap freezes.
func New(a *arp.Arp, p *pci.PCI) *Ipv4 {
	return &Ipv4{
		arp:      a,
		pci:      p,
		metrics:  newMetrics(),
		routes:   ipv4addr.NewTable[Recipient](),
		sessions: make(map[sessionKey]*Session),
		upstream: make(map[sessionKey]proto.Protocol),
		listens:  make(map[listenKey]proto.Protocol),
	}
}

// Metrics returns the protocol's prometheus collectors for external registration.
func (ip *Ipv4) Metrics() *Metrics { return ip.metrics }

// AddRoute registers a routing table entry: destinations within net reach
// slot, with mac already known (or nil to defer to ARP).
func (ip *Ipv4) AddRoute(ipnet ipv4addr.Net, slot uint32, mac net.HardwareAddr) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.routes.Insert(ipnet.Address, ipnet.Mask, Recipient{Slot: slot, MAC: mac})
}

// AddRouteCIDR is AddRoute parsing its network from CIDR notation.
func (ip *Ipv4) AddRouteCIDR(cidr string, slot uint32, mac net.HardwareAddr) error {
	n, err := ipv4addr.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	ip.AddRoute(n, slot, mac)
	return nil
}

// Listen registers upstream to receive sessions created from inbound
// datagrams whose protocol number and destination address match. Must be
// called before Start.
func (ip *Ipv4) Listen(protocolNumber uint8, local ipv4addr.Address, upstream proto.Protocol) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	key := listenKey{protocol: protocolNumber, local: local}
	if _, exists := ip.listens[key]; exists {
		return fmt.Errorf("ipv4: listen binding %v already exists: %w", key, proto.ErrExisting)
	}
	ip.listens[key] = upstream
	return nil
}

// Start implements proto.Protocol. Ipv4 has no background tasks of its
// own — sessions are created lazily from Open/Demux.
func (ip *Ipv4) Start(ctx context.Context, barrier *proto.StartBarrier, host proto.Host) error {
	return nil
}

// Open returns the Ipv4Session for endpoints carrying protocolNumber,
// creating it (and resolving a PCI link, via ARP if necessary) on first use
// (spec.md §4.3 "open").
func (ip *Ipv4) Open(ctx context.Context, protocolNumber uint8, endpoints control.Endpoints, upstream proto.Protocol) (*Session, error) {
	key := sessionKey{protocol: protocolNumber, endpoints: endpoints}

	ip.mu.Lock()
	if s, ok := ip.sessions[key]; ok {
		ip.mu.Unlock()
		return s, nil
	}
	recipient, ok := ip.routes.Lookup(endpoints.Remote.Address)
	ip.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("ipv4: no route to %s", endpoints.Remote.Address)
	}

	mac := recipient.MAC
	if mac == nil {
		resolved, err := ip.arp.Resolve(ctx, endpoints, recipient.Slot)
		if err != nil {
			return nil, fmt.Errorf("ipv4: resolving %s: %w", endpoints.Remote.Address, err)
		}
		mac = resolved
	}

	link, err := ip.pci.Open(recipient.Slot, mac, pci.EtherTypeIPv4)
	if err != nil {
		return nil, err
	}

	s := &Session{link: link, protocol: protocolNumber, endpoints: endpoints}

	ip.mu.Lock()
	defer ip.mu.Unlock()
	if existing, ok := ip.sessions[key]; ok {
		// Lost a race with a concurrent Open/Demux for the same key.
		return existing, nil
	}
	ip.sessions[key] = s
	ip.upstream[key] = upstream
	ip.metrics.SessionsOpened.Inc()
	return s, nil
}

// Demux implements proto.Protocol (spec.md §4.3 "On inbound demux").
func (ip *Ipv4) Demux(ctx context.Context, msg *message.Message, caller proto.Session, ctl *control.Control, host proto.Host) error {
	h, err := Parse(msg.Bytes())
	if err != nil {
		ip.metrics.DatagramsDropped.WithLabelValues("header").Inc()
		return err
	}

	payload := msg.Slice(HeaderLen, msg.Len())
	endpoints := control.Endpoints{
		Local:  control.Endpoint{Address: h.Destination},
		Remote: control.Endpoint{Address: h.Source},
	}
	key := sessionKey{protocol: h.Protocol, endpoints: endpoints}

	ip.mu.Lock()
	s, ok := ip.sessions[key]
	upstream, hasUpstream := ip.upstream[key]
	if !ok {
		if bound, boundOK := ip.listens[listenKey{protocol: h.Protocol, local: h.Destination}]; boundOK {
			link, _ := caller.(*pci.Session)
			s = &Session{link: link, protocol: h.Protocol, endpoints: endpoints}
			ip.sessions[key] = s
			ip.upstream[key] = bound
			upstream, hasUpstream = bound, true
			ip.metrics.SessionsOpened.Inc()
		}
	}
	ip.mu.Unlock()

	if s == nil || !hasUpstream {
		ip.metrics.DatagramsDropped.WithLabelValues("no_session").Inc()
		return fmt.Errorf("ipv4: %s -> %s proto %d: %w", h.Source, h.Destination, h.Protocol, proto.ErrMissingSession)
	}

	ctl.Ipv4 = &control.Ipv4Header{TTL: h.TTL, ToS: h.ToS, Protocol: h.Protocol, Ident: h.Ident}
	ctl.Endpoints = &endpoints
	return upstream.Demux(ctx, payload, s, ctl, host)
}
