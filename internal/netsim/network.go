// Package netsim implements the shared-medium Network and its per-frame
// Delivery scheduling (spec.md §3 "Network", §4.2).
//
// Every Network threads a jonboulle/clockwork.Clock through its scheduling
// path (grounded on controlplane/telemetry/internal/state/collector.go's
// Clock clockwork.Clock field): production code gets clockwork.NewRealClock,
// tests inject clockwork.NewFakeClock and advance it explicitly, which is
// what makes latency/throughput/ordering invariants mechanically testable
// without wall-clock sleeps.
package netsim

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/elvis-sim/elvis/internal/message"
)

// Unlimited marks a Network's throughput as unbounded: delivery delay is
// latency alone, with no per-byte term.
const Unlimited = 0

// Tap is anything a Network can deliver frames to — implemented by
// internal/pci's PCI session.
type Tap interface {
	Deliver(d Delivery)
}

// Delivery is a network-scheduled frame, handed to a Tap's Deliver once its
// ArrivalTime has been reached on the Network's clock.
type Delivery struct {
	Message     *message.Message
	SenderMAC   net.HardwareAddr
	Destination net.HardwareAddr // nil means this was a broadcast send
	EtherType   uint16
	ArrivalTime time.Time
}

// Config configures a Network's capacity and timing.
type Config struct {
	MTU uint16 // bytes; 0 means "use DefaultMTU"

	// Throughput in bytes/sec. Use netsim.Unlimited (0) for unlimited
	// throughput (latency-only delay).
	Throughput float64

	Latency time.Duration

	Clock  clockwork.Clock // nil defaults to clockwork.NewRealClock()
	Logger *slog.Logger    // nil defaults to slog.Default()
}

// DefaultMTU matches Ethernet's conventional payload ceiling.
const DefaultMTU = 1500

type tapEntry struct {
	mac  net.HardwareAddr
	slot uint32
	tap  Tap
}

// Network is a broadcast-capable shared medium: it registers taps by MAC,
// computes each frame's arrival time from latency and throughput, and
// schedules delivery without reordering any two deliveries to the same
// (sender, receiver) pair.
type Network struct {
	mtu        uint16
	throughput float64
	latency    time.Duration
	clock      clockwork.Clock
	log        *slog.Logger
	metrics    *Metrics
	macGen     macGenerator

	mu           sync.Mutex
	taps         map[string]tapEntry
	lastArrival  map[string]time.Time // key: sender|receiver MAC pair
	nextSlot     uint32
}

// New constructs a Network from cfg, filling in defaults for MTU/clock/logger.
func New(name string, cfg Config) *Network {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	n := &Network{
		mtu:         mtu,
		throughput:  cfg.Throughput,
		latency:     cfg.Latency,
		clock:       clock,
		log:         log.With("network", name),
		metrics:     newMetrics(name),
		taps:        make(map[string]tapEntry),
		lastArrival: make(map[string]time.Time),
	}
	return n
}

// Metrics returns the Network's prometheus collectors for external registration.
func (n *Network) Metrics() *Metrics { return n.metrics }

// MTU returns the network's maximum frame size in bytes.
func (n *Network) MTU() uint16 { return n.mtu }

// Attach registers t as a new tap on the network, generating a fresh,
// unique MAC and slot index for it. Per-slot MAC is immutable after
// registration (spec.md §4.2 invariant).
func (n *Network) Attach(t Tap) (mac net.HardwareAddr, slot uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	mac = n.macGen.next6()
	slot = n.nextSlot
	n.nextSlot++
	n.taps[macKey(mac)] = tapEntry{mac: mac, slot: slot, tap: t}
	return mac, slot
}

// Detach removes a previously attached tap. Used when a machine/PCI slot is
// torn down.
func (n *Network) Detach(mac net.HardwareAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.taps, macKey(mac))
}

// Send schedules msg for delivery from senderMAC to dstMAC (nil means
// broadcast to every tap but the sender). It returns immediately; delivery
// happens asynchronously against the Network's clock. Frames exceeding MTU
// are a logged drop — no fragmentation occurs at the link (spec.md §4.2).
func (n *Network) Send(ctx context.Context, senderMAC, dstMAC net.HardwareAddr, ethertype uint16, msg *message.Message) {
	size := msg.Len()
	if size > int(n.mtu) {
		n.log.Warn("netsim: dropping oversized frame", "size", size, "mtu", n.mtu)
		n.metrics.FramesDropped.WithLabelValues("mtu_exceeded").Inc()
		return
	}

	delay := n.latency
	if n.throughput > Unlimited {
		delay += time.Duration(float64(size) / n.throughput * float64(time.Second))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var targets []tapEntry
	if dstMAC != nil {
		if e, ok := n.taps[macKey(dstMAC)]; ok {
			targets = append(targets, e)
		}
	} else {
		for k, e := range n.taps {
			if k == macKey(senderMAC) {
				continue
			}
			targets = append(targets, e)
		}
	}

	now := n.clock.Now()
	for _, target := range targets {
		arrival := now.Add(delay)
		pairKey := macKey(senderMAC) + "|" + macKey(target.mac)
		if last, ok := n.lastArrival[pairKey]; ok && !arrival.After(last) {
			// Preserve FIFO per (sender, receiver) pair even when two sends
			// land on an identical computed arrival time (spec.md §4.2
			// ordering invariant).
			arrival = last.Add(time.Nanosecond)
		}
		n.lastArrival[pairKey] = arrival

		d := Delivery{
			Message:     msg,
			SenderMAC:   senderMAC,
			Destination: dstMAC,
			EtherType:   ethertype,
			ArrivalTime: arrival,
		}
		n.metrics.FramesDelivered.Inc()
		target := target
		n.clock.AfterFunc(arrival.Sub(now), func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			target.tap.Deliver(d)
		})
	}
}
