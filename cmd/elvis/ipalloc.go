package main

import "github.com/elvis-sim/elvis/internal/ipv4addr"

// sequentialIPs hands out addresses from net in order, starting just past
// the network address — a CLI convenience for the demo topologies below, not
// a core module. Grounded on original_source/sim/elvis/src/ip_generator.rs's
// IpGenerator, simplified to the one thing a demo needs: sequential
// allocation with no block/return bookkeeping.
type sequentialIPs struct {
	next ipv4addr.Address
	last ipv4addr.Address
}

func newSequentialIPs(net ipv4addr.Net) *sequentialIPs {
	return &sequentialIPs{
		next: net.ID() + 1,
		last: net.Broadcast() - 1,
	}
}

// fetch returns the next address in the range, panicking if the demo
// topology has exhausted it — a configuration bug, not a runtime condition.
func (g *sequentialIPs) fetch() ipv4addr.Address {
	if g.next > g.last {
		panic("elvis: demo topology ran out of addresses in its subnet")
	}
	addr := g.next
	g.next++
	return addr
}
