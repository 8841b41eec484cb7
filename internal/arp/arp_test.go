package arp_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/arp"
	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/machine"
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
)

func endpoints(local, remote ipv4addr.Address) control.Endpoints {
	return control.Endpoints{
		Local:  control.Endpoint{Address: local},
		Remote: control.Endpoint{Address: remote},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type arpHost struct {
	Machine *machine.Machine
	PCI     *pci.PCI
	Arp     *arp.Arp
	Addr    ipv4addr.Address
	Slot    uint32
}

func newArpHost(t *testing.T, name string, addr ipv4addr.Address, net *netsim.Network, shutdown *proto.Shutdown, cfg arp.Config) *arpHost {
	t.Helper()
	m := machine.New(name, discardLogger(), shutdown)
	p := pci.New()
	slot := p.AddSlot(net)
	a := arp.New(p, cfg)
	require.NoError(t, a.RegisterLocal(addr, slot, nil))
	require.NoError(t, m.AddProtocol(p))
	require.NoError(t, m.AddProtocol(a))
	return &arpHost{Machine: m, PCI: p, Arp: a, Addr: addr, Slot: slot}
}

func startAll(t *testing.T, ctx context.Context, hosts ...*arpHost) {
	t.Helper()
	barrier := proto.NewStartBarrier()
	for _, h := range hosts {
		require.NoError(t, h.Machine.Start(ctx, barrier))
	}
	barrier.Release()
}

func TestArp_Resolve_SucceedsAgainstARespondingPeer(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	net := netsim.New("arp-test", netsim.Config{Latency: time.Millisecond, Clock: clockwork.NewRealClock(), Logger: discardLogger()})

	aAddr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	bAddr, err := ipv4addr.ParseAddress("10.0.0.2")
	require.NoError(t, err)

	a := newArpHost(t, "a", aAddr, net, shutdown, arp.Config{ResendDelay: 20 * time.Millisecond, ResendTries: 5})
	b := newArpHost(t, "b", bAddr, net, shutdown, arp.Config{ResendDelay: 20 * time.Millisecond, ResendTries: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	startAll(t, ctx, a, b)

	mac, err := a.Arp.Resolve(ctx, endpoints(aAddr, bAddr), a.Slot)
	require.NoError(t, err)
	assert.NotEmpty(t, mac)

	bMAC, err := b.PCI.SlotMAC(b.Slot)
	require.NoError(t, err)
	assert.Equal(t, bMAC, mac)
}

func TestArp_Resolve_FailsAfterExhaustingRetriesWithNoResponder(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	net := netsim.New("arp-test-nohost", netsim.Config{Latency: time.Millisecond, Clock: clockwork.NewRealClock(), Logger: discardLogger()})

	aAddr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	unreachable, err := ipv4addr.ParseAddress("10.0.0.99")
	require.NoError(t, err)

	a := newArpHost(t, "a", aAddr, net, shutdown, arp.Config{ResendDelay: 5 * time.Millisecond, ResendTries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	startAll(t, ctx, a)

	_, err = a.Arp.Resolve(ctx, endpoints(aAddr, unreachable), a.Slot)
	require.ErrorIs(t, err, proto.ErrNoResponse)

	e, ok := a.Arp.Table().Get(unreachable)
	require.True(t, ok)
	assert.Equal(t, arp.StatusFailed, e.Status)
}

func TestArp_Resolve_ConcurrentCallsForSameTargetCoalesce(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	net := netsim.New("arp-test-coalesce", netsim.Config{Latency: time.Millisecond, Clock: clockwork.NewRealClock(), Logger: discardLogger()})

	aAddr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	bAddr, err := ipv4addr.ParseAddress("10.0.0.2")
	require.NoError(t, err)

	a := newArpHost(t, "a", aAddr, net, shutdown, arp.Config{ResendDelay: 20 * time.Millisecond, ResendTries: 5})
	b := newArpHost(t, "b", bAddr, net, shutdown, arp.Config{ResendDelay: 20 * time.Millisecond, ResendTries: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	startAll(t, ctx, a, b)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := a.Arp.Resolve(ctx, endpoints(aAddr, bAddr), a.Slot)
			results <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-results)
	}
}
