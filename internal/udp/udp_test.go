package udp_test

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
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
	"github.com/elvis-sim/elvis/internal/udp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type udpHost struct {
	PCI  *pci.PCI
	Arp  *arp.Arp
	IP   *ipv4.Ipv4
	UDP  *udp.Udp
	Addr ipv4addr.Address
	Slot uint32
}

func newUDPHost(t *testing.T, addr ipv4addr.Address, net *netsim.Network) *udpHost {
	t.Helper()
	p := pci.New()
	slot := p.AddSlot(net)
	a := arp.New(p, arp.Config{ResendDelay: 10 * time.Millisecond, ResendTries: 5})
	require.NoError(t, a.RegisterLocal(addr, slot, nil))
	ip := ipv4.New(a, p)
	u := udp.New(ip)
	require.NoError(t, p.Listen(slot, pci.EtherTypeIPv4, ip))
	require.NoError(t, p.Listen(slot, pci.EtherTypeARP, a))
	require.NoError(t, ip.Listen(ipv4.ProtocolUDP, addr, u))
	return &udpHost{PCI: p, Arp: a, IP: ip, UDP: u, Addr: addr, Slot: slot}
}

type fakeHost struct {
	log      *slog.Logger
	shutdown *proto.Shutdown
}

func (h fakeHost) Protocol(key proto.Key) (any, bool) { return nil, false }
func (h fakeHost) Logger() *slog.Logger               { return h.log }
func (h fakeHost) Shutdown() *proto.Shutdown          { return h.shutdown }
func (h fakeHost) ID() string                         { return "test-host" }

func TestUDP_Session_OpenSendBindAccept_DeliversPayloadEndToEnd(t *testing.T) {
	t.Parallel()

	shutdown := proto.NewShutdown()
	host := fakeHost{log: discardLogger(), shutdown: shutdown}
	net := netsim.New("udp-test", netsim.Config{Latency: time.Millisecond, Clock: clockwork.NewRealClock(), Logger: discardLogger()})

	aAddr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	bAddr, err := ipv4addr.ParseAddress("10.0.0.2")
	require.NoError(t, err)
	hostMask, err := ipv4addr.MaskFromBitcount(32)
	require.NoError(t, err)

	a := newUDPHost(t, aAddr, net)
	b := newUDPHost(t, bAddr, net)

	a.IP.AddRoute(ipv4addr.Net{Address: bAddr, Mask: hostMask}, a.Slot, nil)
	b.IP.AddRoute(ipv4addr.Net{Address: aAddr, Mask: hostMask}, b.Slot, nil)

	barrier := proto.NewStartBarrier()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.PCI.Start(ctx, barrier, host))
	require.NoError(t, b.PCI.Start(ctx, barrier, host))
	barrier.Release()

	const port = 9000
	listener, err := b.UDP.BindWildcard(port)
	require.NoError(t, err)

	sess, err := a.UDP.Open(ctx, control.Endpoints{
		Local:  control.Endpoint{Address: aAddr, Port: port},
		Remote: control.Endpoint{Address: bAddr, Port: port},
	})
	require.NoError(t, err)
	require.NoError(t, sess.Send(ctx, message.New([]byte("hello over udp")), host))

	serverSess, err := listener.Accept(ctx, shutdown)
	require.NoError(t, err)
	got, err := serverSess.Recv(ctx, shutdown)
	require.NoError(t, err)
	assert.Equal(t, "hello over udp", string(got.Bytes()))
}

func TestUDP_Bind_RejectsDuplicateLocalEndpoint(t *testing.T) {
	t.Parallel()

	net := netsim.New("udp-test-dup", netsim.Config{Clock: clockwork.NewRealClock(), Logger: discardLogger()})
	addr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	h := newUDPHost(t, addr, net)

	local := control.Endpoint{Address: addr, Port: 5000}
	_, err = h.UDP.Bind(local)
	require.NoError(t, err)

	_, err = h.UDP.Bind(local)
	require.ErrorIs(t, err, proto.ErrExisting)
}

func TestUDP_Demux_NoListenerDropsWithMissingSessionError(t *testing.T) {
	t.Parallel()

	net := netsim.New("udp-test-noroute", netsim.Config{Clock: clockwork.NewRealClock(), Logger: discardLogger()})
	addr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	h := newUDPHost(t, addr, net)

	peer, err := ipv4addr.ParseAddress("10.0.0.9")
	require.NoError(t, err)

	ctl := &control.Control{Endpoints: &control.Endpoints{
		Local:  control.Endpoint{Address: addr},
		Remote: control.Endpoint{Address: peer},
	}}
	payload := []byte("x")
	hdr := udp.Build(peer, addr, 1234, 9999, payload)
	raw := append(append([]byte(nil), hdr...), payload...)
	err = h.UDP.Demux(context.Background(), message.New(raw), nil, ctl, fakeHost{log: discardLogger(), shutdown: proto.NewShutdown()})
	require.ErrorIs(t, err, proto.ErrMissingSession)
}
