package socket_test

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
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/pci"
	"github.com/elvis-sim/elvis/internal/proto"
	"github.com/elvis-sim/elvis/internal/socket"
	"github.com/elvis-sim/elvis/internal/tcp"
	"github.com/elvis-sim/elvis/internal/udp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHost struct {
	log      *slog.Logger
	shutdown *proto.Shutdown
}

func (h fakeHost) Protocol(key proto.Key) (any, bool) { return nil, false }
func (h fakeHost) Logger() *slog.Logger               { return h.log }
func (h fakeHost) Shutdown() *proto.Shutdown          { return h.shutdown }
func (h fakeHost) ID() string                         { return "test-host" }

type socketHost struct {
	PCI     *pci.PCI
	Sockets *socket.Sockets
	Addr    ipv4addr.Address
	Slot    uint32
	IP      *ipv4.Ipv4
}

// newSocketHost wires PCI+Arp+Ipv4+Udp+Tcp+Sockets exactly as cmd/elvis's
// newHost does, the full stack a Socket needs beneath it.
func newSocketHost(t *testing.T, addr ipv4addr.Address, net *netsim.Network, shutdown *proto.Shutdown, clock clockwork.Clock) *socketHost {
	t.Helper()
	p := pci.New()
	slot := p.AddSlot(net)
	a := arp.New(p, arp.Config{Clock: clock, ResendDelay: 10 * time.Millisecond, ResendTries: 5})
	require.NoError(t, a.RegisterLocal(addr, slot, nil))
	ip := ipv4.New(a, p)
	u := udp.New(ip)
	tp := tcp.New(ip, tcp.Config{Clock: clock}, shutdown, discardLogger())
	s := socket.New(u, tp, shutdown)
	require.NoError(t, p.Listen(slot, pci.EtherTypeIPv4, ip))
	require.NoError(t, p.Listen(slot, pci.EtherTypeARP, a))
	require.NoError(t, ip.Listen(ipv4.ProtocolUDP, addr, u))
	require.NoError(t, ip.Listen(ipv4.ProtocolTCP, addr, tp))
	return &socketHost{PCI: p, Sockets: s, Addr: addr, Slot: slot, IP: ip}
}

func TestSocket_Sockets_NewSocket_RejectsUnimplementedFamily(t *testing.T) {
	t.Parallel()

	mgr := socket.New(nil, nil, proto.NewShutdown())

	_, err := mgr.NewSocket(socket.Local, socket.Stream)
	require.ErrorIs(t, err, socket.ErrNotImplemented)

	_, err = mgr.NewSocket(socket.Inet6, socket.Stream)
	require.ErrorIs(t, err, socket.ErrNotImplemented)

	sock, err := mgr.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)
	assert.NotNil(t, sock)
}

func TestSocket_Socket_Bind_RejectsDuplicateLocalEndpointOfTheSameType(t *testing.T) {
	t.Parallel()

	mgr := socket.New(nil, nil, proto.NewShutdown())
	local := control.Endpoint{Port: 4000}

	first, err := mgr.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)
	require.NoError(t, first.Bind(local))

	second, err := mgr.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)
	err = second.Bind(local)
	require.ErrorIs(t, err, proto.ErrExisting)

	t.Run("a different socket type may bind the same endpoint", func(t *testing.T) {
		t.Parallel()
		third, err := mgr.NewSocket(socket.Inet, socket.Datagram)
		require.NoError(t, err)
		assert.NoError(t, third.Bind(local))
	})
}

func TestSocket_Socket_Bind_PortZeroAssignsAnEphemeralPort(t *testing.T) {
	t.Parallel()

	mgr := socket.New(nil, nil, proto.NewShutdown())
	sock, err := mgr.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)

	require.NoError(t, sock.Bind(control.Endpoint{Port: 0}))
	assert.NotEqual(t, uint16(0), sock.LocalEndpoint().Port)
}

// TestSocket_Socket_Stream_ConnectAcceptSendRecv_RoundTripsOverRealNetwork
// drives Bind/Listen/Connect/Accept/Send/Recv for a Stream socket over a
// real netsim.Network-backed Tcp stack, the same scenario cmd/elvis's
// tcp-handshake demo exercises one layer down.
func TestSocket_Socket_Stream_ConnectAcceptSendRecv_RoundTripsOverRealNetwork(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewRealClock()
	shutdown := proto.NewShutdown()
	host := fakeHost{log: discardLogger(), shutdown: shutdown}
	net := netsim.New("socket-test", netsim.Config{Latency: time.Millisecond, Clock: clock, Logger: discardLogger()})

	aAddr, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	bAddr, err := ipv4addr.ParseAddress("10.0.0.2")
	require.NoError(t, err)
	hostMask, err := ipv4addr.MaskFromBitcount(32)
	require.NoError(t, err)

	a := newSocketHost(t, aAddr, net, shutdown, clock)
	b := newSocketHost(t, bAddr, net, shutdown, clock)

	a.IP.AddRoute(ipv4addr.Net{Address: bAddr, Mask: hostMask}, a.Slot, nil)
	b.IP.AddRoute(ipv4addr.Net{Address: aAddr, Mask: hostMask}, b.Slot, nil)

	barrier := proto.NewStartBarrier()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.PCI.Start(ctx, barrier, host))
	require.NoError(t, b.PCI.Start(ctx, barrier, host))
	barrier.Release()

	const port = 6000

	serverSock, err := b.Sockets.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)
	require.NoError(t, serverSock.Bind(control.Endpoint{Address: bAddr, Port: port}))
	require.NoError(t, serverSock.Listen(0))

	accepted := make(chan *socket.Socket, 1)
	go func() {
		s, err := serverSock.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	clientSock, err := a.Sockets.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)
	require.NoError(t, clientSock.Bind(control.Endpoint{Address: aAddr, Port: 0}))
	require.NoError(t, clientSock.Connect(ctx, control.Endpoint{Address: bAddr, Port: port}))

	var serverConn *socket.Socket
	select {
	case serverConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}
	assert.Equal(t, bAddr, serverConn.LocalEndpoint().Address)
	assert.Equal(t, aAddr, serverConn.RemoteEndpoint().Address)

	require.NoError(t, clientSock.Send(ctx, []byte("hello socket")))
	got, err := serverConn.Recv(ctx, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello socket", string(got))

	t.Run("Recv preserves residue across calls when asked for fewer bytes than arrived", func(t *testing.T) {
		require.NoError(t, clientSock.Send(ctx, []byte("twelve-bytes")))

		first, err := serverConn.Recv(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, "twelve", string(first))

		second, err := serverConn.Recv(ctx, 6)
		require.NoError(t, err)
		assert.Equal(t, "-bytes", string(second))
	})

	require.NoError(t, clientSock.Close(ctx))
}

func TestSocket_Socket_Accept_BeforeListenFails(t *testing.T) {
	t.Parallel()

	mgr := socket.New(nil, nil, proto.NewShutdown())
	sock, err := mgr.NewSocket(socket.Inet, socket.Stream)
	require.NoError(t, err)
	require.NoError(t, sock.Bind(control.Endpoint{Port: 4500}))

	_, err = sock.Accept(context.Background())
	require.Error(t, err)
}

func TestSocket_Socket_Send_BeforeConnectFails(t *testing.T) {
	t.Parallel()

	mgr := socket.New(nil, nil, proto.NewShutdown())
	sock, err := mgr.NewSocket(socket.Inet, socket.Datagram)
	require.NoError(t, err)

	err = sock.Send(context.Background(), []byte("x"))
	require.Error(t, err)
}
