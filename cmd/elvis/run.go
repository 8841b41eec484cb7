package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/sim"
	"github.com/elvis-sim/elvis/internal/socket"
)

// demoTimeout bounds every demo scenario so a broken build fails fast
// instead of hanging a terminal.
const demoTimeout = 10 * time.Second

// RunCmd is the "elvis run <scenario>" parent command: each subcommand
// builds one of §8's testable scenarios directly in Go, in place of the NDL
// scripts the original project used to describe them.
type RunCmd struct{}

func NewRunCmd() *RunCmd { return &RunCmd{} }

func (c *RunCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a self-contained demo scenario",
	}
	cmd.AddCommand(
		newBasicSendCmd(),
		newArpResolveCmd(),
		newTCPHandshakeCmd(),
	)
	return cmd
}

func verboseFlag(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}

func newBasicSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "basic-send",
		Short: "Two hosts on one network exchange a UDP datagram",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBasicSend(cmd.Context(), newLogger(verboseFlag(cmd)))
		},
	}
}

func runBasicSend(ctx context.Context, log *slog.Logger) error {
	clock := clockwork.NewRealClock()
	s := sim.New(sim.Config{Timeout: demoTimeout, Clock: clock})
	shutdown := s.Shutdown()

	net, err := newDemoNet("basic-send", "10.0.0.0/24", netsim.Config{Latency: time.Millisecond, Clock: clock, Logger: log})
	if err != nil {
		return err
	}
	ips := newSequentialIPs(net.Subnet)
	aAddr, bAddr := ips.fetch(), ips.fetch()

	a, err := newHost("sender", aAddr, net, shutdown, log, clock, processMetrics)
	if err != nil {
		return err
	}
	b, err := newHost("receiver", bAddr, net, shutdown, log, clock, nil)
	if err != nil {
		return err
	}
	connect(a, b)

	s.AddMachine(a.Machine)
	s.AddMachine(b.Machine)
	s.AddNetwork(net.Network)
	net.Network.Metrics().Register(processMetrics.Registry)

	const port = 9000
	received := make(chan string, 1)
	go func() {
		listener, err := b.Udp.BindWildcard(port)
		if err != nil {
			log.Error("basic-send: bind failed", "error", err)
			return
		}
		sess, err := listener.Accept(ctx, shutdown)
		if err != nil {
			return
		}
		msg, err := sess.Recv(ctx, shutdown)
		if err != nil {
			return
		}
		received <- string(msg.Bytes())
	}()

	go func() {
		time.Sleep(50 * time.Millisecond) // let the receiver bind before the first send
		sess, err := a.Udp.Open(ctx, control.Endpoints{
			Local:  control.Endpoint{Address: aAddr, Port: port},
			Remote: control.Endpoint{Address: bAddr, Port: port},
		})
		if err != nil {
			log.Error("basic-send: open failed", "error", err)
			s.Stop()
			return
		}
		if err := sess.Send(ctx, message.New([]byte("hello from elvis")), nil); err != nil {
			log.Error("basic-send: send failed", "error", err)
			s.Stop()
			return
		}
		select {
		case payload := <-received:
			log.Info("basic-send: received", "payload", payload)
		case <-time.After(demoTimeout):
			log.Error("basic-send: timed out waiting for delivery")
		}
		s.Stop()
	}()

	status, err := s.Run(ctx)
	log.Info("basic-send: exited", "status", status.String())
	return err
}

func newArpResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arp-resolve",
		Short: "One host resolves a peer's MAC address via ARP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArpResolve(cmd.Context(), newLogger(verboseFlag(cmd)))
		},
	}
}

func runArpResolve(ctx context.Context, log *slog.Logger) error {
	clock := clockwork.NewRealClock()
	s := sim.New(sim.Config{Timeout: demoTimeout, Clock: clock})
	shutdown := s.Shutdown()

	net, err := newDemoNet("arp-resolve", "10.0.1.0/24", netsim.Config{Latency: time.Millisecond, Clock: clock, Logger: log})
	if err != nil {
		return err
	}
	ips := newSequentialIPs(net.Subnet)
	aAddr, bAddr := ips.fetch(), ips.fetch()

	a, err := newHost("resolver", aAddr, net, shutdown, log, clock, processMetrics)
	if err != nil {
		return err
	}
	b, err := newHost("target", bAddr, net, shutdown, log, clock, nil)
	if err != nil {
		return err
	}

	s.AddMachine(a.Machine)
	s.AddMachine(b.Machine)
	s.AddNetwork(net.Network)
	net.Network.Metrics().Register(processMetrics.Registry)

	go func() {
		time.Sleep(50 * time.Millisecond)
		mac, err := a.Arp.Resolve(ctx, control.Endpoints{
			Local:  control.Endpoint{Address: aAddr},
			Remote: control.Endpoint{Address: bAddr},
		}, a.Slot)
		if err != nil {
			log.Error("arp-resolve: resolve failed", "error", err)
		} else {
			log.Info("arp-resolve: resolved", "target", bAddr.String(), "mac", mac.String())
		}
		s.Stop()
	}()

	status, err := s.Run(ctx)
	log.Info("arp-resolve: exited", "status", status.String())
	return err
}

func newTCPHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tcp-handshake",
		Short: "An active opener and a passive listener complete the three-way handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTCPHandshake(cmd.Context(), newLogger(verboseFlag(cmd)))
		},
	}
}

func runTCPHandshake(ctx context.Context, log *slog.Logger) error {
	clock := clockwork.NewRealClock()
	s := sim.New(sim.Config{Timeout: demoTimeout, Clock: clock})
	shutdown := s.Shutdown()

	net, err := newDemoNet("tcp-handshake", "10.0.2.0/24", netsim.Config{Latency: time.Millisecond, Clock: clock, Logger: log})
	if err != nil {
		return err
	}
	ips := newSequentialIPs(net.Subnet)
	aAddr, bAddr := ips.fetch(), ips.fetch()

	a, err := newHost("client", aAddr, net, shutdown, log, clock, processMetrics)
	if err != nil {
		return err
	}
	b, err := newHost("server", bAddr, net, shutdown, log, clock, nil)
	if err != nil {
		return err
	}
	connect(a, b)

	s.AddMachine(a.Machine)
	s.AddMachine(b.Machine)
	s.AddNetwork(net.Network)
	net.Network.Metrics().Register(processMetrics.Registry)

	const port = 7000
	go func() {
		time.Sleep(50 * time.Millisecond)

		serverSocket, err := b.Sockets.NewSocket(socket.Inet, socket.Stream)
		if err != nil {
			log.Error("tcp-handshake: server socket", "error", err)
			s.Stop()
			return
		}
		if err := serverSocket.Bind(control.Endpoint{Address: bAddr, Port: port}); err != nil {
			log.Error("tcp-handshake: server bind", "error", err)
			s.Stop()
			return
		}
		if err := serverSocket.Listen(4); err != nil {
			log.Error("tcp-handshake: server listen", "error", err)
			s.Stop()
			return
		}

		accepted := make(chan struct{})
		go func() {
			if _, err := serverSocket.Accept(ctx); err != nil {
				log.Error("tcp-handshake: accept failed", "error", err)
				return
			}
			close(accepted)
		}()

		clientSocket, err := a.Sockets.NewSocket(socket.Inet, socket.Stream)
		if err != nil {
			log.Error("tcp-handshake: client socket", "error", err)
			s.Stop()
			return
		}
		if err := clientSocket.Connect(ctx, control.Endpoint{Address: bAddr, Port: port}); err != nil {
			log.Error("tcp-handshake: connect failed", "error", err)
			s.Stop()
			return
		}

		select {
		case <-accepted:
			log.Info("tcp-handshake: established", "client", clientSocket.LocalEndpoint())
		case <-time.After(demoTimeout):
			log.Error("tcp-handshake: timed out waiting for accept")
		}
		s.Stop()
	}()

	status, err := s.Run(ctx)
	log.Info("tcp-handshake: exited", "status", status.String())
	return err
}
