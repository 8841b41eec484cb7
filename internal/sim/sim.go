// Package sim implements the runtime entry point (spec.md §6): given a set
// of machines and networks and an optional wall-clock timeout, it runs the
// barrier-synchronized startup, waits for the simulation to end, and
// reports why.
package sim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/elvis-sim/elvis/internal/machine"
	"github.com/elvis-sim/elvis/internal/netsim"
	"github.com/elvis-sim/elvis/internal/proto"
)

// ExitKind names the three ways a run can end (spec.md §6 "returns an exit
// status of Exited, Status(u32), or TimedOut").
type ExitKind int

const (
	Exited ExitKind = iota
	StatusCode
	TimedOut
)

func (k ExitKind) String() string {
	switch k {
	case Exited:
		return "Exited"
	case StatusCode:
		return "Status"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// ExitStatus is the outcome of an Internet.Run call.
type ExitStatus struct {
	Kind ExitKind
	Code uint32 // meaningful only when Kind == StatusCode
}

func (e ExitStatus) String() string {
	if e.Kind == StatusCode {
		return fmt.Sprintf("Status(%d)", e.Code)
	}
	return e.Kind.String()
}

// Config configures one Internet run.
type Config struct {
	// Timeout is the wall-clock deadline after which the run collapses
	// every machine and returns TimedOut. Zero means no deadline.
	Timeout time.Duration
	Clock   clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Internet is the runtime entry point: a set of machines sharing one
// Shutdown signal, plus the networks they're attached to (recorded by
// AddNetwork but not read by Run — machines attach to networks directly via
// pci.AddSlot).
type Internet struct {
	cfg      Config
	shutdown *proto.Shutdown

	machines []*machine.Machine
	networks []*netsim.Network

	exited   atomic.Bool
	exitCode atomic.Uint32
	hasCode  atomic.Bool
}

// New constructs an Internet run with its own Shutdown signal.
func New(cfg Config) *Internet {
	return &Internet{
		cfg:      cfg.withDefaults(),
		shutdown: proto.NewShutdown(),
	}
}

// Shutdown returns the run's shutdown signal, to be passed to every
// machine and protocol constructed for this run.
func (i *Internet) Shutdown() *proto.Shutdown { return i.shutdown }

// AddMachine registers m to be started by Run. Must be called before Run.
func (i *Internet) AddMachine(m *machine.Machine) {
	i.machines = append(i.machines, m)
}

// AddNetwork records n as part of this run; Run does not use the list.
func (i *Internet) AddNetwork(n *netsim.Network) {
	i.networks = append(i.networks, n)
}

// Exit ends the run with an explicit status code, as a machine's
// application might call to report completion (spec.md §6 "Status(u32)").
func (i *Internet) Exit(code uint32) {
	i.exitCode.Store(code)
	i.hasCode.Store(true)
	i.exited.Store(true)
	i.shutdown.Broadcast()
}

// Stop ends the run cleanly with no status code (spec.md §6 "Exited").
func (i *Internet) Stop() {
	i.exited.Store(true)
	i.shutdown.Broadcast()
}

// Run starts every registered machine behind a shared barrier, releases the
// barrier once every machine's Start has returned, then blocks until the
// run ends: explicitly (Exit/Stop), via ctx cancellation, or via the
// configured wall-clock timeout, whichever comes first (spec.md §5
// "Simulation can be run with a wall-clock deadline that collapses all
// machines on expiry, returning a TimedOut exit status").
func (i *Internet) Run(ctx context.Context) (ExitStatus, error) {
	barrier := proto.NewStartBarrier()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range i.machines {
		m := m
		g.Go(func() error { return m.Start(gctx, barrier) })
	}
	if err := g.Wait(); err != nil {
		return ExitStatus{}, fmt.Errorf("sim: starting machines: %w", err)
	}
	barrier.Release()

	var timeout <-chan time.Time
	if i.cfg.Timeout > 0 {
		timer := i.cfg.Clock.NewTimer(i.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case <-i.shutdown.Done():
		if i.hasCode.Load() {
			return ExitStatus{Kind: StatusCode, Code: i.exitCode.Load()}, nil
		}
		return ExitStatus{Kind: Exited}, nil
	case <-timeout:
		i.shutdown.Broadcast()
		return ExitStatus{Kind: TimedOut}, nil
	case <-ctx.Done():
		i.shutdown.Broadcast()
		return ExitStatus{}, ctx.Err()
	}
}
