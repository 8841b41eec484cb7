// Package machine implements the per-machine protocol registry and startup
// lifecycle (spec.md §3 "Machine + ProtocolMap", §4.1).
package machine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/elvis-sim/elvis/internal/proto"
)

// ProtocolMap is a per-machine, type-keyed registry of protocol handles. It
// is insert-only during build and frozen the moment Start is called —
// matching spec.md §3's "insert-only during build; frozen after start."
type ProtocolMap struct {
	mu     sync.RWMutex
	byType map[proto.Key]proto.Protocol
	frozen bool
}

func newProtocolMap() *ProtocolMap {
	return &ProtocolMap{byType: make(map[proto.Key]proto.Protocol)}
}

// Insert registers p under its own concrete type. Returns proto.ErrExisting
// if the type is already registered, or if the map is frozen.
func (pm *ProtocolMap) Insert(p proto.Protocol) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.frozen {
		return fmt.Errorf("machine: cannot insert protocol after start: %w", proto.ErrExisting)
	}
	key := proto.KeyOf(p)
	if _, exists := pm.byType[key]; exists {
		return fmt.Errorf("machine: protocol %v already registered: %w", key, proto.ErrExisting)
	}
	pm.byType[key] = p
	return nil
}

// Get returns the protocol registered under key, if any.
func (pm *ProtocolMap) Get(key proto.Key) (proto.Protocol, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.byType[key]
	return p, ok
}

// freeze stops further Insert calls and returns a stable snapshot of every
// registered protocol for Start to fan out over.
func (pm *ProtocolMap) freeze() []proto.Protocol {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.frozen = true
	out := make([]proto.Protocol, 0, len(pm.byType))
	for _, p := range pm.byType {
		out = append(out, p)
	}
	return out
}

// Machine is a single simulated host: an unordered set of protocols (PCI, ARP,
// IPv4, UDP/TCP, sockets, applications, router cores) sharing one
// ProtocolMap, one logger, and the simulation-wide shutdown signal.
type Machine struct {
	id       uuid.UUID
	name     string
	log      *slog.Logger
	shutdown *proto.Shutdown
	protos   *ProtocolMap
}

// New constructs a Machine. name is used only for logging/identification —
// it has no protocol significance.
func New(name string, log *slog.Logger, shutdown *proto.Shutdown) *Machine {
	id := uuid.New()
	return &Machine{
		id:       id,
		name:     name,
		log:      log.With("machine", name, "machine_id", id.String()),
		shutdown: shutdown,
		protos:   newProtocolMap(),
	}
}

// AddProtocol registers p on the machine. Must be called before Start.
func (m *Machine) AddProtocol(p proto.Protocol) error {
	return m.protos.Insert(p)
}

// Protocol implements proto.Host.
func (m *Machine) Protocol(key proto.Key) (any, bool) {
	p, ok := m.protos.Get(key)
	return p, ok
}

// Logger implements proto.Host.
func (m *Machine) Logger() *slog.Logger { return m.log }

// Shutdown implements proto.Host.
func (m *Machine) Shutdown() *proto.Shutdown { return m.shutdown }

// ID implements proto.Host.
func (m *Machine) ID() string { return m.name }

// Name returns the machine's human-readable name.
func (m *Machine) Name() string { return m.name }

// Start freezes the ProtocolMap and fans Start out to every registered
// protocol, in parallel, via errgroup — grounded on the fan-out/wait idiom
// used for the teacher's health-check aggregation
// (lake/api/handlers/status.go's errgroup.WithContext). Start returns once
// every protocol's Start call has returned; it does not itself wait for
// barrier — the caller (internal/sim's Internet runner) releases the
// barrier only after every machine's Start has returned.
func (m *Machine) Start(ctx context.Context, barrier *proto.StartBarrier) error {
	protocols := m.protos.freeze()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range protocols {
		p := p
		g.Go(func() error {
			if err := p.Start(gctx, barrier, m); err != nil {
				return fmt.Errorf("machine %s: protocol %T: %w", m.name, p, err)
			}
			return nil
		})
	}
	return g.Wait()
}
