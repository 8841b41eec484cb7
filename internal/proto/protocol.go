// Package proto defines the compositional contract every protocol layer
// implements (spec.md §4.1): a machine-scoped Host that looks up peer
// protocols by type identity, a Protocol that starts under a shared barrier
// and demuxes inbound frames, and a Session that the layer above holds onto
// to send outbound ones.
//
// Sessions never hold an owning pointer back to their protocol or machine —
// per spec.md §9 ("cyclic references between a session and its owning
// protocol"), the machine is instead passed explicitly into Send, and a
// session's upward references are lookup-only.
package proto

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/message"
)

// Key identifies a protocol by its concrete type, the same way spec.md's
// ProtocolMap is "keyed by the concrete protocol's type identity."
type Key = reflect.Type

// KeyOf returns the Key for a protocol value's concrete type. Pass either a
// protocol instance or a nil typed pointer, e.g. KeyOf((*Arp)(nil)).
func KeyOf(p any) Key {
	return reflect.TypeOf(p)
}

// Host is the machine-scoped context every protocol and session receives.
// It is implemented by *machine.Machine; Protocol/Session only depend on
// this narrow interface to avoid an import cycle with internal/machine.
type Host interface {
	// Protocol looks up a registered protocol by its type key. Lookup is
	// shared-handle, not a copy — repeated calls for the same key return
	// the same instance.
	Protocol(key Key) (any, bool)

	// Logger returns the machine's structured logger, pre-tagged with the
	// machine's identity.
	Logger() *slog.Logger

	// Shutdown returns the simulation-wide shutdown signal.
	Shutdown() *Shutdown

	// ID returns a stable identifier for the owning machine, for logging.
	ID() string
}

// Protocol is the contract every layer of the stack implements.
type Protocol interface {
	// Start spawns any background tasks the protocol needs (retry loops,
	// timers, accept loops) and returns once they're spawned — it must not
	// block waiting for the barrier itself. Every spawned task calls
	// barrier.Wait before emitting a frame. Start must be idempotent with
	// respect to being awaited by the barrier more than once.
	Start(ctx context.Context, barrier *StartBarrier, host Host) error

	// Demux is invoked by the layer below when a frame arrives addressed
	// to this protocol. The implementation parses its header, enriches
	// ctl, locates or creates a session, and hands the remaining message
	// off to that session (or to a listener, for session-establishing
	// protocols). A protocol that cannot identify a destination reports
	// ErrMissingSession; the caller drops the frame with a log, never
	// propagating the error further up.
	Demux(ctx context.Context, msg *message.Message, caller Session, ctl *control.Control, host Host) error
}

// Session is the capability every layer above a protocol holds to send
// through it, and to receive messages the protocol has buffered for it.
type Session interface {
	// Send pushes msg (plus whatever header this session's layer adds)
	// down through host to the protocol below.
	Send(ctx context.Context, msg *message.Message, host Host) error
}
