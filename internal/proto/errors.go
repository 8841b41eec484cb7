package proto

import "errors"

// Error kinds shared across every protocol layer (spec.md §7). These are
// sentinel values rather than a custom error type hierarchy, matching the
// teacher's internal/bgp style (ErrBgpPeerExists/ErrBgpPeerNotExists) —
// wrap with fmt.Errorf("...: %w", err) where context is useful.
var (
	// ErrMissingSession is returned/logged when a demux call can't find or
	// create a destination session for an inbound frame.
	ErrMissingSession = errors.New("proto: missing session")

	// ErrMissingListenBinding is returned when no listener is registered
	// for an inbound frame's local endpoint.
	ErrMissingListenBinding = errors.New("proto: missing listen binding")

	// ErrMissingContext is returned when a demux call lacks Control fields
	// a layer requires (e.g. DemuxInfo absent at the PCI boundary).
	ErrMissingContext = errors.New("proto: missing context in control bag")

	// ErrExisting is returned by open/bind/listen calls that target an
	// already-occupied key.
	ErrExisting = errors.New("proto: key already exists")

	// ErrHeader is returned when a header fails to parse: too short, bad
	// version/IHL/options, checksum mismatch, reserved bits set, or an
	// invalid enum value.
	ErrHeader = errors.New("proto: header parse error")

	// ErrNoResponse is returned when ARP resolution exhausts its retries.
	ErrNoResponse = errors.New("proto: no response")

	// ErrShutdown is returned by any blocking operation unblocked by the
	// global shutdown signal.
	ErrShutdown = errors.New("proto: shutdown")

	// ErrStartMissingPeer is returned by Start when a protocol's required
	// peer protocol is not registered on the machine.
	ErrStartMissingPeer = errors.New("proto: missing required peer protocol at start")

	// ErrInvalidState is returned when an operation is attempted against a
	// TCB in a state that cannot service it (spec.md §7 "TcpError ...
	// InvalidState").
	ErrInvalidState = errors.New("proto: invalid state for operation")
)
