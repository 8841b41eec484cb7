package socket

import (
	"errors"
	"fmt"

	"github.com/elvis-sim/elvis/internal/proto"
)

// ErrKind classifies a socket-level failure (spec.md §7 "SocketError: kind
// ∈ {Bind, Connect, Listen, Accept, Send, Receive, Shutdown, Other}").
type ErrKind int

const (
	ErrBind ErrKind = iota
	ErrConnect
	ErrListen
	ErrAccept
	ErrSend
	ErrReceive
	ErrShutdownKind
	ErrOther
)

func (k ErrKind) String() string {
	switch k {
	case ErrBind:
		return "bind"
	case ErrConnect:
		return "connect"
	case ErrListen:
		return "listen"
	case ErrAccept:
		return "accept"
	case ErrSend:
		return "send"
	case ErrReceive:
		return "receive"
	case ErrShutdownKind:
		return "shutdown"
	default:
		return "other"
	}
}

// Error is the socket-layer error value: a kind plus the underlying cause.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, proto.ErrShutdown) {
		kind = ErrShutdownKind
	}
	return &Error{Kind: kind, Err: err}
}

// ErrNotImplemented is returned by NewSocket for address families this simulator
// does not model (spec.md §4.7 "LOCAL/INET6 optional; must error cleanly if
// not implemented").
var ErrNotImplemented = errors.New("socket: address family not implemented")
