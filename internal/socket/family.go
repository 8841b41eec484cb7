package socket

// Family names the address family a Socket was created for (spec.md §4.7).
// Only Inet is implemented; Local and Inet6 are accepted by NewSocket only to be
// rejected cleanly with ErrNotImplemented, per spec.md's "must error
// cleanly if not implemented."
type Family int

const (
	Inet Family = iota
	Local
	Inet6
)

func (f Family) String() string {
	switch f {
	case Inet:
		return "inet"
	case Local:
		return "local"
	case Inet6:
		return "inet6"
	default:
		return "unknown"
	}
}

// Type names the socket's delivery semantics.
type Type int

const (
	Stream Type = iota
	Datagram
)

func (t Type) String() string {
	if t == Stream {
		return "stream"
	}
	return "datagram"
}
