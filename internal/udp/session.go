package udp

import (
	"context"
	"sync"

	"github.com/elvis-sim/elvis/internal/control"
	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/message"
	"github.com/elvis-sim/elvis/internal/proto"
)

// Session is one UDP conversation, keyed by Endpoints (spec.md §4.6). Like
// every session in this stack it holds no pointer back to the protocol that
// created it — only down, to the Ipv4Session beneath it.
type Session struct {
	link      *ipv4.Session
	endpoints control.Endpoints

	mu     sync.Mutex
	queue  []*message.Message
	notify chan struct{}
}

func newSession(link *ipv4.Session, endpoints control.Endpoints) *Session {
	return &Session{link: link, endpoints: endpoints, notify: make(chan struct{})}
}

// Send implements proto.Session: it prepends the UDP header with the RFC
// 768 pseudo-header checksum and hands the datagram to the Ipv4Session
// beneath it.
func (s *Session) Send(ctx context.Context, msg *message.Message, host proto.Host) error {
	hdr := Build(s.endpoints.Local.Address, s.endpoints.Remote.Address, s.endpoints.Local.Port, s.endpoints.Remote.Port, msg.Bytes())
	return s.link.Send(ctx, msg.Push(hdr), host)
}

// deliver enqueues an inbound payload and wakes any blocked Recv.
func (s *Session) deliver(msg *message.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// Recv returns the next queued inbound datagram, blocking until one
// arrives, ctx is canceled, or shutdown fires (spec.md §4.7 "Blocking
// operations cooperate with Shutdown").
func (s *Session) Recv(ctx context.Context, shutdown *proto.Shutdown) (*message.Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		watch := s.notify
		s.mu.Unlock()

		select {
		case <-watch:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-shutdown.Done():
			return nil, proto.ErrShutdown
		}
	}
}

// Endpoints returns the session's local/remote endpoint pair.
func (s *Session) Endpoints() control.Endpoints { return s.endpoints }
