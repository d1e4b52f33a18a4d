package session

import (
	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

// Broadcast fans written instructions out to every attached user. It is the
// write half of a transport only; the aggregate of many users cannot be
// read, so no read surface exists here.
//
// Fan-out happens under the membership lock, so one write reaches exactly
// the set of users attached at that instant, each exactly once. Delivery to
// an individual user is asynchronous through the user's outbox; a user that
// falls too far behind is kicked rather than allowed to stall the others.
type Broadcast struct {
	s *Session
}

var _ transport.WriteFlusher = (*Broadcast)(nil)

// WriteInstruction encodes in once and queues it for every attached user.
// Per-user delivery failures retire that user and never fail the broadcast.
func (b *Broadcast) WriteInstruction(in wire.Instruction) error {
	frame := in.Append(nil)
	s := b.s
	s.mu.Lock()
	for u := s.users; u != nil; u = u.next {
		u.enqueue(frame)
	}
	s.mu.Unlock()
	return nil
}

// Flush queues a flush marker for every attached user, pushing anything
// buffered on their transports out to the peers.
func (b *Broadcast) Flush() error {
	s := b.s
	s.mu.Lock()
	for u := s.users; u != nil; u = u.next {
		u.enqueue(nil)
	}
	s.mu.Unlock()
	return nil
}
