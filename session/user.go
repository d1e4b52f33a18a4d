package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

// outboxDepth bounds how many encoded frames may queue for one user before
// the user is considered too slow and is detached.
const outboxDepth = 512

var (
	ErrUserDetached = errors.New("user detached")
	ErrOverrun      = errors.New("user write queue overrun")
)

// User is one transport connection attached to a session. Create with
// NewUser, attach with Session.AddUser.
//
// All instruction traffic to a user flows through its outbox and a single
// writer goroutine, so sends from handlers and broadcasts from the session
// never interleave mid-frame and never block the sender.
type User struct {
	// ID identifies the user in logs and protocol exchanges.
	ID string

	// Conn is the user's own transport. Reads belong to Run; writes after
	// attach should go through Send so they order with broadcasts.
	Conn *transport.Conn

	// Owner marks the user whose handshake created the session.
	Owner bool

	// Data carries backend driver state for the life of the user.
	Data any

	// OnLeave, when set, replaces the session's Leave callback for this
	// user.
	OnLeave func(u *User)

	session  *Session
	detached atomic.Bool
	kicked   atomic.Bool

	omu        sync.Mutex
	outbox     chan []byte
	outClosed  bool
	writerDone chan struct{}

	prev, next *User
}

// NewUser wraps conn in an unattached user record.
func NewUser(conn *transport.Conn, owner bool) (*User, error) {
	id, err := newID(userIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("minting user id: %w", err)
	}
	return &User{
		ID:         id,
		Conn:       conn,
		Owner:      owner,
		outbox:     make(chan []byte, outboxDepth),
		writerDone: make(chan struct{}),
	}, nil
}

// Session returns the session the user is attached to, or nil before
// attach.
func (u *User) Session() *Session { return u.session }

// AddUser attaches u to the session: the driver's Join callback runs first,
// with the user not yet visible to iteration or broadcast, and only on its
// success is the user linked in as the new list head. The user's writer
// goroutine starts on success.
//
// Attaching to a session that is being destroyed fails with
// ErrSessionClosed; if a Join callback had already run, the Leave path runs
// too so the driver can release whatever Join acquired.
func (s *Session) AddUser(u *User, args []string) error {
	u.session = s

	joined := false
	if s.handlers.Join != nil {
		if err := s.handlers.Join(s, u, args); err != nil {
			u.detached.Store(true)
			return err
		}
		joined = true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		u.detached.Store(true)
		if joined {
			u.runLeaveCallback()
		}
		return ErrSessionClosed
	}
	u.prev = nil
	u.next = s.users
	if s.users != nil {
		s.users.prev = u
	}
	s.users = u
	s.userCount++
	if u.Owner {
		s.owner = u
	}
	s.mu.Unlock()

	s.touch()
	go u.runWriter()
	return nil
}

// RemoveUser detaches u: its departure callback runs first, while the user
// is still linked, then the user is spliced out under the membership lock
// and its writer drains and closes the transport. Only the first caller
// wins; concurrent calls for the same user report false.
func (s *Session) RemoveUser(u *User) bool {
	if !u.detached.CompareAndSwap(false, true) {
		return false
	}

	u.runLeaveCallback()

	s.mu.Lock()
	if u.prev != nil {
		u.prev.next = u.next
	} else if s.users == u {
		s.users = u.next
	}
	if u.next != nil {
		u.next.prev = u.prev
	}
	u.prev = nil
	u.next = nil
	s.userCount--
	if s.owner == u {
		s.owner = nil
	}
	s.mu.Unlock()

	u.closeOutbox()
	return true
}

func (u *User) runLeaveCallback() {
	if u.OnLeave != nil {
		u.OnLeave(u)
	} else if u.session != nil && u.session.handlers.Leave != nil {
		u.session.handlers.Leave(u.session, u)
	}
}

// Send queues one instruction for delivery to this user. It never blocks:
// a detached user reports ErrUserDetached, and a user whose queue is full
// is kicked and reports ErrOverrun.
func (u *User) Send(in wire.Instruction) error {
	return u.enqueue(in.Append(nil))
}

// enqueue queues an encoded frame, or nil as a flush marker.
func (u *User) enqueue(frame []byte) error {
	u.omu.Lock()
	defer u.omu.Unlock()
	if u.outClosed {
		return ErrUserDetached
	}
	select {
	case u.outbox <- frame:
		return nil
	default:
		u.kick()
		return ErrOverrun
	}
}

// kick retires a user that cannot keep up. Closing the transport unblocks
// the user's reader, which detaches it through the normal path.
func (u *User) kick() {
	if !u.kicked.CompareAndSwap(false, true) {
		return
	}
	if u.session != nil {
		u.session.log.Warn("session.user.overrun", slog.String("user_id", u.ID))
	}
	u.Conn.Close()
}

func (u *User) closeOutbox() {
	u.omu.Lock()
	defer u.omu.Unlock()
	if !u.outClosed {
		u.outClosed = true
		close(u.outbox)
	}
}

// runWriter is the user's single writer goroutine: it moves queued frames
// onto the transport, flushing whenever the queue drains, and closes the
// transport after a final flush once the user detaches.
func (u *User) runWriter() {
	defer close(u.writerDone)
	defer u.Conn.Close()

	var dead bool
	for frame := range u.outbox {
		if dead {
			continue
		}
		if frame == nil {
			if u.Conn.Flush() != nil {
				dead = true
			}
			continue
		}
		if _, err := u.Conn.Write(frame); err != nil {
			dead = true
			continue
		}
		if len(u.outbox) == 0 && u.Conn.Flush() != nil {
			dead = true
		}
	}
	if !dead {
		u.Conn.Flush()
	}
}

// Run reads instructions from the user's transport and dispatches them into
// the session until the transport closes, the peer disconnects, or a
// handler fails. There is no separate cancellation: closing the transport
// retires the loop.
func (u *User) Run() error {
	r := wire.NewReader(u.Conn)
	for {
		in, err := r.ReadInstruction()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if in.Opcode == wire.OpDisconnect {
			return nil
		}
		if err := u.session.Dispatch(u, in); err != nil {
			return fmt.Errorf("handling %q: %w", in.Opcode, err)
		}
	}
}
