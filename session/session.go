package session

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deskmux/deskmux/pool"
	"github.com/deskmux/deskmux/wire"
)

// IDPrefix is the marker byte that distinguishes a session identifier from a
// protocol name in a handshake argument. A full identifier is exactly 37
// bytes: the marker plus a canonical UUID.
const IDPrefix = '$'

// userIDPrefix marks user identifiers, which never appear in handshakes.
const userIDPrefix = '@'

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrTooManyStreams = errors.New("stream capacity reached")
	ErrInvalidStream  = errors.New("stream index out of range")
)

// State is a session's lifecycle phase. Sessions only move forward: Running
// to Stopping, never back.
type State int32

const (
	StateRunning State = iota
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// OpHandler handles one instruction opcode for a session. A non-nil error
// retires the user whose instruction it was.
type OpHandler func(s *Session, u *User, in wire.Instruction) error

// Handlers is the set of callbacks a backend driver installs on a session.
// Any field may be nil.
type Handlers struct {
	// Join runs when a user attaches, before the user becomes visible to
	// iteration or broadcast. A non-nil error rejects the attach.
	Join func(s *Session, u *User, args []string) error

	// Leave runs when a user detaches, unless the user carries its own
	// OnLeave callback. It runs before the user is unlinked, so the user is
	// still visible to iteration.
	Leave func(s *Session, u *User)

	// Free runs once during Destroy, after the last user has been detached.
	// Its error is logged, never escalated.
	Free func(s *Session) error

	// Ops maps instruction opcodes to handlers. Opcodes absent from the map
	// are ignored as forward-compatible no-ops.
	Ops map[string]OpHandler
}

// Session is one remote-access session. Create with New.
type Session struct {
	// ID is the public session identifier, fixed at creation.
	ID string

	// Data carries backend driver state for the life of the session.
	Data any

	log     *slog.Logger
	created time.Time

	lastActive atomic.Int64
	state      atomic.Int32
	stopped    chan struct{}

	layers  *pool.Pool
	buffers *pool.Pool

	// streamMu makes the bound check and the draw in OpenStream one atomic
	// step against concurrent allocators on the same session.
	streamMu sync.Mutex
	streams  *pool.Pool

	outStreams [MaxStreams]Stream
	inStreams  [MaxStreams]Stream

	handlers Handlers

	mu        sync.Mutex
	users     *User
	userCount int
	owner     *User
	closed    bool

	bcast Broadcast
}

// Option configures a Session at creation.
type Option func(*Session)

// WithLogger sets the logger the session and its users log through.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a running session with a freshly minted identifier and empty
// pools. All stream slots start closed.
func New(opts ...Option) (*Session, error) {
	id, err := newID(IDPrefix)
	if err != nil {
		return nil, fmt.Errorf("minting session id: %w", err)
	}

	s := &Session{
		ID:      id,
		log:     slog.Default(),
		created: time.Now(),
		stopped: make(chan struct{}),
		layers:  pool.New(),
		buffers: pool.New(),
		streams: pool.New(),
	}
	for i := range s.outStreams {
		s.outStreams[i].Index = ClosedStreamIndex
		s.inStreams[i].Index = ClosedStreamIndex
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("session_id", s.ID))
	s.bcast.s = s
	s.lastActive.Store(s.created.UnixNano())
	return s, nil
}

func newID(prefix byte) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return string(prefix) + u.String(), nil
}

// Logger returns the session's logger, tagged with the session id.
func (s *Session) Logger() *slog.Logger { return s.log }

// Created reports when the session was created.
func (s *Session) Created() time.Time { return s.created }

// LastActive reports the last time an instruction was dispatched or a user
// attached.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// State reports the session's lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stopped returns a channel closed once the session leaves the running
// state, whether by Stop or Abort.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}

// SetHandlers installs the backend driver's callbacks. Call once, before the
// first user attaches.
func (s *Session) SetHandlers(h Handlers) {
	s.handlers = h
}

// Users reports how many users are currently attached.
func (s *Session) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userCount
}

// Owner returns the user that created the session, or nil once that user
// has detached.
func (s *Session) Owner() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Broadcast returns the session's write-only fan-out sink. Instructions
// written to it reach every user attached at the moment of the write.
func (s *Session) Broadcast() *Broadcast {
	return &s.bcast
}

// Dispatch routes one instruction from u through the opcode table. Unknown
// opcodes succeed without effect. Instructions arriving after the session
// has stopped are ignored.
func (s *Session) Dispatch(u *User, in wire.Instruction) error {
	if s.State() != StateRunning {
		return nil
	}
	s.touch()
	h := s.handlers.Ops[in.Opcode]
	if h == nil {
		return nil
	}
	return h(s, u, in)
}

// Stop moves the session to the stopping state. Idempotent.
func (s *Session) Stop() {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		close(s.stopped)
	}
}

// Abort stops the session over a fault: the reason is logged, every
// currently attached user receives one terminal error instruction, and the
// session moves to stopping. Only the first abort or stop wins; later calls
// do nothing, so the terminal instruction is sent at most once.
func (s *Session) Abort(status wire.Status, format string, args ...any) {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	reason := fmt.Sprintf(format, args...)
	s.log.Error("session.abort",
		slog.String("status", status.String()),
		slog.String("reason", reason))

	b := s.Broadcast()
	b.WriteInstruction(wire.Error("Aborted. See logs.", status))
	b.Flush()

	close(s.stopped)
}

// Destroy tears the session down: every attached user is detached through
// the normal departure path, the driver's Free callback runs, and the
// session stops if it had not already. Concurrent attach attempts fail from
// the moment Destroy begins.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	// Detaching the head repeatedly tolerates concurrent detaches: losing
	// the race just means re-reading the new head.
	for {
		s.mu.Lock()
		u := s.users
		s.mu.Unlock()
		if u == nil {
			break
		}
		if !s.RemoveUser(u) {
			runtime.Gosched()
		}
	}

	if s.handlers.Free != nil {
		if err := s.handlers.Free(s); err != nil {
			s.log.Warn("session.free.fail", slog.String("err", err.Error()))
		}
	}
	s.Stop()
}
