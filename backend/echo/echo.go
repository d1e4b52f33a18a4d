// Package echo is a loopback protocol backend used by the examples and the
// end-to-end tests. It reflects "echo" instructions back to their sender,
// relays "say" instructions to every attached user, and announces joins and
// leaves.
package echo

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/deskmux/deskmux/backend"
	"github.com/deskmux/deskmux/session"
	"github.com/deskmux/deskmux/wire"
)

// Driver implements backend.Driver for the echo protocol.
type Driver struct{}

var _ backend.Driver = Driver{}

func init() {
	backend.Register(Driver{})
}

func (Driver) Protocol() string { return "echo" }

// state is the per-session echo state: a running count of relayed
// instructions, reported at teardown.
type state struct {
	relayed atomic.Int64
}

func (Driver) Open(ctx context.Context, s *session.Session) error {
	st := &state{}
	s.Data = st

	s.SetHandlers(session.Handlers{
		Join: func(s *session.Session, u *session.User, args []string) error {
			s.Broadcast().WriteInstruction(wire.New("join", u.ID))
			s.Broadcast().Flush()
			return nil
		},
		Leave: func(s *session.Session, u *session.User) {
			s.Broadcast().WriteInstruction(wire.New("leave", u.ID))
			s.Broadcast().Flush()
		},
		Free: func(s *session.Session) error {
			s.Logger().Info("echo.session.done",
				slog.Int64("relayed", st.relayed.Load()))
			return nil
		},
		Ops: map[string]session.OpHandler{
			"echo": func(s *session.Session, u *session.User, in wire.Instruction) error {
				st.relayed.Add(1)
				return u.Send(wire.New("echo", in.Args...))
			},
			"say": func(s *session.Session, u *session.User, in wire.Instruction) error {
				st.relayed.Add(1)
				args := append([]string{u.ID}, in.Args...)
				b := s.Broadcast()
				b.WriteInstruction(wire.New("say", args...))
				return b.Flush()
			},
		},
	})
	return nil
}
