// Package backendtest provides a conformance suite for backend.Driver
// implementations. Driver packages run it from their own tests:
//
//	func TestConformance(t *testing.T) {
//		backendtest.Run(t, func(t *testing.T) backend.Driver {
//			return mydriver.Driver{}
//		})
//	}
package backendtest

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/deskmux/deskmux/backend"
	"github.com/deskmux/deskmux/session"
	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

// Run exercises the generic driver contract against a fresh driver from mk.
func Run(t *testing.T, mk func(t *testing.T) backend.Driver) {
	t.Helper()

	t.Run("ProtocolNameStable", func(t *testing.T) {
		d := mk(t)
		name := d.Protocol()
		if name == "" {
			t.Fatalf("driver reports an empty protocol name")
		}
		if again := d.Protocol(); again != name {
			t.Fatalf("protocol name changed between calls: %q then %q", name, again)
		}
	})

	t.Run("OpenPreparesSessionForAttach", func(t *testing.T) {
		d := mk(t)
		s := openSession(t, d)
		defer s.Destroy()

		u := attachUser(t, s, true)
		if got := s.Users(); got != 1 {
			t.Fatalf("Users() = %d after attach, want 1", got)
		}

		// Opcodes the driver does not define must be tolerated.
		if err := s.Dispatch(u, wire.New("backendtest-unknown-opcode")); err != nil {
			t.Fatalf("unknown opcode rejected: %v", err)
		}
	})

	t.Run("SessionsAreIndependent", func(t *testing.T) {
		d := mk(t)
		first := openSession(t, d)
		second := openSession(t, d)

		attachUser(t, first, true)
		attachUser(t, second, true)

		first.Destroy()
		if second.State() != session.StateRunning {
			t.Fatalf("destroying one session stopped another")
		}
		if got := second.Users(); got != 1 {
			t.Fatalf("second session lost its user: %d", got)
		}
		second.Destroy()
	})

	t.Run("DestroyAfterOpenWithoutUsers", func(t *testing.T) {
		d := mk(t)
		s := openSession(t, d)
		s.Destroy()
		if s.State() != session.StateStopping {
			t.Fatalf("state = %v after destroy, want stopping", s.State())
		}
	})
}

func openSession(t *testing.T, d backend.Driver) *session.Session {
	t.Helper()
	s, err := session.New()
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	if err := d.Open(context.Background(), s); err != nil {
		t.Fatalf("driver Open failed: %v", err)
	}
	return s
}

func attachUser(t *testing.T, s *session.Session, owner bool) *session.User {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	go io.Copy(io.Discard, client)

	u, err := session.NewUser(transport.NewConn(server), owner)
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if err := s.AddUser(u, nil); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	return u
}
