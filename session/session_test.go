package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// newTestUser attaches a fresh user over an in-memory pipe and returns the
// client end for reading what the session sends.
func newTestUser(t *testing.T, s *Session, owner bool) (*User, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	u, err := NewUser(transport.NewConn(server), owner)
	if err != nil {
		t.Fatalf("NewUser failed: %v", err)
	}
	if err := s.AddUser(u, nil); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return u, client
}

func readAllInstructions(t *testing.T, conn net.Conn) []wire.Instruction {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := wire.NewReader(conn)
	var got []wire.Instruction
	for {
		in, err := r.ReadInstruction()
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("reading session output: %v", err)
		}
		got = append(got, in)
	}
}

func TestSessionIDFormat(t *testing.T) {
	s := newTestSession(t)
	if len(s.ID) != 37 {
		t.Fatalf("session id %q has length %d, want 37", s.ID, len(s.ID))
	}
	if s.ID[0] != IDPrefix {
		t.Fatalf("session id %q does not start with %q", s.ID, IDPrefix)
	}

	other := newTestSession(t)
	if other.ID == s.ID {
		t.Fatalf("two sessions minted the same id %q", s.ID)
	}
}

func TestLayerAndBufferNamespaces(t *testing.T) {
	s := newTestSession(t)

	l1 := s.AllocLayer()
	l2 := s.AllocLayer()
	if l1.Index < 1 || l2.Index < 1 {
		t.Fatalf("layer indices %d, %d, want >= 1", l1.Index, l2.Index)
	}
	if l1.Index == l2.Index {
		t.Fatalf("layer index %d issued twice", l1.Index)
	}

	b1 := s.AllocBuffer()
	if b1.Index > -1 {
		t.Fatalf("buffer index %d, want <= -1", b1.Index)
	}

	// A freed handle is reissued before the pool grows.
	s.FreeLayer(l1)
	l3 := s.AllocLayer()
	if l3.Index != l1.Index {
		t.Fatalf("realloc after free yielded %d, want %d", l3.Index, l1.Index)
	}

	// The default layer is never pool-issued and freeing it is a no-op.
	if DefaultLayer.Index != 0 {
		t.Fatalf("default layer index = %d", DefaultLayer.Index)
	}
	s.FreeLayer(DefaultLayer)
	if got := s.AllocLayer(); got.Index < 1 {
		t.Fatalf("allocation after freeing default layer yielded %d", got.Index)
	}
}

func TestStreamCapacity(t *testing.T) {
	s := newTestSession(t)

	open := make([]*Stream, 0, MaxStreams)
	for i := 0; i < MaxStreams; i++ {
		st, err := s.OpenStream()
		if err != nil {
			t.Fatalf("stream %d failed: %v", i, err)
		}
		open = append(open, st)
	}

	if _, err := s.OpenStream(); !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("stream beyond capacity returned %v, want ErrTooManyStreams", err)
	}

	// The failed allocation left no residue: closing one slot makes exactly
	// one allocation possible again.
	s.CloseStream(open[7])
	st, err := s.OpenStream()
	if err != nil {
		t.Fatalf("allocation after close failed: %v", err)
	}
	if st.Index != 7 {
		t.Fatalf("reallocated index %d, want 7", st.Index)
	}
	if _, err := s.OpenStream(); !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("capacity check degraded after churn: %v", err)
	}
}

func TestCloseStreamMarksSentinel(t *testing.T) {
	s := newTestSession(t)
	st, err := s.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	stale := st

	s.CloseStream(st)
	if stale.Index != ClosedStreamIndex {
		t.Fatalf("closed stream index = %d, want sentinel %d", stale.Index, ClosedStreamIndex)
	}
	// Double close is a no-op, not a pool corruption.
	s.CloseStream(stale)

	first, err := s.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream after close failed: %v", err)
	}
	second, err := s.OpenStream()
	if err != nil {
		t.Fatalf("second OpenStream failed: %v", err)
	}
	if first.Index == second.Index {
		t.Fatalf("index %d issued twice after double close", first.Index)
	}
}

func TestConcurrentStreamChurnHoldsBound(t *testing.T) {
	s := newTestSession(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				st, err := s.OpenStream()
				if err != nil {
					if !errors.Is(err, ErrTooManyStreams) {
						t.Errorf("OpenStream returned %v", err)
					}
					continue
				}
				s.CloseStream(st)
			}
		}()
	}
	wg.Wait()

	// After the churn settles the full capacity must be allocatable, and
	// not one slot more.
	for i := 0; i < MaxStreams; i++ {
		if _, err := s.OpenStream(); err != nil {
			t.Fatalf("allocation %d after churn failed: %v", i, err)
		}
	}
	if _, err := s.OpenStream(); !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("bound degraded after concurrent churn: %v", err)
	}
}

func TestInputStreamRange(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.InputStream(-1); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("negative index returned %v", err)
	}
	if _, err := s.InputStream(MaxStreams); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("index at capacity returned %v", err)
	}
	st, err := s.InputStream(3)
	if err != nil {
		t.Fatalf("InputStream failed: %v", err)
	}
	if st.Index != 3 {
		t.Fatalf("slot index = %d, want 3", st.Index)
	}
}

func TestDispatchUnknownOpcodeSucceeds(t *testing.T) {
	s := newTestSession(t)
	var handled atomic.Int32
	s.SetHandlers(Handlers{
		Ops: map[string]OpHandler{
			"mouse": func(s *Session, u *User, in wire.Instruction) error {
				handled.Add(1)
				return nil
			},
		},
	})

	u, client := newTestUser(t, s, true)
	go io.Copy(io.Discard, client)

	if err := s.Dispatch(u, wire.New("mouse", "1", "2")); err != nil {
		t.Fatalf("known opcode failed: %v", err)
	}
	if err := s.Dispatch(u, wire.New("no-such-opcode")); err != nil {
		t.Fatalf("unknown opcode returned %v, want nil", err)
	}
	if got := handled.Load(); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}

	// Once stopped, instructions are ignored rather than failed.
	s.Stop()
	if err := s.Dispatch(u, wire.New("mouse", "3", "4")); err != nil {
		t.Fatalf("dispatch after stop returned %v, want nil", err)
	}
	if got := handled.Load(); got != 1 {
		t.Fatalf("handler ran after stop (%d calls)", got)
	}
}

func TestAddUserJoinFailureLeavesNoTrace(t *testing.T) {
	s := newTestSession(t)
	joinErr := errors.New("nope")
	s.SetHandlers(Handlers{
		Join: func(s *Session, u *User, args []string) error { return joinErr },
	})

	server, _ := net.Pipe()
	defer server.Close()
	u, err := NewUser(transport.NewConn(server), true)
	if err != nil {
		t.Fatalf("NewUser failed: %v", err)
	}
	if err := s.AddUser(u, []string{"a"}); !errors.Is(err, joinErr) {
		t.Fatalf("AddUser returned %v, want join error", err)
	}
	if got := s.Users(); got != 0 {
		t.Fatalf("user linked despite join failure: %d users", got)
	}
	if s.users != nil {
		t.Fatalf("list head non-nil after failed join")
	}
}

func TestMembershipReturnsToInitialState(t *testing.T) {
	s := newTestSession(t)

	u1, c1 := newTestUser(t, s, true)
	u2, c2 := newTestUser(t, s, false)
	u3, c3 := newTestUser(t, s, false)
	go io.Copy(io.Discard, c1)
	go io.Copy(io.Discard, c2)
	go io.Copy(io.Discard, c3)

	if got := s.Users(); got != 3 {
		t.Fatalf("Users() = %d, want 3", got)
	}
	if s.users != u3 {
		t.Fatalf("newest user is not the list head")
	}
	if s.Owner() != u1 {
		t.Fatalf("owner not tracked")
	}

	// Remove the middle member, then the rest, in arbitrary order.
	if !s.RemoveUser(u2) {
		t.Fatalf("RemoveUser(u2) reported already detached")
	}
	if s.users != u3 || u3.next != u1 || u1.prev != u3 {
		t.Fatalf("middle removal broke links")
	}
	if s.RemoveUser(u2) {
		t.Fatalf("second RemoveUser(u2) succeeded")
	}
	s.RemoveUser(u3)
	s.RemoveUser(u1)

	if got := s.Users(); got != 0 {
		t.Fatalf("Users() = %d after removing all, want 0", got)
	}
	if s.users != nil {
		t.Fatalf("list head = %v, want nil", s.users)
	}
	if s.Owner() != nil {
		t.Fatalf("owner survives detach")
	}
}

func TestLeaveCallbackPreference(t *testing.T) {
	s := newTestSession(t)
	var sessionLeaves, userLeaves atomic.Int32
	s.SetHandlers(Handlers{
		Leave: func(s *Session, u *User) { sessionLeaves.Add(1) },
	})

	withOwn, c1 := newTestUser(t, s, true)
	withOwn.OnLeave = func(u *User) { userLeaves.Add(1) }
	plain, c2 := newTestUser(t, s, false)
	go io.Copy(io.Discard, c1)
	go io.Copy(io.Discard, c2)

	s.RemoveUser(withOwn)
	s.RemoveUser(plain)

	if got := userLeaves.Load(); got != 1 {
		t.Fatalf("user's own leave callback ran %d times, want 1", got)
	}
	if got := sessionLeaves.Load(); got != 1 {
		t.Fatalf("session leave callback ran %d times, want 1", got)
	}
}

func TestDestroyDetachesEveryUserExactlyOnce(t *testing.T) {
	s := newTestSession(t)
	var leaves atomic.Int32
	s.SetHandlers(Handlers{
		Leave: func(s *Session, u *User) { leaves.Add(1) },
	})

	const attached = 5
	for i := 0; i < attached; i++ {
		_, client := newTestUser(t, s, i == 0)
		go io.Copy(io.Discard, client)
	}

	// Attach attempts racing the teardown either fully join (and are then
	// detached by Destroy) or fail with ErrSessionClosed; either way their
	// join/leave callbacks stay paired.
	var raceJoins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server, client := net.Pipe()
			defer client.Close()
			u, err := NewUser(transport.NewConn(server), false)
			if err != nil {
				t.Errorf("NewUser: %v", err)
				return
			}
			go io.Copy(io.Discard, client)
			if err := s.AddUser(u, nil); err == nil {
				raceJoins.Add(1)
			} else if !errors.Is(err, ErrSessionClosed) {
				t.Errorf("racing AddUser returned %v", err)
			}
		}()
	}

	s.Destroy()
	wg.Wait()

	if got := s.Users(); got != 0 {
		t.Fatalf("Users() = %d after destroy, want 0", got)
	}
	want := int32(attached) + raceJoins.Load()
	if got := leaves.Load(); got != want {
		t.Fatalf("leave callbacks = %d, want %d", got, want)
	}
}

func TestAbortBroadcastsExactlyOnce(t *testing.T) {
	s := newTestSession(t)

	_, c1 := newTestUser(t, s, true)
	_, c2 := newTestUser(t, s, false)

	s.Abort(wire.StatusServerError, "backend failed: %s", "disk gone")
	s.Abort(wire.StatusServerBusy, "second abort must be silent")
	s.Stop()

	if s.State() != StateStopping {
		t.Fatalf("state = %v after abort, want stopping", s.State())
	}
	select {
	case <-s.Stopped():
	default:
		t.Fatalf("Stopped channel not closed after abort")
	}

	s.Destroy()

	for i, client := range []net.Conn{c1, c2} {
		got := readAllInstructions(t, client)
		var errs int
		for _, in := range got {
			if in.Opcode == wire.OpError {
				errs++
				if in.Arg(0) != "Aborted. See logs." {
					t.Fatalf("user %d: diagnostic message %q", i, in.Arg(0))
				}
				if in.Arg(1) != "512" {
					t.Fatalf("user %d: diagnostic status %q, want %q", i, in.Arg(1), "512")
				}
			}
		}
		if errs != 1 {
			t.Fatalf("user %d received %d terminal diagnostics, want 1", i, errs)
		}
	}
}

func TestBroadcastReachesExactlyTheAttachedSet(t *testing.T) {
	s := newTestSession(t)

	_, c1 := newTestUser(t, s, true)
	_, c2 := newTestUser(t, s, false)

	b := s.Broadcast()
	b.WriteInstruction(wire.New("sync", "100"))

	_, c3 := newTestUser(t, s, false)
	b.WriteInstruction(wire.New("sync", "200"))
	b.Flush()

	s.Destroy()

	for i, client := range []net.Conn{c1, c2} {
		got := readAllInstructions(t, client)
		if len(got) != 2 || got[0].Arg(0) != "100" || got[1].Arg(0) != "200" {
			t.Fatalf("early user %d received %+v", i, got)
		}
	}
	got := readAllInstructions(t, c3)
	if len(got) != 1 || got[0].Arg(0) != "200" {
		t.Fatalf("late user received %+v, want only the second sync", got)
	}
}

func TestSlowUserIsKickedNotBlockedOn(t *testing.T) {
	s := newTestSession(t)

	// The client end never reads, so the pipe jams and the outbox fills.
	u, _ := newTestUser(t, s, true)

	var overrun bool
	for i := 0; i < 4*outboxDepth; i++ {
		if err := u.Send(wire.New("blob", "0", "xxxxxxxxxxxxxxxx")); err != nil {
			if !errors.Is(err, ErrOverrun) && !errors.Is(err, ErrUserDetached) {
				t.Fatalf("Send returned %v", err)
			}
			overrun = true
			break
		}
	}
	if !overrun {
		t.Fatalf("no overrun after %d unread sends", 4*outboxDepth)
	}
	if !u.kicked.Load() {
		t.Fatalf("overrun did not kick the user")
	}
	s.Destroy()
}

func TestRunDispatchesUntilDisconnect(t *testing.T) {
	s := newTestSession(t)
	var mu sync.Mutex
	var seen []string
	s.SetHandlers(Handlers{
		Ops: map[string]OpHandler{
			"key": func(s *Session, u *User, in wire.Instruction) error {
				mu.Lock()
				seen = append(seen, in.Arg(0))
				mu.Unlock()
				return nil
			},
		},
	})

	u, client := newTestUser(t, s, true)
	go io.Copy(io.Discard, client)

	done := make(chan error, 1)
	go func() { done <- u.Run() }()

	client.Write([]byte(wire.New("key", "65").String()))
	client.Write([]byte(wire.New("ignored").String()))
	client.Write([]byte(wire.New("key", "66").String()))
	client.Write([]byte(wire.Disconnect().String()))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "65" || seen[1] != "66" {
		t.Fatalf("handled keys %v", seen)
	}
}
