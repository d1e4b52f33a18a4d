package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeWorker satisfies Worker without any session behind it.
type fakeWorker struct {
	id    string
	proto string

	mu       sync.Mutex
	users    int
	attached []net.Conn
	done     chan struct{}
}

var _ Worker = (*fakeWorker)(nil)

func newFakeWorker(id string) *fakeWorker {
	return &fakeWorker{id: id, proto: "fake", done: make(chan struct{})}
}

func (w *fakeWorker) ID() string            { return w.id }
func (w *fakeWorker) Protocol() string      { return w.proto }
func (w *fakeWorker) Started() time.Time    { return time.Time{} }
func (w *fakeWorker) LastActive() time.Time { return time.Time{} }
func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) Users() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.users
}

func (w *fakeWorker) Attach(conn net.Conn) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return ErrWorkerClosed
	default:
	}
	w.users++
	w.attached = append(w.attached, conn)
	return nil
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func TestRegistryAddLookupRemove(t *testing.T) {
	reg := NewRegistry()
	w := newFakeWorker("$11111111-2222-4333-8444-555555555555")

	if _, ok := reg.Lookup(w.ID()); ok {
		t.Fatalf("Lookup on empty registry reported a hit")
	}
	if err := reg.Add(w.ID(), w); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, ok := reg.Lookup(w.ID())
	if !ok || got != Worker(w) {
		t.Fatalf("Lookup = (%v, %v), want the added worker", got, ok)
	}
	if n := reg.Len(); n != 1 {
		t.Fatalf("Len() = %d, want 1", n)
	}

	evicted, removed := reg.Remove(w.ID())
	if !removed || evicted != Worker(w) {
		t.Fatalf("Remove = (%v, %v), want the added worker", evicted, removed)
	}
	if _, ok := reg.Lookup(w.ID()); ok {
		t.Fatalf("Lookup after Remove reported a hit")
	}
	if _, ok := reg.Remove(w.ID()); ok {
		t.Fatalf("second Remove reported a hit; removal must have one winner")
	}
}

func TestRegistryNeverOverwrites(t *testing.T) {
	reg := NewRegistry()
	id := "$aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
	first := newFakeWorker(id)
	second := newFakeWorker(id)

	if err := reg.Add(id, first); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := reg.Add(id, second); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("duplicate Add returned %v, want ErrSessionExists", err)
	}
	got, _ := reg.Lookup(id)
	if got != Worker(first) {
		t.Fatalf("duplicate Add displaced the original worker")
	}
}

func TestRegistryConcurrentReadersAndWriters(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("$%08d-0000-4000-8000-%012d", i, j)
				w := newFakeWorker(id)
				if err := reg.Add(id, w); err != nil {
					t.Errorf("Add(%s) failed: %v", id, err)
					return
				}
				if _, ok := reg.Lookup(id); !ok {
					t.Errorf("Lookup(%s) missed its own add", id)
					return
				}
				reg.Workers()
				if _, ok := reg.Remove(id); !ok {
					t.Errorf("Remove(%s) missed", id)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if n := reg.Len(); n != 0 {
		t.Fatalf("Len() = %d after matched add/remove pairs, want 0", n)
	}
}
