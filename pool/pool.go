// Package pool provides the reusable small-integer allocator that backs a
// session's layer, buffer, and stream handle spaces. Integers released back
// to the pool are reissued before any new integer is minted, keeping handle
// spaces dense no matter how much churn a long-lived session sees.
package pool

import (
	"sync"

	"github.com/eapache/queue"
)

// Pool hands out non-negative integers starting from zero. Freed integers
// are reissued in FIFO order before the monotonic counter is advanced, so
// for any sequence of Next/Free calls the outstanding integers are pairwise
// distinct and the pool never grows past its historical peak.
//
// A Pool is safe for concurrent use by multiple goroutines. The zero value
// is not usable; call New.
type Pool struct {
	mu     sync.Mutex
	next   int
	active int
	free   *queue.Queue
}

// New returns an empty pool whose first minted integer is 0.
func New() *Pool {
	return &Pool{free: queue.New()}
}

// Next returns the next available integer, preferring previously freed
// integers over minting new ones. It never blocks.
func (p *Pool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active++
	if p.free.Length() > 0 {
		return p.free.Remove().(int)
	}

	v := p.next
	p.next++
	return v
}

// Free returns i to the pool for reuse by a later Next. Freeing an integer
// that is not currently outstanding corrupts the pool; enforcing that
// discipline is the caller's responsibility.
func (p *Pool) Free(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--
	p.free.Add(i)
}

// Active reports how many integers are currently outstanding.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
