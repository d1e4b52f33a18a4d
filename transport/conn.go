package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/deskmux/deskmux/wire"
)

// WriteFlusher is the write side of a connection as session code sees it:
// whole instructions in, delivery on Flush. Both Conn and a session's
// broadcast sink satisfy it.
type WriteFlusher interface {
	WriteInstruction(in wire.Instruction) error
	Flush() error
}

// Conn wraps a network connection for use by a session participant. Writes
// from any goroutine are safe and buffered; reads are unbuffered and belong
// to a single reader at a time.
type Conn struct {
	raw net.Conn

	mu      sync.Mutex
	bw      *bufio.Writer
	scratch []byte
}

var _ WriteFlusher = (*Conn)(nil)

// NewConn wraps raw. The wrapper assumes ownership of the write side; all
// writes must go through it from then on.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, bw: bufio.NewWriter(raw)}
}

// Read reads directly from the underlying connection.
func (c *Conn) Read(p []byte) (int, error) {
	return c.raw.Read(p)
}

// Write appends raw bytes to the write buffer. It exists for relaying
// already-encoded frames; most callers want WriteInstruction.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bw.Write(p)
}

// WriteInstruction encodes in and appends it to the write buffer atomically
// with respect to other writers.
func (c *Conn) WriteInstruction(in wire.Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scratch = in.Append(c.scratch[:0])
	_, err := c.bw.Write(c.scratch)
	return err
}

// Flush pushes buffered writes to the peer.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bw.Flush()
}

// SetReadDeadline bounds the next Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// NetConn returns the underlying connection for hand-off to another owner.
// The caller must stop using the wrapper once the hand-off happens.
func (c *Conn) NetConn() net.Conn {
	return c.raw
}

// Close closes the underlying connection. Buffered writes are not flushed;
// callers that care flush first.
func (c *Conn) Close() error {
	return c.raw.Close()
}
