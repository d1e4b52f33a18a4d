// Package transport owns the byte-level view of a client connection and the
// machinery for moving one between processes.
//
// Conn gives every connection the same write discipline: instruction writes
// are serialized under a lock and buffered until Flush, while reads pass
// straight through to the underlying connection so that handing the
// connection to a new owner never strands bytes in this layer.
//
// The descriptor-passing half (Pair, SendConn, Recv) moves live connections
// into per-session worker processes over a Unix socket pair using SCM_RIGHTS
// control messages.
package transport
