// Package gateway accepts raw transport connections and routes each one to a
// session: a valid handshake either creates a new session under a fresh
// worker or joins an existing worker found in the registry, after which the
// connection is handed to that worker wholesale. The router never proxies
// bytes; once routed, a connection belongs to its worker.
//
// A Worker is the isolation unit owning exactly one session. The default
// worker runs the session on goroutines inside the gateway process; with
// per-session processes enabled, each session instead runs in a child
// process that receives its users' connections as descriptors over a control
// socket, so a crashing protocol backend takes down one session rather than
// the whole gateway.
//
// Server wraps the router in a TCP accept loop with rate limiting, a
// heartbeat that re-publishes live sessions to the directory, and graceful
// drain on shutdown.
package gateway
