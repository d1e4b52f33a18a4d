package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/deskmux/deskmux/backend"
	"github.com/deskmux/deskmux/directory"
	"github.com/deskmux/deskmux/internal/logctx"
	"github.com/deskmux/deskmux/session"
	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

// DefaultHandshakeTimeout bounds how long a new connection gets to produce
// its select instruction before being rejected.
const DefaultHandshakeTimeout = 15 * time.Second

var (
	// ErrUnknownSession reports a join whose identifier is not in the
	// registry.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownProtocol reports a create naming a protocol no registered
	// driver serves.
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// spawner starts a new worker for a protocol driver. The default spawner is
// chosen by configuration: in-process goroutine workers or per-session child
// processes.
type spawner func(ctx context.Context, drv backend.Driver, log *slog.Logger) (Worker, error)

// Router turns raw connections into routed users. Each connection's
// handshake is one select instruction whose single argument either names a
// protocol (creating a session) or presents a session identifier (joining
// one). Anything else is rejected without touching session or registry
// state.
type Router struct {
	log     *slog.Logger
	reg     *Registry
	dir     directory.Directory
	node    string
	lease   time.Duration
	timeout time.Duration
	spawn   spawner
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router's logger.
func WithRouterLogger(log *slog.Logger) RouterOption {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithDirectory sets the directory new sessions are announced to and join
// misses are checked against. Without one, the router serves purely from its
// local registry.
func WithDirectory(dir directory.Directory) RouterOption {
	return func(r *Router) { r.dir = dir }
}

// WithNode sets the address this gateway advertises in directory records.
func WithNode(addr string) RouterOption {
	return func(r *Router) { r.node = addr }
}

// WithLease sets the directory lease duration for announced sessions.
func WithLease(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithHandshakeTimeout bounds the handshake read.
func WithHandshakeTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithProcessWorkers makes the router spawn one child process per new
// session instead of in-process goroutine workers.
func WithProcessWorkers() RouterOption {
	return func(r *Router) { r.spawn = spawnProcWorkerFor }
}

func spawnInprocWorkerFor(ctx context.Context, drv backend.Driver, log *slog.Logger) (Worker, error) {
	return newInprocWorker(ctx, drv, log)
}

func spawnProcWorkerFor(ctx context.Context, drv backend.Driver, log *slog.Logger) (Worker, error) {
	return spawnProcWorker(ctx, drv, log)
}

// NewRouter returns a router serving joins from reg. New sessions default to
// in-process workers and a 15 second handshake timeout.
func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{
		log:     slog.Default(),
		reg:     reg,
		lease:   time.Minute,
		timeout: DefaultHandshakeTimeout,
		spawn:   spawnInprocWorkerFor,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route performs the handshake on raw and hands the connection to a worker.
// On any failure the connection receives at most one error instruction and
// is closed; failures before routing completes never leave session or
// registry state behind. The returned error is for the caller's log only.
func (r *Router) Route(ctx context.Context, raw net.Conn) error {
	conn := transport.NewConn(raw)

	in, err := wire.Expect(conn, r.timeout, wire.OpSelect)
	if err != nil {
		r.reject(ctx, conn, wire.StatusClientBadRequest, "expected select")
		return fmt.Errorf("handshake: %w", err)
	}
	if len(in.Args) != 1 {
		r.reject(ctx, conn, wire.StatusClientBadRequest, "select takes exactly one argument")
		return fmt.Errorf("handshake: select carried %d arguments, want 1", len(in.Args))
	}

	target := in.Arg(0)
	if target != "" && target[0] == session.IDPrefix {
		return r.join(ctx, conn, target)
	}
	return r.create(ctx, conn, target)
}

// join attaches the connection to the worker registered under id.
func (r *Router) join(ctx context.Context, conn *transport.Conn, id string) error {
	w, ok := r.reg.Lookup(id)
	if !ok {
		// A directory hit for a session another node owns deserves a more
		// useful diagnostic than a plain miss; the answer is still no.
		if r.dir != nil {
			if rec, err := r.dir.Lookup(ctx, id); err == nil && rec.Node != r.node {
				r.reject(ctx, conn, wire.StatusNotFound, "session is served by "+rec.Node)
				return fmt.Errorf("join %q: %w (served by %s)", id, ErrUnknownSession, rec.Node)
			}
		}
		r.reject(ctx, conn, wire.StatusNotFound, "no such session")
		return fmt.Errorf("join %q: %w", id, ErrUnknownSession)
	}

	if err := w.Attach(conn.NetConn()); err != nil {
		r.reject(ctx, conn, wire.StatusServerBusy, "session is not accepting users")
		return fmt.Errorf("joining %q: %w", id, err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: id,
		Protocol:  w.Protocol(),
	})
	r.log.InfoContext(ctx, "router.join")
	return nil
}

// create spawns a fresh worker for the named protocol and attaches the
// connection as its first user. The session becomes joinable (registered and
// announced) only once that first attach has succeeded; a worker that never
// gets its first user is discarded unpublished.
func (r *Router) create(ctx context.Context, conn *transport.Conn, protocol string) error {
	drv, ok := backend.Lookup(protocol)
	if !ok {
		r.reject(ctx, conn, wire.StatusNotFound, fmt.Sprintf("unsupported protocol %q", protocol))
		return fmt.Errorf("create: %w: %q", ErrUnknownProtocol, protocol)
	}

	w, err := r.spawn(ctx, drv, r.log)
	if err != nil {
		r.reject(ctx, conn, wire.StatusServerError, "could not start session")
		return fmt.Errorf("starting %s worker: %w", protocol, err)
	}

	if err := w.Attach(conn.NetConn()); err != nil {
		w.Stop()
		r.reject(ctx, conn, wire.StatusServerError, "could not join new session")
		return fmt.Errorf("attaching first user to %q: %w", w.ID(), err)
	}

	if err := r.reg.Add(w.ID(), w); err != nil {
		// Only possible if the 122 random bits of two session ids collide.
		w.Stop()
		return fmt.Errorf("registering %q: %w", w.ID(), err)
	}
	r.announce(ctx, w)
	go r.supervise(w)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: w.ID(),
		Protocol:  protocol,
	})
	r.log.InfoContext(ctx, "router.create")
	return nil
}

// supervise awaits the worker's exit and retires its public identity: the
// registry entry goes exactly once, then the directory announcement. The
// worker itself has already torn its session down by the time Done closes.
func (r *Router) supervise(w Worker) {
	<-w.Done()
	if _, ok := r.reg.Remove(w.ID()); ok {
		r.log.Info("router.session.closed",
			slog.String("session_id", w.ID()),
			slog.String("protocol", w.Protocol()))
	}
	if r.dir != nil {
		if err := r.dir.Remove(context.Background(), w.ID()); err != nil {
			r.log.Warn("router.withdraw.fail",
				slog.String("session_id", w.ID()),
				slog.String("err", err.Error()))
		}
	}
}

// announce publishes the worker's session to the directory, best effort.
func (r *Router) announce(ctx context.Context, w Worker) {
	if r.dir == nil {
		return
	}
	rec := directory.Record{
		ID:         w.ID(),
		Protocol:   w.Protocol(),
		Node:       r.node,
		Users:      w.Users(),
		Created:    w.Started(),
		LastActive: w.LastActive(),
	}
	if err := r.dir.Publish(ctx, rec, r.lease); err != nil {
		r.log.Warn("router.announce.fail",
			slog.String("session_id", w.ID()),
			slog.String("err", err.Error()))
	}
}

// reject closes the handshake with a single best-effort error instruction.
// Rejections never mutate registry or session state.
func (r *Router) reject(ctx context.Context, conn *transport.Conn, status wire.Status, msg string) {
	conn.WriteInstruction(wire.Error(msg, status))
	conn.Flush()
	conn.Close()
	r.log.InfoContext(ctx, "router.reject",
		slog.String("status", status.String()),
		slog.String("reason", msg))
}
