package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deskmux/deskmux/backend"
	"github.com/deskmux/deskmux/session"
	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

// ctrlFd is the descriptor number a worker child inherits its control socket
// on: the first entry of exec.Cmd.ExtraFiles, after stdin/stdout/stderr.
const ctrlFd = 3

// readyTimeout bounds how long the parent waits for a spawned child to
// report its session identifier before declaring the spawn failed.
const readyTimeout = 15 * time.Second

// stopGrace is how long a stopped child process gets to exit on its own
// before the parent kills it.
const stopGrace = 10 * time.Second

// procWorker is the parent-side handle of a per-session child process. The
// child owns the session; the parent only hands descriptors across the
// control socket and watches for exit, so a crashing backend takes down one
// session, not the gateway.
type procWorker struct {
	id      string
	proto   string
	log     *slog.Logger
	cmd     *exec.Cmd
	started time.Time

	ctrlMu sync.Mutex
	ctrl   *net.UnixConn

	users      atomic.Int64
	lastAttach atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

var _ Worker = (*procWorker)(nil)

// spawnProcWorker re-execs this binary in worker mode for the given
// protocol, with a control socket as the child's descriptor 3, and waits for
// the child to announce its session identifier. On any failure the child is
// reaped and nothing survives.
func spawnProcWorker(ctx context.Context, drv backend.Driver, log *slog.Logger) (*procWorker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own binary: %w", err)
	}

	ctrl, childEnd, err := transport.Pair()
	if err != nil {
		return nil, fmt.Errorf("creating control socket: %w", err)
	}

	cmd := exec.Command(exe, "--worker", "--protocol", drv.Protocol())
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		ctrl.Close()
		childEnd.Close()
		return nil, fmt.Errorf("starting worker process: %w", err)
	}
	// The child holds its own copy now.
	childEnd.Close()

	in, err := wire.Expect(ctrl, readyTimeout, wire.OpReady)
	if err != nil {
		// A well-formed error instruction in place of ready carries the
		// child's own diagnosis (for example an unregistered protocol).
		if errors.Is(err, wire.ErrWrongOpcode) && in.Opcode == wire.OpError {
			err = fmt.Errorf("worker process: %s", in.Arg(0))
		}
		ctrl.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("awaiting worker ready: %w", err)
	}
	id := in.Arg(0)
	if len(id) != 37 || id[0] != session.IDPrefix {
		ctrl.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("worker announced malformed session id %q", id)
	}

	w := &procWorker{
		id:      id,
		proto:   drv.Protocol(),
		log:     log.With(slog.String("session_id", id), slog.String("protocol", drv.Protocol())),
		cmd:     cmd,
		started: time.Now(),
		ctrl:    ctrl,
		done:    make(chan struct{}),
	}
	w.lastAttach.Store(w.started.UnixNano())

	go func() {
		err := cmd.Wait()
		ctrl.Close()
		if err != nil {
			w.log.Warn("worker.proc.exit", slog.String("err", err.Error()))
		} else {
			w.log.Info("worker.proc.exit")
		}
		close(w.done)
	}()
	return w, nil
}

func (w *procWorker) ID() string         { return w.id }
func (w *procWorker) Protocol() string   { return w.proto }
func (w *procWorker) Started() time.Time { return w.started }

func (w *procWorker) LastActive() time.Time {
	return time.Unix(0, w.lastAttach.Load())
}

func (w *procWorker) Users() int {
	return int(w.users.Load())
}

func (w *procWorker) Done() <-chan struct{} { return w.done }

// Attach duplicates conn's descriptor into the child and closes the parent's
// copy. The child attaches the user and greets it; the parent never reads or
// writes the connection again.
func (w *procWorker) Attach(conn net.Conn) error {
	select {
	case <-w.done:
		return ErrWorkerClosed
	default:
	}

	w.ctrlMu.Lock()
	err := transport.SendConn(w.ctrl, conn)
	w.ctrlMu.Unlock()
	if err != nil {
		return fmt.Errorf("handing off descriptor: %w", err)
	}

	w.users.Add(1)
	w.lastAttach.Store(time.Now().UnixNano())
	conn.Close()
	return nil
}

// Stop asks the child to shut down and kills it if it lingers past the
// grace period. The exit is observed by the Wait goroutine either way.
func (w *procWorker) Stop() {
	w.stopOnce.Do(func() {
		w.ctrlMu.Lock()
		err := transport.SendToken(w.ctrl, transport.TokenQuit)
		w.ctrlMu.Unlock()
		if err != nil {
			w.log.Warn("worker.stop.send.fail", slog.String("err", err.Error()))
		}
		go func() {
			select {
			case <-w.done:
			case <-time.After(stopGrace):
				w.log.Warn("worker.stop.timeout")
				w.cmd.Process.Kill()
			}
		}()
	})
}

// WorkerMain is the entry point of a per-session worker child. It recovers
// the control socket the parent left on descriptor 3 and serves it until the
// session ends. The passed context ends the session early on signals.
func WorkerMain(ctx context.Context, protocol string, log *slog.Logger) error {
	ctrl, err := transport.InheritedConn(ctrlFd)
	if err != nil {
		return fmt.Errorf("recovering control socket: %w", err)
	}
	defer ctrl.Close()
	return serveControl(ctx, ctrl, protocol, log)
}

// serveControl runs the child side of the worker protocol: create the
// session, announce its identifier, then attach every descriptor the parent
// sends until the session ends, a quit token arrives, or the control socket
// closes (parent death).
func serveControl(ctx context.Context, ctrl *net.UnixConn, protocol string, log *slog.Logger) error {
	drv, ok := backend.Lookup(protocol)
	if !ok {
		frame := wire.Error(fmt.Sprintf("unsupported protocol %q", protocol), wire.StatusNotFound)
		ctrl.Write(frame.Append(nil))
		return fmt.Errorf("no driver registered for protocol %q", protocol)
	}

	w, err := newInprocWorker(ctx, drv, log)
	if err != nil {
		frame := wire.Error("session setup failed", wire.StatusServerError)
		ctrl.Write(frame.Append(nil))
		return err
	}

	if _, err := ctrl.Write(wire.Ready(w.ID()).Append(nil)); err != nil {
		w.Stop()
		<-w.Done()
		return fmt.Errorf("announcing session: %w", err)
	}
	log.Info("worker.ready",
		slog.String("session_id", w.ID()),
		slog.String("protocol", protocol))

	// A canceled context must unblock the Recv below; closing the control
	// socket is the only way to do that.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ctrl.Close()
		case <-stop:
		}
	}()

	go func() {
		for {
			token, conn, err := transport.Recv(ctrl)
			if err != nil {
				// Parent gone or shutting down; let the session drain.
				w.Stop()
				return
			}
			switch token {
			case transport.TokenAttach:
				if conn == nil {
					continue
				}
				if err := w.Attach(conn); err != nil {
					log.Warn("worker.attach.fail", slog.String("err", err.Error()))
					c := transport.NewConn(conn)
					c.WriteInstruction(wire.Error("session closed", wire.StatusClosed))
					c.Flush()
					c.Close()
				}
			case transport.TokenQuit:
				w.Stop()
				return
			}
		}
	}()

	<-w.Done()
	return nil
}
