package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/deskmux/deskmux/backend"
	"github.com/deskmux/deskmux/session"
	"github.com/deskmux/deskmux/transport"
	"github.com/deskmux/deskmux/wire"
)

// ErrWorkerClosed reports an attach against a worker that has already
// exited or is tearing down.
var ErrWorkerClosed = errors.New("worker closed")

// Worker is the isolation unit owning exactly one session. The router hands
// newly routed connections to a worker via Attach and never touches them
// again; the worker runs the per-user reader and writer pumps against its
// session.
//
// A worker exits when its session stops or when its last user detaches.
// Done is closed at exit; by then the session has been fully torn down.
type Worker interface {
	// ID is the public identifier of the worker's session.
	ID() string

	// Protocol is the backend protocol name the session runs.
	Protocol() string

	// Started reports when the worker was created.
	Started() time.Time

	// LastActive reports session activity as far as this side can observe
	// it. In-process workers report the session's own last-activity stamp;
	// per-session process workers report the last descriptor hand-off, since
	// the parent cannot see inside the child.
	LastActive() time.Time

	// Users reports the attached-user count as far as this side can observe
	// it. Per-session process workers count hand-offs only; they cannot see
	// detaches inside the child.
	Users() int

	// Attach hands conn to the worker as a new user. On success the worker
	// owns conn; on failure the caller keeps it, so it can still write a
	// rejection diagnostic before closing.
	Attach(conn net.Conn) error

	// Stop asks the worker to shut down. Idempotent.
	Stop()

	// Done returns a channel closed once the worker has exited.
	Done() <-chan struct{}
}

// attachReq carries one connection into the worker goroutine along with the
// channel its verdict comes back on.
type attachReq struct {
	conn  net.Conn
	reply chan error
}

// inprocWorker runs its session on goroutines inside this process. The
// descriptor hand-off degenerates to passing the accepted net.Conn over the
// attach channel into the goroutine that owns the session.
type inprocWorker struct {
	id      string
	proto   string
	log     *slog.Logger
	sess    *session.Session
	started time.Time

	attachc chan attachReq
	done    chan struct{}
}

var _ Worker = (*inprocWorker)(nil)

// newInprocWorker creates a session for drv and starts the goroutine owning
// it. The context covers driver setup only. On error no session survives.
func newInprocWorker(ctx context.Context, drv backend.Driver, log *slog.Logger) (*inprocWorker, error) {
	sess, err := session.New(session.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := drv.Open(ctx, sess); err != nil {
		sess.Destroy()
		return nil, fmt.Errorf("opening %s session: %w", drv.Protocol(), err)
	}

	w := &inprocWorker{
		id:      sess.ID,
		proto:   drv.Protocol(),
		log:     log.With(slog.String("session_id", sess.ID), slog.String("protocol", drv.Protocol())),
		sess:    sess,
		started: time.Now(),
		attachc: make(chan attachReq),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *inprocWorker) ID() string            { return w.id }
func (w *inprocWorker) Protocol() string      { return w.proto }
func (w *inprocWorker) Started() time.Time    { return w.started }
func (w *inprocWorker) LastActive() time.Time { return w.sess.LastActive() }
func (w *inprocWorker) Users() int            { return w.sess.Users() }
func (w *inprocWorker) Done() <-chan struct{} { return w.done }

func (w *inprocWorker) Stop() { w.sess.Stop() }

func (w *inprocWorker) Attach(conn net.Conn) error {
	req := attachReq{conn: conn, reply: make(chan error, 1)}
	select {
	case w.attachc <- req:
		return <-req.reply
	case <-w.done:
		return ErrWorkerClosed
	}
}

// run owns the session for the worker's lifetime: it serves attach requests
// and exits when the session stops or the last attached user detaches. All
// session teardown happens here, exactly once.
func (w *inprocWorker) run() {
	defer close(w.done)
	defer w.sess.Destroy()

	detached := make(chan struct{})
	users := 0

	for {
		select {
		case req := <-w.attachc:
			err := w.addUser(req.conn, users == 0, detached)
			req.reply <- err
			if err == nil {
				users++
			}
		case <-detached:
			users--
			if users == 0 {
				w.log.Info("worker.idle")
				return
			}
		case <-w.sess.Stopped():
			w.log.Info("worker.stop")
			return
		}
	}
}

// addUser attaches conn as a new user, greets it with the session id, and
// starts its reader pump. The detached channel reports the user's eventual
// departure back to run.
func (w *inprocWorker) addUser(conn net.Conn, owner bool, detached chan<- struct{}) error {
	u, err := session.NewUser(transport.NewConn(conn), owner)
	if err != nil {
		return err
	}
	if err := w.sess.AddUser(u, nil); err != nil {
		return err
	}

	// The ready instruction carries the identifier a client presents to
	// rejoin this session later.
	if err := u.Send(wire.Ready(w.id)); err != nil {
		w.sess.RemoveUser(u)
		return err
	}
	w.log.Info("worker.user.attach",
		slog.String("user_id", u.ID),
		slog.Bool("owner", owner))

	go func() {
		if err := u.Run(); err != nil {
			w.log.Warn("worker.user.read.fail",
				slog.String("user_id", u.ID),
				slog.String("err", err.Error()))
		}
		w.sess.RemoveUser(u)
		w.log.Info("worker.user.detach", slog.String("user_id", u.ID))
		select {
		case detached <- struct{}{}:
		case <-w.done:
		}
	}()
	return nil
}
