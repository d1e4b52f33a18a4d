package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/deskmux/deskmux/directory"
	"github.com/deskmux/deskmux/directory/memorydir"
	"github.com/deskmux/deskmux/internal/logctx"
)

// Server accepts gateway connections and routes each on its own goroutine.
// Construct with New, run with ListenAndServe or Serve; cancel the context
// to begin a graceful shutdown that stops every live worker and waits out
// the configured grace period.
type Server struct {
	cfg    Config
	log    *slog.Logger
	reg    *Registry
	dir    directory.Directory
	router *Router
	lim    *rate.Limiter

	mu sync.Mutex
	ln net.Listener

	conns sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger the server and everything under it log
// through. Records carry conn and sess context automatically.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSessionDirectory sets the directory live sessions are announced to.
// The default is a process-local in-memory directory.
func WithSessionDirectory(dir directory.Directory) Option {
	return func(s *Server) { s.dir = dir }
}

// New builds a server from cfg. The registry, router, and worker mode all
// follow the configuration; only the logger and directory are injectable.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}

	s := &Server{
		cfg: cfg,
		log: slog.Default(),
		reg: NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = slog.New(logctx.Handler{Handler: s.log.Handler()})
	if s.dir == nil {
		s.dir = memorydir.New()
	}
	if cfg.AcceptRate > 0 {
		s.lim = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	ropts := []RouterOption{
		WithRouterLogger(s.log),
		WithDirectory(s.dir),
		WithNode(cfg.AdvertiseAddr),
		WithLease(cfg.DirectoryLease.Std()),
		WithHandshakeTimeout(cfg.HandshakeTimeout.Std()),
	}
	if cfg.PerSessionProcess {
		ropts = append(ropts, WithProcessWorkers())
	}
	s.router = NewRouter(s.reg, ropts...)
	return s, nil
}

// Addr reports the listener's actual address once the server is serving,
// which pins down the port when Listen was configured with port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds the configured address and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled, then drains.
// Each accepted connection handshakes and routes on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("server.start",
		slog.String("addr", ln.Addr().String()),
		slog.String("advertise_addr", s.cfg.AdvertiseAddr),
		slog.Bool("per_session_process", s.cfg.PerSessionProcess))

	go s.heartbeat(ctx)
	unblock := context.AfterFunc(ctx, func() { ln.Close() })
	defer unblock()

	var delay time.Duration
	for {
		if s.lim != nil {
			if err := s.lim.Wait(ctx); err != nil {
				break
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Transient accept failure (fd exhaustion and kin): back off
			// instead of spinning.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			s.log.Warn("server.accept.fail",
				slog.String("err", err.Error()),
				slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.conns.Add(1)
		go s.serveConn(ctx, conn)
	}

	return s.shutdown()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		RemoteAddr: conn.RemoteAddr().String(),
	})
	if err := s.router.Route(ctx, conn); err != nil {
		s.log.WarnContext(ctx, "server.route.fail", slog.String("err", err.Error()))
	}
}

// heartbeat re-publishes every live session's directory record at half the
// lease interval, so records for this node outlive exactly as long as the
// node does.
func (s *Server) heartbeat(ctx context.Context) {
	period := s.cfg.DirectoryLease.Std() / 2
	if period < time.Second {
		period = time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, w := range s.reg.Workers() {
				s.router.announce(ctx, w)
			}
		}
	}
}

// shutdown waits out in-flight handshakes, stops every worker, and gives
// them the configured grace to drain. Workers still alive after the grace
// are abandoned to process exit.
func (s *Server) shutdown() error {
	s.log.Info("server.shutdown", slog.Int("sessions", s.reg.Len()))
	s.conns.Wait()

	workers := s.reg.Workers()
	for _, w := range workers {
		w.Stop()
	}

	deadline := time.Now().Add(s.cfg.ShutdownGrace.Std())
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-time.After(time.Until(deadline)):
			s.log.Warn("server.shutdown.stranded", slog.Int("sessions", s.reg.Len()))
			return nil
		}
	}
	s.log.Info("server.shutdown.done")
	return nil
}
