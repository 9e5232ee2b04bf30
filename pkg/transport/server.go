// Package transport owns the listening socket: plain or TLS, with
// certificate hot-reload and auto-restart on listener failure.
package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one accepted connection. It must return once the
// connection is done (closed by either side or by ctx cancellation).
type Handler func(ctx context.Context, conn net.Conn)

const (
	minBackoff   = 5 * time.Second
	maxBackoff   = 300 * time.Second
	idleTimeout  = 120 * time.Second
	hardDestroy  = 5 * time.Second
	certDebounce = 5 * time.Second
)

// Server owns a single TCP listening socket, optionally upgraded to TLS,
// and restarts it with exponential backoff on failure until permanently
// shut down.
type Server struct {
	addr    string
	handler Handler
	log     *slog.Logger

	tlsEnabled bool
	certPath   string
	keyPath    string

	mu        sync.Mutex
	ln        net.Listener
	httpSrv   *http.Server
	certStore *certStore

	permanent atomic.Bool
	conns     sync.WaitGroup
	cancel    context.CancelFunc
}

// Config configures a new Server.
type Config struct {
	Addr       string
	TLSEnabled bool
	CertPath   string
	KeyPath    string
	Logger     *slog.Logger
}

// New constructs a Server. If cfg.TLSEnabled, the certificate and key are
// read immediately; a read failure is returned here (construction-time
// errors are fatal, unlike later watcher-driven reload errors which are
// not).
func New(cfg Config, handler Handler) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:       cfg.Addr,
		handler:    handler,
		log:        log,
		tlsEnabled: cfg.TLSEnabled,
		certPath:   cfg.CertPath,
		keyPath:    cfg.KeyPath,
	}
	if cfg.TLSEnabled {
		cs, err := newCertStore(cfg.CertPath, cfg.KeyPath, log)
		if err != nil {
			return nil, err
		}
		s.certStore = cs
	}
	return s, nil
}

// Run accepts connections until ctx is cancelled or Shutdown is called.
// On listener failure it retries with exponential backoff (5s-300s)
// until the server is permanently shut down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.certStore != nil {
		s.certStore.watch(ctx)
	}

	backoff := minBackoff
	for {
		ln, err := s.listen()
		if err != nil {
			if s.permanent.Load() {
				return err
			}
			s.log.Warn("listen failed, retrying", "addr", s.addr, "backoff", backoff, "error", err)
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()

		err = s.acceptLoop(ctx, ln)
		_ = ln.Close()
		if s.permanent.Load() {
			return err
		}
		s.log.Warn("listener closed unexpectedly, restarting", "addr", s.addr, "error", err)
		if !sleepOrDone(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// ServeHTTP runs an *http.Server over this Server's managed listener,
// restarting on listener failure with the same backoff schedule as Run.
// HTTP and WebSocket share one listening server when their ports match
// because h muxes both: a plain request is handled as REST, an
// `Upgrade: websocket` request is accepted as a duplex session — both
// happen inside the same http.Handler, matching how coder/websocket is
// meant to be used (see pkg/protocol/wsproto).
func (s *Server) ServeHTTP(ctx context.Context, h http.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.certStore != nil {
		s.certStore.watch(ctx)
	}

	backoff := minBackoff
	for {
		ln, err := s.listen()
		if err != nil {
			if s.permanent.Load() {
				return err
			}
			s.log.Warn("listen failed, retrying", "addr", s.addr, "backoff", backoff, "error", err)
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		httpSrv := &http.Server{Handler: h, ReadHeaderTimeout: idleTimeout}
		s.mu.Lock()
		s.ln = ln
		s.httpSrv = httpSrv
		s.mu.Unlock()

		err = httpSrv.Serve(ln)
		if s.permanent.Load() {
			return nil
		}
		s.log.Warn("http server stopped unexpectedly, restarting", "addr", s.addr, "error", err)
		if !sleepOrDone(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	if s.certStore == nil {
		return ln, nil
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: s.certStore.getCertificate,
	}), nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
			s.handler(ctx, conn)
		}()
	}
}

// Shutdown stops the server for good. With graceful=true the HTTP server
// gets up to 5s to finish in-flight requests and is then closed; with
// graceful=false it is closed at once. Connections accepted by Run are
// only signalled through ctx cancellation: Shutdown waits up to 5s for
// their handlers to return and does not close those sockets itself.
func (s *Server) Shutdown(graceful bool) {
	s.permanent.Store(true)

	s.mu.Lock()
	ln := s.ln
	httpSrv := s.httpSrv
	cancel := s.cancel
	s.mu.Unlock()

	if httpSrv != nil {
		if graceful {
			gctx, gcancel := context.WithTimeout(context.Background(), hardDestroy)
			defer gcancel()
			if err := httpSrv.Shutdown(gctx); err != nil {
				s.log.Warn("hard-destroying sockets after grace period", "addr", s.addr)
				_ = httpSrv.Close()
			}
		} else {
			_ = httpSrv.Close()
		}
	}
	if ln != nil {
		_ = ln.Close()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	if graceful {
		select {
		case <-done:
		case <-time.After(hardDestroy):
		}
		return
	}

	select {
	case <-done:
	case <-time.After(hardDestroy):
		s.log.Warn("hard-destroying sockets after grace period", "addr", s.addr)
	}
}

// ClearIdleTimeout removes the pre-request idle deadline once a
// protocol has dispatched a request on conn, handing timeout ownership
// to the protocol layer.
func ClearIdleTimeout(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
