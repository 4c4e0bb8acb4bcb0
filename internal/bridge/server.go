// Package bridge exposes one adapter session as an ELM327-over-TCP endpoint,
// the way Wi-Fi adapters do, so existing diagnostic tools can share the
// serial adapter. The session is exclusive: one client at a time.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// Exchanger runs one raw adapter command; *diag.Engine implements it.
type Exchanger interface {
	SendRaw(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

// Server owns the TCP listener and the single client connection.
type Server struct {
	mu   sync.RWMutex
	addr string
	ex   Exchanger

	commandTimeout time.Duration
	resetTimeout   time.Duration
	readDeadline   time.Duration
	writeDeadline  time.Duration
	onDisconnect   func(context.Context) error

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener
	connMu    sync.Mutex
	conn      net.Conn
	active    atomic.Bool
	wg        sync.WaitGroup
	logger    *slog.Logger

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalCommands     atomic.Uint64
	totalDisconnected atomic.Uint64
}

const (
	defaultReadDeadline  = 5 * time.Minute
	defaultWriteDeadline = 5 * time.Second
	defaultResetTimeout  = 2 * time.Second
	replyBuffer          = 4
)

type ServerOption func(*Server)

// NewServer returns a bridge forwarding client commands to ex.
func NewServer(ex Exchanger, opts ...ServerOption) *Server {
	s := &Server{
		ex:            ex,
		readDeadline:  defaultReadDeadline,
		writeDeadline: defaultWriteDeadline,
		resetTimeout:  defaultResetTimeout,
		readyCh:       make(chan struct{}),
		errCh:         make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	s.logger = logging.Or(s.logger, "bridge")
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }

// WithCommandTimeout sets the per-command timeout (0: the session default).
func WithCommandTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.commandTimeout = d }
}

// WithResetTimeout sets the timeout used for ATZ and ATWS.
func WithResetTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.resetTimeout = d
		}
	}
}

// WithReadDeadline drops clients idle for longer than d.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

// WithOnDisconnect runs fn after each client leaves, typically to
// re-initialize the session the client may have reconfigured.
func WithOnDisconnect(fn func(context.Context) error) ServerOption {
	return func(s *Server) { s.onDisconnect = fn }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// Busy reports whether a client currently holds the adapter.
func (s *Server) Busy() bool { return s.active.Load() }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection and either rejects it (adapter in
// use) or starts its reader and writer. Returns a wrapped error only for
// fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if !s.active.CompareAndSwap(false, true) {
		s.totalRejected.Add(1)
		metrics.IncBridgeReject()
		connLogger.Warn("client_reject_busy")
		_ = conn.Close()
		return nil
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	metrics.SetBridgeClients(1)
	connLogger.Info("client_connected")

	out := make(chan []byte, replyBuffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var writerDone sync.WaitGroup
		writerDone.Add(1)
		go func() {
			defer writerDone.Done()
			s.runWriter(conn, out, connLogger)
		}()
		s.runReader(ctx, conn, out, connLogger)
		close(out)
		writerDone.Wait()
		s.release(ctx, conn, connLogger)
	}()
	return nil
}

// release closes the client and frees the adapter for the next one.
func (s *Server) release(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	_ = conn.Close()
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
	s.totalDisconnected.Add(1)
	logger.Info("client_disconnected")
	if s.onDisconnect != nil && ctx.Err() == nil {
		if err := s.onDisconnect(ctx); err != nil {
			wrap := fmt.Errorf("%w: restore after disconnect: %w", ErrSession, err)
			s.setError(wrap)
			logger.Error("session_restore_failed", "error", err)
		}
	}
	metrics.SetBridgeClients(0)
	s.active.Store(false)
}

// Shutdown closes the listener and the client, then waits for the
// connection goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "commands", s.totalCommands.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
