package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
)

type contextKey int

// ServerHandler describes an implementation for handling incoming client connections.
type ServerHandler interface {
	// Handle describes the routine to run when the server establishes a successful connection
	// with a client. The server owns conn and closes it once Handle returns.
	Handle(ctx context.Context, conn net.Conn) error

	// ConsumeError is a callback invoked when the server fails to establish a connection with a
	// client, or when the handler returns an error.
	ConsumeError(ctx context.Context, err error)
}

// TCPServer describes a server that listens on a TCP address.
type TCPServer struct {
	addr   string
	cxHook metrics.ConnectionLifecycleHook
	logger log.Logger
	opts   TCPServerOpts

	// Admission control; nil when the number of concurrent connections is unbounded.
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	ln     net.Listener
	conns  sync.WaitGroup
	nextID uint64
}

// TCPServerOpts formalizes TCP server configuration options.
type TCPServerOpts struct {
	// ReadTimeout is the maximum amount of time the server will wait to read from a client
	// after it has established a connection with the server, after which the server will
	// consider the read to have failed.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum amount of time the server is allowed to take to write to a
	// client, after which the server will consider the write to have failed.
	WriteTimeout time.Duration
	// MaxConcurrentConnections caps the number of connections served at once. Further
	// connections remain in the kernel accept queue until a slot frees up. Zero or a negative
	// value leaves the server unbounded.
	MaxConcurrentConnections int
}

const (
	// ConnIDContextKey is the name of the context key carrying the server-assigned, monotonically
	// increasing identifier of the connection being handled.
	ConnIDContextKey contextKey = iota
)

// ConnID extracts the connection identifier from a handler context, or 0 if absent.
func ConnID(ctx context.Context) uint64 {
	id, _ := ctx.Value(ConnIDContextKey).(uint64)
	return id
}

// NewTCPServer creates a TCP server that will listen on the specified address.
func NewTCPServer(addr string, cxHook metrics.ConnectionLifecycleHook, logger log.Logger, opts TCPServerOpts) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &TCPServer{
		addr:   addr,
		cxHook: cxHook,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	if opts.MaxConcurrentConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrentConnections))
	}

	return s
}

// Listen binds the TCP address with which the server was configured.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "server: failed to listen on TCP socket: addr=%s", s.addr)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("server: listening for TCP connections: addr=%s", ln.Addr())

	return nil
}

// Addr returns the bound listener address, or nil before Listen succeeds.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Serve accepts connections indefinitely, serving each one in its own goroutine with the specified
// handler. It returns nil once the server is closed.
func (s *TCPServer) Serve(handler ServerHandler) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				// The server context is only canceled by Close.
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()

			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.cxHook.EmitConnectionError()
			handler.ConsumeError(s.ctx, errors.Wrap(err, "server: failed to accept connection"))

			continue
		}

		id := atomic.AddUint64(&s.nextID, 1)
		tcpConn := NewTCPConn(conn, s.opts.ReadTimeout, s.opts.WriteTimeout)

		s.cxHook.EmitConnectionOpen(0, tcpConn.RemoteAddr())
		s.logger.Info("server: accepted connection: peer=%s conn_id=%d", tcpConn.RemoteAddr(), id)

		s.conns.Add(1)
		go s.serveConn(context.WithValue(s.ctx, ConnIDContextKey, id), handler, tcpConn)
	}
}

// ListenAndServe binds the configured address and serves connections until the server is closed.
// It returns an error if it fails to bind.
func (s *TCPServer) ListenAndServe(handler ServerHandler) error {
	if err := s.Listen(); err != nil {
		return err
	}

	return s.Serve(handler)
}

// Close stops accepting new connections. Connections already being served run to completion.
func (s *TCPServer) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Close()
}

// Shutdown closes the server and waits until every in-flight connection has been released, or
// until ctx is done.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	err := s.Close()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveConn runs the handler against a single connection. The connection is closed on every exit
// path, including a panicking handler.
func (s *TCPServer) serveConn(ctx context.Context, handler ServerHandler, conn *TCPConn) {
	defer s.conns.Done()
	defer s.release()

	defer func() {
		s.cxHook.EmitConnectionClose(conn.RemoteAddr())

		if err := conn.Close(); err != nil {
			s.logger.Debug("server: error closing client connection: peer=%s err=%v", conn.RemoteAddr(), err)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			handler.ConsumeError(ctx, errors.Errorf(
				"server: handler panicked: peer=%s panic=%v",
				conn.RemoteAddr(),
				r,
			))
		}
	}()

	if err := handler.Handle(ctx, conn); err != nil {
		handler.ConsumeError(ctx, err)
	}
}

func (s *TCPServer) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}
