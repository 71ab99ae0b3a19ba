package testutil

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// Responder computes the response an Upstream sends for a request. Returning nil sends nothing.
type Responder func(req []byte) []byte

// Echo responds with the request itself.
func Echo(req []byte) []byte {
	return req
}

// Upstream is a scripted TCP server standing in for a DNS-over-TLS resolver. After answering, it
// keeps every connection open until the peer releases it, so tests can observe session release.
type Upstream struct {
	ln        net.Listener
	tlsConfig *tls.Config
	respond   Responder

	wg        sync.WaitGroup
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	closed    bool
	closeOnce sync.Once

	accepted   int64
	handshakes int64
	open       int64
}

// StartUpstream starts a TLS server presenting cert on addr ("" picks a free loopback port). The
// server is closed when the test completes.
func StartUpstream(t *testing.T, addr string, cert tls.Certificate, respond Responder) *Upstream {
	t.Helper()

	return start(t, addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, respond)
}

// StartEchoUpstream starts a TLS server that echoes each request back as the response.
func StartEchoUpstream(t *testing.T, addr string, cert tls.Certificate) *Upstream {
	t.Helper()

	return StartUpstream(t, addr, cert, Echo)
}

// StartBlackhole starts a TCP server that accepts connections but never speaks, so TLS handshakes
// against it stall until the client gives up.
func StartBlackhole(t *testing.T) *Upstream {
	t.Helper()

	return start(t, "", nil, nil)
}

func start(t *testing.T, addr string, tlsConfig *tls.Config, respond Responder) *Upstream {
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	u := &Upstream{
		ln:        ln,
		tlsConfig: tlsConfig,
		respond:   respond,
		conns:     make(map[net.Conn]struct{}),
	}

	u.wg.Add(1)
	go u.accept()

	t.Cleanup(u.Close)

	return u
}

// Addr returns the host:port the server listens on.
func (u *Upstream) Addr() string {
	return u.ln.Addr().String()
}

// Port returns the port the server listens on.
func (u *Upstream) Port() int {
	return u.ln.Addr().(*net.TCPAddr).Port
}

// Accepted returns the number of TCP connections accepted so far.
func (u *Upstream) Accepted() int {
	return int(atomic.LoadInt64(&u.accepted))
}

// Handshakes returns the number of completed TLS handshakes.
func (u *Upstream) Handshakes() int {
	return int(atomic.LoadInt64(&u.handshakes))
}

// Open returns the number of connections not yet released by their peer.
func (u *Upstream) Open() int {
	return int(atomic.LoadInt64(&u.open))
}

// Close stops the server, force-closes every open connection, and waits for all connection
// goroutines to exit.
func (u *Upstream) Close() {
	u.closeOnce.Do(func() {
		u.ln.Close()

		u.mu.Lock()
		u.closed = true
		for conn := range u.conns {
			conn.Close()
		}
		u.mu.Unlock()

		u.wg.Wait()
	})
}

func (u *Upstream) accept() {
	defer u.wg.Done()

	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}

		u.mu.Lock()
		if u.closed {
			u.mu.Unlock()
			conn.Close()
			return
		}
		u.conns[conn] = struct{}{}
		u.mu.Unlock()

		atomic.AddInt64(&u.accepted, 1)
		atomic.AddInt64(&u.open, 1)

		u.wg.Add(1)
		go u.serve(conn)
	}
}

func (u *Upstream) serve(conn net.Conn) {
	defer u.wg.Done()
	defer func() {
		conn.Close()

		u.mu.Lock()
		delete(u.conns, conn)
		u.mu.Unlock()

		atomic.AddInt64(&u.open, -1)
	}()

	if u.tlsConfig == nil {
		io.Copy(io.Discard, conn)
		return
	}

	tlsConn := tls.Server(conn, u.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return
	}

	atomic.AddInt64(&u.handshakes, 1)

	buf := make([]byte, 4096)
	n, err := tlsConn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	if resp := u.respond(buf[:n]); resp != nil {
		if _, err := tlsConn.Write(resp); err != nil {
			return
		}
	}

	// Hold the session until the client releases it.
	io.Copy(io.Discard, tlsConn)
}
