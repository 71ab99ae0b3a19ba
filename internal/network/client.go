package network

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ntnrmr/dot-proxy/internal/metrics"
)

// Client defines the interface for a provider of upstream sessions.
type Client interface {
	// Conn opens a single session. The caller owns the session and must Close it.
	Conn() (*Session, error)

	// Addr returns the remote address sessions are opened to.
	Addr() string

	// Stats returns historical client stats.
	Stats() Stats
}

// Stats formalizes stats tracked per-client.
type Stats struct {
	// SuccessfulConnections is the number of sessions that the client has successfully
	// provided.
	SuccessfulConnections int
	// FailedConnections is the number of times that the client has failed to provide a
	// session.
	FailedConnections int
}

// TLSClient describes a TLS-secured TCP client that opens a brand new, fully verified session for
// every call to Conn. Sessions are never reused.
type TLSClient struct {
	addr       string
	conf       *tls.Config
	cxHook     metrics.ConnectionLifecycleHook
	opts       TLSClientOpts
	stats      Stats
	statsMutex sync.RWMutex
}

// TLSClientOpts formalizes TLS client configuration options.
type TLSClientOpts struct {
	// ConnectTimeout is the timeout associated with establishing a TCP connection with the
	// remote server.
	ConnectTimeout time.Duration
	// HandshakeTimeout is the timeout associated with completing the TLS handshake.
	HandshakeTimeout time.Duration
	// ReadTimeout is the timeout associated with each read from a remote connection.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout associated with each write to a remote connection.
	WriteTimeout time.Duration
	// RootCAs overrides the trust anchors used to verify the server. Leave nil to verify against
	// the system trust store.
	RootCAs *x509.CertPool
}

// NewTLSClient creates a TLSClient for the specified remote address. Server certificates are
// verified against serverName.
func NewTLSClient(addr string, serverName string, cxHook metrics.ConnectionLifecycleHook, opts TLSClientOpts) *TLSClient {
	conf := &tls.Config{
		ServerName: serverName,
		RootCAs:    opts.RootCAs,
		MinVersion: tls.VersionTLS12,
	}

	return &TLSClient{
		addr:   addr,
		conf:   conf,
		cxHook: cxHook,
		opts:   opts,
	}
}

// Conn dials the remote server, performs a TLS handshake, and validates the server identity. On
// failure, any partially established connection is closed before returning.
func (c *TLSClient) Conn() (*Session, error) {
	dialTimer := metrics.NewTimer()

	conn, err := c.dial()

	c.statsMutex.Lock()
	if err != nil {
		c.stats.FailedConnections++
	} else {
		c.stats.SuccessfulConnections++
	}
	c.statsMutex.Unlock()

	if err != nil {
		c.cxHook.EmitConnectionError()
		return nil, err
	}

	c.cxHook.EmitConnectionOpen(dialTimer.Elapsed(), conn.RemoteAddr())

	release := func() error {
		c.cxHook.EmitConnectionClose(conn.RemoteAddr())
		return conn.Close()
	}

	return NewSession(NewTCPConn(conn, c.opts.ReadTimeout, c.opts.WriteTimeout), release), nil
}

// Addr returns the remote address.
func (c *TLSClient) Addr() string {
	return c.addr
}

// Stats returns current client stats.
func (c *TLSClient) Stats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	return c.stats
}

// String returns a string representation of the client.
func (c *TLSClient) String() string {
	return fmt.Sprintf("TLSClient{addr: %s, server_name: %s}", c.addr, c.conf.ServerName)
}

func (c *TLSClient) dial() (*tls.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}

	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "client: error establishing connection: addr=%s", c.addr)
	}

	tlsConn := tls.Client(conn, c.conf)

	if c.opts.HandshakeTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "client: error setting handshake deadline")
		}
	}

	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "client: TLS handshake failed: addr=%s", c.addr)
	}

	// Clear the handshake deadline; per-operation deadlines are applied by TCPConn.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, errors.Wrap(err, "client: error clearing handshake deadline")
	}

	return tlsConn, nil
}
