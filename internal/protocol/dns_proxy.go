package protocol

import (
	"context"
	"io"
	"net"

	"github.com/getsentry/raven-go"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
	"github.com/ntnrmr/dot-proxy/internal/network"
)

// DNSProxyHandler is a server handler that relays exactly one request per client connection to the
// upstream and relays the response back. It does not interpret the payloads.
type DNSProxyHandler struct {
	Upstream       Upstream
	ClientCxIOHook metrics.ConnectionIOHook
	ProxyHook      metrics.ProxyHook
	Logger         log.Logger
	// Reporter receives every consumed error when set.
	Reporter *raven.Client
}

// ConsumeError logs the proxy error, emits an error metric tagged with its kind, and reports it to
// Sentry if configured. No error is ever relayed to the client.
func (h *DNSProxyHandler) ConsumeError(ctx context.Context, err error) {
	kind := "Internal"
	if k, ok := KindOf(err); ok {
		kind = k.String()
	}

	h.Logger.Error("%v conn_id=%d", err, network.ConnID(ctx))
	h.ProxyHook.EmitError(kind)

	if h.Reporter != nil {
		h.Reporter.CaptureError(err, map[string]string{"kind": kind})
	}
}

// Handle reads a request from the client connection, forwards it to the upstream, and writes the
// response back to the client. If no response can be obtained, nothing is written; the caller
// closes clientConn on every path.
func (h *DNSProxyHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	rttTimer := metrics.NewTimer()
	connID := network.ConnID(ctx)

	/* Read the DNS request from the client */

	clientReq, err := h.clientRead(clientConn)
	if err != nil {
		return err
	}

	h.Logger.Debug(
		"dns_proxy: read request from client: request_bytes=%d conn_id=%d",
		len(clientReq),
		connID,
	)

	/* Exchange the request with the upstream over a fresh session */

	upstreamTimer := metrics.NewTimer()

	upstreamResp, err := h.Upstream.Query(clientReq)
	if err != nil {
		return err
	}

	h.ProxyHook.EmitUpstreamLatency(upstreamTimer.Elapsed(), clientConn.RemoteAddr())
	h.Logger.Info(
		"dns_proxy: received response from upstream: response_bytes=%d conn_id=%d",
		len(upstreamResp),
		connID,
	)

	/* Write the proxied result back to the client */

	if err := h.clientWrite(clientConn, upstreamResp); err != nil {
		return err
	}

	h.Logger.Info(
		"dns_proxy: sent response to client: peer=%s rtt=%v conn_id=%d",
		clientConn.RemoteAddr(),
		rttTimer.Elapsed(),
		connID,
	)

	h.ProxyHook.EmitRequestSize(int64(len(clientReq)), clientConn.RemoteAddr())
	h.ProxyHook.EmitResponseSize(int64(len(upstreamResp)), clientConn.RemoteAddr())
	h.ProxyHook.EmitRTT(rttTimer.Elapsed(), clientConn.RemoteAddr())

	return nil
}

// clientRead performs a single bounded read of the request from the client.
func (h *DNSProxyHandler) clientRead(conn net.Conn) ([]byte, error) {
	clientReadTimer := metrics.NewTimer()
	clientReq := make([]byte, MaxPayloadSize)

	n, err := conn.Read(clientReq)
	if n == 0 {
		if err == nil || err == io.EOF {
			return nil, &ProxyError{Kind: EmptyClientRequest, Peer: addrString(conn.RemoteAddr())}
		}

		if isTimeout(err) {
			h.ClientCxIOHook.EmitTimeout(conn.RemoteAddr())
		}

		h.ClientCxIOHook.EmitReadError(conn.RemoteAddr())

		return nil, &ProxyError{Kind: ClientReadFailure, Peer: addrString(conn.RemoteAddr()), Err: err}
	}

	h.ClientCxIOHook.EmitRead(clientReadTimer.Elapsed(), conn.RemoteAddr())

	// Trim the request buffer to only what the server was able to read
	return clientReq[:n], nil
}

// clientWrite writes the full response back to the client.
func (h *DNSProxyHandler) clientWrite(conn net.Conn, upstreamResp []byte) error {
	clientWriteTimer := metrics.NewTimer()

	n, err := conn.Write(upstreamResp)
	if err == nil && n != len(upstreamResp) {
		err = io.ErrShortWrite
	}

	if err != nil {
		h.ClientCxIOHook.EmitWriteError(conn.RemoteAddr())
		return &ProxyError{Kind: ClientWriteFailure, Peer: addrString(conn.RemoteAddr()), Err: err}
	}

	h.ClientCxIOHook.EmitWrite(clientWriteTimer.Elapsed(), conn.RemoteAddr())

	return nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "null"
	}

	return addr.String()
}
