package protocol

import (
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
	"github.com/ntnrmr/dot-proxy/internal/network"
)

// MaxPayloadSize bounds every read on both legs of the proxy, in bytes.
const MaxPayloadSize = 1024

// errEmptyResponse is returned when the upstream session yields no bytes.
var errEmptyResponse = errors.New("dns_proxy: upstream returned an empty response")

// Upstream describes the resolver a DNSProxyHandler forwards requests to.
type Upstream interface {
	// Query performs a single request/response exchange. On failure the returned error is a
	// *ProxyError classifying the cause.
	Query(req []byte) ([]byte, error)
}

// DoTUpstream exchanges one request per call with a DNS-over-TLS server. Every call opens its own
// session from Client and releases it before returning; there is exactly one attempt per call.
type DoTUpstream struct {
	Client network.Client
	IOHook metrics.ConnectionIOHook
	Logger log.Logger
}

// Query opens a fresh upstream session, writes the full request, and performs a single bounded
// read of the response.
func (u *DoTUpstream) Query(req []byte) ([]byte, error) {
	session, err := u.Client.Conn()
	if err != nil {
		return nil, u.fail(nil, errors.Wrap(err, "dns_proxy: error opening upstream session"))
	}

	defer func() {
		if err := session.Close(); err != nil {
			u.Logger.Debug("dns_proxy: error releasing upstream session: session=%v err=%v", session, err)
		}
	}()

	u.Logger.Debug("dns_proxy: opened upstream session: session=%v", session)

	/* Proxy the client request to the upstream */

	writeTimer := metrics.NewTimer()

	written, err := session.Write(req)
	if err == nil && written != len(req) {
		err = io.ErrShortWrite
	}

	if err != nil {
		u.IOHook.EmitWriteError(session.RemoteAddr())
		return nil, u.fail(session.RemoteAddr(), errors.Wrapf(
			err,
			"dns_proxy: error writing to upstream: bytes=%d",
			written,
		))
	}

	u.IOHook.EmitWrite(writeTimer.Elapsed(), session.RemoteAddr())
	u.Logger.Debug("dns_proxy: wrote request to upstream: request_bytes=%d", written)

	/* Read the response from the upstream */

	readTimer := metrics.NewTimer()
	resp := make([]byte, MaxPayloadSize)

	read, err := session.Read(resp)
	if read == 0 {
		if err == nil || err == io.EOF {
			err = errEmptyResponse
		}

		u.IOHook.EmitReadError(session.RemoteAddr())
		return nil, u.fail(session.RemoteAddr(), errors.Wrap(err, "dns_proxy: error reading from upstream"))
	}

	u.IOHook.EmitRead(readTimer.Elapsed(), session.RemoteAddr())
	u.Logger.Debug("dns_proxy: read upstream response: response_bytes=%d", read)

	return resp[:read], nil
}

// fail classifies an upstream error and records it.
func (u *DoTUpstream) fail(addr net.Addr, err error) *ProxyError {
	proxyErr := newUpstreamError(u.Client.Addr(), err)

	if proxyErr.Kind == UpstreamTimeout {
		u.IOHook.EmitTimeout(addr)
	}

	u.Logger.Debug("dns_proxy: upstream query failed: kind=%s err=%v", proxyErr.Kind, err)

	return proxyErr
}
