//go:generate go tool stringer -type=ErrorKind

package protocol

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
)

// ErrorKind classifies the reason a client request could not be served.
type ErrorKind int

const (
	// UpstreamTimeout indicates that establishing or using the upstream session exceeded the
	// upstream timeout.
	UpstreamTimeout ErrorKind = iota
	// UpstreamTransportError indicates a TLS handshake failure, certificate verification
	// failure, or other socket-level error on the upstream leg.
	UpstreamTransportError
	// EmptyClientRequest indicates that the client sent no bytes before closing.
	EmptyClientRequest
	// ClientReadFailure indicates that reading the request from the client failed.
	ClientReadFailure
	// ClientWriteFailure indicates that delivering the response to the client failed.
	ClientWriteFailure
)

// Leg names the side of the proxy on which errors of this kind occur.
func (k ErrorKind) Leg() string {
	switch k {
	case UpstreamTimeout, UpstreamTransportError:
		return "upstream"
	default:
		return "client"
	}
}

// ProxyError is a classified failure on one leg of the proxy.
type ProxyError struct {
	Kind ErrorKind
	// Peer is the address of the remote end on the failing leg.
	Peer string
	Err  error
}

func (e *ProxyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dns_proxy: %s: leg=%s peer=%s", e.Kind, e.Kind.Leg(), e.Peer)
	}

	return fmt.Sprintf("dns_proxy: %s: leg=%s peer=%s err=%v", e.Kind, e.Kind.Leg(), e.Peer, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of the first ProxyError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return proxyErr.Kind, true
	}

	return 0, false
}

// newUpstreamError classifies an upstream failure as a timeout or a transport error.
func newUpstreamError(peer string, err error) *ProxyError {
	kind := UpstreamTransportError
	if isTimeout(err) {
		kind = UpstreamTimeout
	}

	return &ProxyError{Kind: kind, Peer: peer, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
