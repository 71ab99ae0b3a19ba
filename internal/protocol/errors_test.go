package protocol

import (
	"context"
	"crypto/tls"
	"io"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// timeoutError is a net.Error reporting a timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestNewUpstreamErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"net timeout", timeoutError{}, UpstreamTimeout},
		{"wrapped net timeout", errors.Wrap(timeoutError{}, "client: TLS handshake failed"), UpstreamTimeout},
		{"deadline exceeded", os.ErrDeadlineExceeded, UpstreamTimeout},
		{"context deadline", errors.Wrap(context.DeadlineExceeded, "dial"), UpstreamTimeout},
		{"certificate verification", &tls.CertificateVerificationError{Err: errors.New("x509: certificate is valid for other.example")}, UpstreamTransportError},
		{"eof", io.EOF, UpstreamTransportError},
		{"generic", errors.New("connection refused"), UpstreamTransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxyErr := newUpstreamError("192.0.2.1:853", tt.err)
			require.Equal(t, tt.want, proxyErr.Kind)
			require.Equal(t, "upstream", proxyErr.Kind.Leg())
			require.ErrorIs(t, proxyErr, tt.err)
		})
	}
}

func TestProxyErrorFormatting(t *testing.T) {
	empty := &ProxyError{Kind: EmptyClientRequest, Peer: "127.0.0.1:4000"}
	require.Equal(t, "dns_proxy: EmptyClientRequest: leg=client peer=127.0.0.1:4000", empty.Error())

	write := &ProxyError{Kind: ClientWriteFailure, Peer: "127.0.0.1:4000", Err: io.ErrClosedPipe}
	require.Equal(
		t,
		"dns_proxy: ClientWriteFailure: leg=client peer=127.0.0.1:4000 err=io: read/write on closed pipe",
		write.Error(),
	)
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(errors.Wrap(&ProxyError{Kind: UpstreamTimeout}, "context"))
	require.True(t, ok)
	require.Equal(t, UpstreamTimeout, kind)

	_, ok = KindOf(errors.New("plain"))
	require.False(t, ok)

	require.Equal(t, "ClientReadFailure", ClientReadFailure.String())
	require.Equal(t, "ErrorKind(42)", ErrorKind(42).String())
}
