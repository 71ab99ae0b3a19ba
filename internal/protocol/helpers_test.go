package protocol

import (
	"context"
	"crypto/x509"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
	"github.com/ntnrmr/dot-proxy/internal/network"
	"github.com/ntnrmr/dot-proxy/internal/testutil"
)

func quietLogger() log.Logger {
	return log.NewWriterLogger(log.Debug, io.Discard)
}

// newDoTUpstream creates an upstream for addr that expects the server to be named 127.0.0.1. A
// nil ca verifies against the system trust store.
func newDoTUpstream(addr string, ca *testutil.CA, timeout time.Duration, hooks metrics.Hooks) *DoTUpstream {
	var roots *x509.CertPool
	if ca != nil {
		roots = ca.Pool()
	}

	client := network.NewTLSClient(addr, "127.0.0.1", hooks.UpstreamLifecycle, network.TLSClientOpts{
		ConnectTimeout:   timeout,
		HandshakeTimeout: timeout,
		ReadTimeout:      timeout,
		WriteTimeout:     timeout,
		RootCAs:          roots,
	})

	return &DoTUpstream{Client: client, IOHook: hooks.UpstreamIO, Logger: quietLogger()}
}

// startProxy serves a DNSProxyHandler for upstream on addr ("" picks a free loopback port) until
// the test completes.
func startProxy(t *testing.T, addr string, upstream Upstream, hooks metrics.Hooks) *network.TCPServer {
	t.Helper()

	if addr == "" {
		addr = "127.0.0.1:0"
	}

	handler := &DNSProxyHandler{
		Upstream:       upstream,
		ClientCxIOHook: hooks.ClientIO,
		ProxyHook:      hooks.Proxy,
		Logger:         quietLogger(),
	}

	server := network.NewTCPServer(addr, hooks.ClientLifecycle, quietLogger(), network.TCPServerOpts{
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	require.NoError(t, server.Listen())

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(handler)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, server.Shutdown(ctx))
		require.NoError(t, <-served)
	})

	return server
}
