package protocol

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ntnrmr/dot-proxy/internal/metrics"
	"github.com/ntnrmr/dot-proxy/internal/network"
	fixtures "github.com/ntnrmr/dot-proxy/internal/testutil"
)

func TestDoTUpstreamQuery(t *testing.T) {
	ca := fixtures.NewCA(t)
	server := fixtures.StartEchoUpstream(t, "", ca.IssueLocalhost(t))
	upstream := newDoTUpstream(server.Addr(), ca, 2*time.Second, metrics.NewNoopHooks())

	resp, err := upstream.Query([]byte("\x00\x01query"))
	require.NoError(t, err)
	require.Equal(t, []byte("\x00\x01query"), resp)

	require.Eventually(t, func() bool { return server.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, network.Stats{SuccessfulConnections: 1}, upstream.Client.Stats())
}

func TestDoTUpstreamQueryBoundsResponse(t *testing.T) {
	ca := fixtures.NewCA(t)
	server := fixtures.StartUpstream(t, "", ca.IssueLocalhost(t), func(req []byte) []byte {
		return bytes.Repeat([]byte{'a'}, 2*MaxPayloadSize)
	})
	upstream := newDoTUpstream(server.Addr(), ca, 2*time.Second, metrics.NewNoopHooks())

	resp, err := upstream.Query([]byte("q"))
	require.NoError(t, err)
	require.Len(t, resp, MaxPayloadSize)
}

func TestDoTUpstreamHandshakeTimeout(t *testing.T) {
	registry := metrics.NewPrometheusRegistry()
	blackhole := fixtures.StartBlackhole(t)
	upstream := newDoTUpstream(blackhole.Addr(), nil, 100*time.Millisecond, registry.Hooks())

	start := time.Now()
	resp, err := upstream.Query([]byte("q"))
	require.Nil(t, resp)
	require.Less(t, time.Since(start), 2*time.Second)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, UpstreamTimeout, kind)

	require.Equal(t, 1.0, testutil.ToFloat64(registry.IOErrors.WithLabelValues(metrics.SourceUpstream, "timeout")))
	require.Equal(t, 1.0, testutil.ToFloat64(registry.ConnectionErrors.WithLabelValues(metrics.SourceUpstream)))
	require.Eventually(t, func() bool { return blackhole.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDoTUpstreamNoResponse(t *testing.T) {
	ca := fixtures.NewCA(t)
	server := fixtures.StartUpstream(t, "", ca.IssueLocalhost(t), func(req []byte) []byte {
		return nil
	})
	upstream := newDoTUpstream(server.Addr(), ca, 100*time.Millisecond, metrics.NewNoopHooks())

	_, err := upstream.Query([]byte("q"))

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, UpstreamTimeout, kind)
	require.Eventually(t, func() bool { return server.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDoTUpstreamCertificateMismatch(t *testing.T) {
	ca := fixtures.NewCA(t)
	server := fixtures.StartEchoUpstream(t, "", ca.Issue(t, []string{"resolver.example"}, []net.IP{net.IPv4(192, 0, 2, 1)}))
	upstream := newDoTUpstream(server.Addr(), ca, 2*time.Second, metrics.NewNoopHooks())

	_, err := upstream.Query([]byte("q"))

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, UpstreamTransportError, kind)
	require.Contains(t, err.Error(), "leg=upstream")
	require.Contains(t, err.Error(), server.Addr())
	require.Zero(t, server.Handshakes())
}

func TestDoTUpstreamConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	upstream := newDoTUpstream(addr, nil, time.Second, metrics.NewNoopHooks())

	_, err = upstream.Query([]byte("q"))

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, UpstreamTransportError, kind)
}

// pipeClient provides sessions over in-memory pipes whose remote end reads the request and hangs
// up without answering.
type pipeClient struct {
	releases int64
}

func (c *pipeClient) Conn() (*network.Session, error) {
	local, remote := net.Pipe()

	go func() {
		defer remote.Close()

		buf := make([]byte, MaxPayloadSize)
		remote.Read(buf)
	}()

	return network.NewSession(local, func() error {
		atomic.AddInt64(&c.releases, 1)
		return local.Close()
	}), nil
}

func (c *pipeClient) Addr() string {
	return "pipe"
}

func (c *pipeClient) Stats() network.Stats {
	return network.Stats{}
}

func TestDoTUpstreamEmptyResponse(t *testing.T) {
	client := &pipeClient{}
	upstream := &DoTUpstream{Client: client, IOHook: metrics.NewNoopConnectionIOHook(), Logger: quietLogger()}

	_, err := upstream.Query([]byte("q"))
	require.ErrorIs(t, err, errEmptyResponse)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, UpstreamTransportError, kind)
	require.Equal(t, int64(1), atomic.LoadInt64(&client.releases))
}
