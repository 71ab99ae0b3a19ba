package protocol

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
	"github.com/ntnrmr/dot-proxy/internal/network"
	fixtures "github.com/ntnrmr/dot-proxy/internal/testutil"
)

// countingUpstream records queries and answers each with a fixed response.
type countingUpstream struct {
	calls int64
	resp  []byte
}

func (u *countingUpstream) Query(req []byte) ([]byte, error) {
	atomic.AddInt64(&u.calls, 1)
	return u.resp, nil
}

func packedQuery(t *testing.T, name string) []byte {
	t.Helper()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	packed, err := msg.Pack()
	require.NoError(t, err)

	// DNS over TCP prefixes each message with its length
	framed := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(framed, uint16(len(packed)))
	copy(framed[2:], packed)

	return framed
}

func randomPayload(t *testing.T, size int) []byte {
	t.Helper()

	buf := make([]byte, size)
	_, err := rand.Read(buf)
	require.NoError(t, err)

	return buf
}

func TestDNSProxyForwarding(t *testing.T) {
	ca := fixtures.NewCA(t)
	upstreamServer := fixtures.StartEchoUpstream(t, "", ca.IssueLocalhost(t))
	registry := metrics.NewPrometheusRegistry()
	hooks := registry.Hooks()
	proxy := startProxy(t, "", newDoTUpstream(upstreamServer.Addr(), ca, 2*time.Second, hooks), hooks)

	cases := []struct {
		name    string
		payload []byte
	}{
		{"single byte", []byte{0x2a}},
		{"length-prefixed text", []byte("\x00\x01query")},
		{"packed A query", packedQuery(t, "example.com")},
		{"binary", randomPayload(t, 512)},
		{"maximum size", randomPayload(t, MaxPayloadSize)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := fixtures.Exchange(proxy.Addr().String(), tc.payload, 5*time.Second)
			require.NoError(t, err)
			require.Equal(t, tc.payload, resp)
		})
	}

	require.Equal(t, float64(len(cases)), testutil.ToFloat64(registry.ConnectionsOpened.WithLabelValues(metrics.SourceUpstream)))
	require.Equal(t, len(cases), upstreamServer.Handshakes())
	require.Eventually(t, func() bool { return upstreamServer.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDNSProxyEmptyRequest(t *testing.T) {
	registry := metrics.NewPrometheusRegistry()
	upstream := &countingUpstream{resp: []byte("unused")}
	proxy := startProxy(t, "", upstream, registry.Hooks())

	resp, err := fixtures.Exchange(proxy.Addr().String(), nil, 2*time.Second)
	require.NoError(t, err)
	require.Empty(t, resp)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(registry.ProxyErrors.WithLabelValues(EmptyClientRequest.String())) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, atomic.LoadInt64(&upstream.calls))
}

func TestDNSProxyUpstreamTimeout(t *testing.T) {
	registry := metrics.NewPrometheusRegistry()
	blackhole := fixtures.StartBlackhole(t)
	hooks := registry.Hooks()
	proxy := startProxy(t, "", newDoTUpstream(blackhole.Addr(), nil, 200*time.Millisecond, hooks), hooks)

	start := time.Now()
	resp, err := fixtures.Exchange(proxy.Addr().String(), []byte("\x00\x01query"), 5*time.Second)
	require.NoError(t, err)
	require.Empty(t, resp)
	require.Less(t, time.Since(start), 2*time.Second)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(registry.ProxyErrors.WithLabelValues(UpstreamTimeout.String())) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return blackhole.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDNSProxyTLSVerificationFailure(t *testing.T) {
	ca := fixtures.NewCA(t)
	upstreamServer := fixtures.StartEchoUpstream(t, "", ca.Issue(t, []string{"resolver.example"}, nil))
	registry := metrics.NewPrometheusRegistry()
	hooks := registry.Hooks()
	proxy := startProxy(t, "", newDoTUpstream(upstreamServer.Addr(), ca, 2*time.Second, hooks), hooks)

	resp, err := fixtures.Exchange(proxy.Addr().String(), []byte("\x00\x01query"), 5*time.Second)
	require.NoError(t, err)
	require.Empty(t, resp)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(registry.ProxyErrors.WithLabelValues(UpstreamTransportError.String())) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, upstreamServer.Handshakes())
}

func TestDNSProxyIsolation(t *testing.T) {
	ca := fixtures.NewCA(t)
	echo := fixtures.StartEchoUpstream(t, "", ca.IssueLocalhost(t))
	blackhole := fixtures.StartBlackhole(t)
	mismatch := fixtures.StartEchoUpstream(t, "", ca.Issue(t, []string{"resolver.example"}, nil))

	hooks := metrics.NewNoopHooks()
	healthy := startProxy(t, "", newDoTUpstream(echo.Addr(), ca, 2*time.Second, hooks), hooks)
	stalled := startProxy(t, "", newDoTUpstream(blackhole.Addr(), ca, 300*time.Millisecond, hooks), hooks)
	untrusted := startProxy(t, "", newDoTUpstream(mismatch.Addr(), ca, 2*time.Second, hooks), hooks)

	const clients = 5

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		payload := []byte{0x00, 0x02, byte(i), 'q'}

		wg.Add(3)
		go func() {
			defer wg.Done()

			resp, err := fixtures.Exchange(healthy.Addr().String(), payload, 5*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, payload, resp)
		}()
		go func() {
			defer wg.Done()

			resp, err := fixtures.Exchange(stalled.Addr().String(), payload, 5*time.Second)
			assert.NoError(t, err)
			assert.Empty(t, resp)
		}()
		go func() {
			defer wg.Done()

			resp, err := fixtures.Exchange(untrusted.Addr().String(), payload, 5*time.Second)
			assert.NoError(t, err)
			assert.Empty(t, resp)
		}()
	}
	wg.Wait()

	// The healthy proxy keeps serving after its neighbours failed
	resp, err := fixtures.Exchange(healthy.Addr().String(), []byte("after"), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("after"), resp)
}

func TestDNSProxyReleasesResources(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	ca := fixtures.NewCA(t)
	echo := fixtures.StartEchoUpstream(t, "", ca.IssueLocalhost(t))
	silent := fixtures.StartUpstream(t, "", ca.IssueLocalhost(t), func(req []byte) []byte { return nil })

	hooks := metrics.NewNoopHooks()
	answering := startProxy(t, "", newDoTUpstream(echo.Addr(), ca, time.Second, hooks), hooks)
	stalled := startProxy(t, "", newDoTUpstream(silent.Addr(), ca, 100*time.Millisecond, hooks), hooks)

	for i := 0; i < 3; i++ {
		resp, err := fixtures.Exchange(answering.Addr().String(), []byte("q"), 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, []byte("q"), resp)

		resp, err = fixtures.Exchange(stalled.Addr().String(), []byte("q"), 5*time.Second)
		require.NoError(t, err)
		require.Empty(t, resp)
	}

	require.Eventually(t, func() bool {
		return echo.Open() == 0 && silent.Open() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, echo.Accepted())
	require.Equal(t, 3, silent.Accepted())
}

func TestDNSProxyEndToEnd(t *testing.T) {
	ca := fixtures.NewCA(t)
	upstreamServer := fixtures.StartEchoUpstream(t, "127.0.0.1:8530", ca.IssueLocalhost(t))

	hooks := metrics.NewNoopHooks()
	startProxy(t, "127.0.0.1:5300", newDoTUpstream(upstreamServer.Addr(), ca, 2*time.Second, hooks), hooks)

	resp, err := fixtures.Exchange("127.0.0.1:5300", []byte("\x00\x01query"), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("\x00\x01query"), resp)
}

func TestDNSProxyHandleClientWriteFailure(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	handler := &DNSProxyHandler{
		Upstream:       &countingUpstream{resp: []byte("response")},
		ClientCxIOHook: metrics.NewNoopConnectionIOHook(),
		ProxyHook:      metrics.NewNoopProxyHook(),
		Logger:         quietLogger(),
	}

	go func() {
		client.Write([]byte("query"))
		client.Close()
	}()

	err := handler.Handle(context.Background(), server)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ClientWriteFailure, kind)
}

func TestDNSProxyHandleClientReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	upstream := &countingUpstream{resp: []byte("response")}
	handler := &DNSProxyHandler{
		Upstream:       upstream,
		ClientCxIOHook: metrics.NewNoopConnectionIOHook(),
		ProxyHook:      metrics.NewNoopProxyHook(),
		Logger:         quietLogger(),
	}

	conn := network.NewTCPConn(server, 50*time.Millisecond, 0)
	defer conn.Close()

	err := handler.Handle(context.Background(), conn)

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, ClientReadFailure, kind)
	require.True(t, isTimeout(err))
	require.Zero(t, atomic.LoadInt64(&upstream.calls))
}

func TestDNSProxyConsumeError(t *testing.T) {
	var out bytes.Buffer

	registry := metrics.NewPrometheusRegistry()
	handler := &DNSProxyHandler{
		Upstream:       &countingUpstream{},
		ClientCxIOHook: metrics.NewNoopConnectionIOHook(),
		ProxyHook:      registry.ProxyHook(),
		Logger:         log.NewWriterLogger(log.Info, &out),
	}

	ctx := context.WithValue(context.Background(), network.ConnIDContextKey, uint64(7))
	handler.ConsumeError(ctx, newUpstreamError("192.0.2.1:853", context.DeadlineExceeded))
	handler.ConsumeError(ctx, assert.AnError)

	require.Contains(t, out.String(), "dns_proxy: UpstreamTimeout: leg=upstream peer=192.0.2.1:853")
	require.Contains(t, out.String(), "conn_id=7")
	require.Equal(t, 1.0, testutil.ToFloat64(registry.ProxyErrors.WithLabelValues(UpstreamTimeout.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(registry.ProxyErrors.WithLabelValues("Internal")))
}
