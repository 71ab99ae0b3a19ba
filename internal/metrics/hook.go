package metrics

import (
	"net"
	"time"
)

// ConnectionLifecycleHook is a metrics hook interface for reporting events that occur during a TCP
// connection lifecycle, on either the client or the upstream side of the proxy.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports the event that a connection was successfully opened.
	EmitConnectionOpen(latency time.Duration, addr net.Addr)

	// EmitConnectionClose reports the event that a connection was closed.
	EmitConnectionClose(addr net.Addr)

	// EmitConnectionError reports occurrence of an error establishing a connection.
	EmitConnectionError()
}

// ConnectionIOHook is a metrics hook interface for reporting events related to I/O with an
// established connection.
type ConnectionIOHook interface {
	// EmitRead reports a successful read and its latency.
	EmitRead(latency time.Duration, addr net.Addr)

	// EmitReadError reports the event that a connection read failed.
	EmitReadError(addr net.Addr)

	// EmitWrite reports a successful write and its latency.
	EmitWrite(latency time.Duration, addr net.Addr)

	// EmitWriteError reports the event that a connection write failed.
	EmitWriteError(addr net.Addr)

	// EmitTimeout reports the event that an I/O operation exceeded its deadline.
	EmitTimeout(addr net.Addr)
}

// ProxyHook is a metrics hook interface for reporting events and latencies related to end-to-end
// proxying of a client request with the upstream server.
type ProxyHook interface {
	// EmitRequestSize reports the size of the proxied request on the wire.
	EmitRequestSize(bytes int64, client net.Addr)

	// EmitResponseSize reports the size of the proxied response on the wire.
	EmitResponseSize(bytes int64, client net.Addr)

	// EmitRTT reports the total, end-to-end latency associated with serving a single request
	// from a client. This includes the time to establish/teardown the upstream session, transact
	// with the upstream, and proxy the response back to the client.
	EmitRTT(latency time.Duration, client net.Addr)

	// EmitUpstreamLatency reports the latency associated with transacting with the upstream
	// to serve a single request.
	EmitUpstreamLatency(latency time.Duration, client net.Addr)

	// EmitError reports the occurrence of an error of the given kind that caused the request to
	// not be served.
	EmitError(kind string)
}

// NoopConnectionLifecycleHook implements the ConnectionLifecycleHook interface but noops on all
// emissions.
type NoopConnectionLifecycleHook struct{}

// NoopConnectionIOHook implements the ConnectionIOHook interface but noops on all emissions.
type NoopConnectionIOHook struct{}

// NoopProxyHook implements the ProxyHook interface but noops on all emissions.
type NoopProxyHook struct{}

// NewNoopConnectionLifecycleHook creates a noop implementation of ConnectionLifecycleHook.
func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

// EmitConnectionOpen noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {}

// EmitConnectionClose noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {}

// EmitConnectionError noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

// NewNoopConnectionIOHook creates a noop implementation of ConnectionIOHook.
func NewNoopConnectionIOHook() ConnectionIOHook {
	return &NoopConnectionIOHook{}
}

// EmitRead noops.
func (h *NoopConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {}

// EmitReadError noops.
func (h *NoopConnectionIOHook) EmitReadError(addr net.Addr) {}

// EmitWrite noops.
func (h *NoopConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopConnectionIOHook) EmitWriteError(addr net.Addr) {}

// EmitTimeout noops.
func (h *NoopConnectionIOHook) EmitTimeout(addr net.Addr) {}

// NewNoopProxyHook creates a noop implementation of ProxyHook.
func NewNoopProxyHook() ProxyHook {
	return &NoopProxyHook{}
}

// EmitRequestSize noops.
func (h *NoopProxyHook) EmitRequestSize(bytes int64, client net.Addr) {}

// EmitResponseSize noops.
func (h *NoopProxyHook) EmitResponseSize(bytes int64, client net.Addr) {}

// EmitRTT noops.
func (h *NoopProxyHook) EmitRTT(latency time.Duration, client net.Addr) {}

// EmitUpstreamLatency noops.
func (h *NoopProxyHook) EmitUpstreamLatency(latency time.Duration, client net.Addr) {}

// EmitError noops.
func (h *NoopProxyHook) EmitError(kind string) {}

// ipFromAddr returns the IP address from a full net.Addr, or null if unavailable.
func ipFromAddr(addr net.Addr) string {
	switch networkAddr := addr.(type) {
	case *net.UDPAddr:
		return networkAddr.IP.String()
	case *net.TCPAddr:
		return networkAddr.IP.String()
	default:
		return "null"
	}
}
