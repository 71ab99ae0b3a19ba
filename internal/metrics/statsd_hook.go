package metrics

import (
	"fmt"
	"net"
	"time"
)

// AsyncStatsdConnectionLifecycleHook is an implementation of ConnectionLifecycleHook that outputs
// metrics asynchronously to statsd.
type AsyncStatsdConnectionLifecycleHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdConnectionIOHook is an implementation of ConnectionIOHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdConnectionIOHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdProxyHook is an implementation of ProxyHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdProxyHook struct {
	client *StatsdClient
}

// NewAsyncStatsdConnectionLifecycleHook creates a lifecycle hook for the given source. The source
// denotes the entity with whom the server is opening and closing TCP connections, i.e. "client"
// or "upstream".
func NewAsyncStatsdConnectionLifecycleHook(source string, client *StatsdClient) ConnectionLifecycleHook {
	return &AsyncStatsdConnectionLifecycleHook{client: client, source: source}
}

// EmitConnectionOpen statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{"addr": ipFromAddr(addr)}

		h.client.Count(fmt.Sprintf("event.%s.cx_open", h.source), 1, tags)

		if latency > 0 {
			h.client.Timing(fmt.Sprintf("latency.%s.cx_open", h.source), latency, tags)
		}
	}()
}

// EmitConnectionClose statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.cx_close", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitConnectionError statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionError() {
	go h.client.Count(fmt.Sprintf("event.%s.cx_error", h.source), 1, nil)
}

// NewAsyncStatsdConnectionIOHook creates an I/O hook for the given source.
func NewAsyncStatsdConnectionIOHook(source string, client *StatsdClient) ConnectionIOHook {
	return &AsyncStatsdConnectionIOHook{client: client, source: source}
}

// EmitRead statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {
	go h.client.Timing(fmt.Sprintf("latency.%s.read", h.source), latency, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitWrite statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {
	go h.client.Timing(fmt.Sprintf("latency.%s.write", h.source), latency, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// EmitTimeout statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitTimeout(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.timeout", h.source), 1, map[string]string{
		"addr": ipFromAddr(addr),
	})
}

// NewAsyncStatsdProxyHook creates a proxy hook emitting through the given client.
func NewAsyncStatsdProxyHook(client *StatsdClient) ProxyHook {
	return &AsyncStatsdProxyHook{client}
}

// EmitRequestSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.request", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitResponseSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitResponseSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.response", bytes, map[string]string{
		"addr": ipFromAddr(client),
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdProxyHook) EmitRTT(latency time.Duration, client net.Addr) {
	go h.client.Timing("latency.proxy.tx_rtt", latency, map[string]string{
		"client": ipFromAddr(client),
	})
}

// EmitUpstreamLatency statsd implementation
func (h *AsyncStatsdProxyHook) EmitUpstreamLatency(latency time.Duration, client net.Addr) {
	go h.client.Timing("latency.proxy.tx_upstream", latency, map[string]string{
		"client": ipFromAddr(client),
	})
}

// EmitError statsd implementation
func (h *AsyncStatsdProxyHook) EmitError(kind string) {
	go h.client.Count("event.proxy.error", 1, map[string]string{"kind": kind})
}
