package metrics

import (
	"net"
	"time"
)

// MultiConnectionLifecycleHook fans every emission out to each of its hooks, in order.
type MultiConnectionLifecycleHook []ConnectionLifecycleHook

// MultiConnectionIOHook fans every emission out to each of its hooks, in order.
type MultiConnectionIOHook []ConnectionIOHook

// MultiProxyHook fans every emission out to each of its hooks, in order.
type MultiProxyHook []ProxyHook

// EmitConnectionOpen fans out.
func (m MultiConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	for _, h := range m {
		h.EmitConnectionOpen(latency, addr)
	}
}

// EmitConnectionClose fans out.
func (m MultiConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	for _, h := range m {
		h.EmitConnectionClose(addr)
	}
}

// EmitConnectionError fans out.
func (m MultiConnectionLifecycleHook) EmitConnectionError() {
	for _, h := range m {
		h.EmitConnectionError()
	}
}

// EmitRead fans out.
func (m MultiConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {
	for _, h := range m {
		h.EmitRead(latency, addr)
	}
}

// EmitReadError fans out.
func (m MultiConnectionIOHook) EmitReadError(addr net.Addr) {
	for _, h := range m {
		h.EmitReadError(addr)
	}
}

// EmitWrite fans out.
func (m MultiConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {
	for _, h := range m {
		h.EmitWrite(latency, addr)
	}
}

// EmitWriteError fans out.
func (m MultiConnectionIOHook) EmitWriteError(addr net.Addr) {
	for _, h := range m {
		h.EmitWriteError(addr)
	}
}

// EmitTimeout fans out.
func (m MultiConnectionIOHook) EmitTimeout(addr net.Addr) {
	for _, h := range m {
		h.EmitTimeout(addr)
	}
}

// EmitRequestSize fans out.
func (m MultiProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	for _, h := range m {
		h.EmitRequestSize(bytes, client)
	}
}

// EmitResponseSize fans out.
func (m MultiProxyHook) EmitResponseSize(bytes int64, client net.Addr) {
	for _, h := range m {
		h.EmitResponseSize(bytes, client)
	}
}

// EmitRTT fans out.
func (m MultiProxyHook) EmitRTT(latency time.Duration, client net.Addr) {
	for _, h := range m {
		h.EmitRTT(latency, client)
	}
}

// EmitUpstreamLatency fans out.
func (m MultiProxyHook) EmitUpstreamLatency(latency time.Duration, client net.Addr) {
	for _, h := range m {
		h.EmitUpstreamLatency(latency, client)
	}
}

// EmitError fans out.
func (m MultiProxyHook) EmitError(kind string) {
	for _, h := range m {
		h.EmitError(kind)
	}
}
