package metrics

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency buckets for connection setup, I/O, and end-to-end proxying, in seconds.
var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Payload size buckets in bytes. Payloads are capped at 1 KiB.
var sizeBuckets = []float64{32, 64, 128, 256, 512, 768, 1024}

// PrometheusRegistry holds all Prometheus collectors for the proxy and hands out hook
// implementations backed by them. Peer addresses are deliberately not used as labels to keep
// cardinality bounded.
type PrometheusRegistry struct {
	Registry *prometheus.Registry

	ConnectionsOpened  *prometheus.CounterVec
	ConnectionsClosed  *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionOpenTime *prometheus.HistogramVec

	IOLatency *prometheus.HistogramVec
	IOErrors  *prometheus.CounterVec

	RequestSize     prometheus.Histogram
	ResponseSize    prometheus.Histogram
	RTT             prometheus.Histogram
	UpstreamLatency prometheus.Histogram
	ProxyErrors     *prometheus.CounterVec
}

// NewPrometheusRegistry creates a registry with all collectors registered, along with the Go
// runtime and process collectors.
func NewPrometheusRegistry() *PrometheusRegistry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &PrometheusRegistry{
		Registry: reg,

		ConnectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotproxy_connections_opened_total",
			Help: "Total connections opened, by source.",
		}, []string{"source"}),

		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotproxy_connections_closed_total",
			Help: "Total connections closed, by source.",
		}, []string{"source"}),

		ConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotproxy_connection_errors_total",
			Help: "Total failures to establish a connection, by source.",
		}, []string{"source"}),

		ConnectionOpenTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dotproxy_connection_open_duration_seconds",
			Help:    "Time taken to establish a connection, by source.",
			Buckets: latencyBuckets,
		}, []string{"source"}),

		IOLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dotproxy_io_duration_seconds",
			Help:    "Latency of successful reads and writes, by source and operation.",
			Buckets: latencyBuckets,
		}, []string{"source", "op"}),

		IOErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotproxy_io_errors_total",
			Help: "Total failed I/O operations, by source and reason.",
		}, []string{"source", "reason"}),

		RequestSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dotproxy_request_size_bytes",
			Help:    "Size of proxied client requests.",
			Buckets: sizeBuckets,
		}),

		ResponseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dotproxy_response_size_bytes",
			Help:    "Size of proxied upstream responses.",
			Buckets: sizeBuckets,
		}),

		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dotproxy_request_duration_seconds",
			Help:    "End-to-end latency of served requests.",
			Buckets: latencyBuckets,
		}),

		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dotproxy_upstream_duration_seconds",
			Help:    "Latency of upstream transactions, including session setup.",
			Buckets: latencyBuckets,
		}),

		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotproxy_errors_total",
			Help: "Total requests that could not be served, by error kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		p.ConnectionsOpened,
		p.ConnectionsClosed,
		p.ConnectionErrors,
		p.ConnectionOpenTime,
		p.IOLatency,
		p.IOErrors,
		p.RequestSize,
		p.ResponseSize,
		p.RTT,
		p.UpstreamLatency,
		p.ProxyErrors,
	)

	return p
}

// Handler returns an HTTP handler that serves the registry in the Prometheus exposition format.
func (p *PrometheusRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{Registry: p.Registry})
}

// ConnectionLifecycleHook returns a lifecycle hook recording into the registry under source.
func (p *PrometheusRegistry) ConnectionLifecycleHook(source string) ConnectionLifecycleHook {
	return &prometheusConnectionLifecycleHook{registry: p, source: source}
}

// ConnectionIOHook returns an I/O hook recording into the registry under source.
func (p *PrometheusRegistry) ConnectionIOHook(source string) ConnectionIOHook {
	return &prometheusConnectionIOHook{registry: p, source: source}
}

// ProxyHook returns a proxy hook recording into the registry.
func (p *PrometheusRegistry) ProxyHook() ProxyHook {
	return &prometheusProxyHook{registry: p}
}

type prometheusConnectionLifecycleHook struct {
	registry *PrometheusRegistry
	source   string
}

func (h *prometheusConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	h.registry.ConnectionsOpened.WithLabelValues(h.source).Inc()

	if latency > 0 {
		h.registry.ConnectionOpenTime.WithLabelValues(h.source).Observe(latency.Seconds())
	}
}

func (h *prometheusConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	h.registry.ConnectionsClosed.WithLabelValues(h.source).Inc()
}

func (h *prometheusConnectionLifecycleHook) EmitConnectionError() {
	h.registry.ConnectionErrors.WithLabelValues(h.source).Inc()
}

type prometheusConnectionIOHook struct {
	registry *PrometheusRegistry
	source   string
}

func (h *prometheusConnectionIOHook) EmitRead(latency time.Duration, addr net.Addr) {
	h.registry.IOLatency.WithLabelValues(h.source, "read").Observe(latency.Seconds())
}

func (h *prometheusConnectionIOHook) EmitReadError(addr net.Addr) {
	h.registry.IOErrors.WithLabelValues(h.source, "read").Inc()
}

func (h *prometheusConnectionIOHook) EmitWrite(latency time.Duration, addr net.Addr) {
	h.registry.IOLatency.WithLabelValues(h.source, "write").Observe(latency.Seconds())
}

func (h *prometheusConnectionIOHook) EmitWriteError(addr net.Addr) {
	h.registry.IOErrors.WithLabelValues(h.source, "write").Inc()
}

func (h *prometheusConnectionIOHook) EmitTimeout(addr net.Addr) {
	h.registry.IOErrors.WithLabelValues(h.source, "timeout").Inc()
}

type prometheusProxyHook struct {
	registry *PrometheusRegistry
}

func (h *prometheusProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	h.registry.RequestSize.Observe(float64(bytes))
}

func (h *prometheusProxyHook) EmitResponseSize(bytes int64, client net.Addr) {
	h.registry.ResponseSize.Observe(float64(bytes))
}

func (h *prometheusProxyHook) EmitRTT(latency time.Duration, client net.Addr) {
	h.registry.RTT.Observe(latency.Seconds())
}

func (h *prometheusProxyHook) EmitUpstreamLatency(latency time.Duration, client net.Addr) {
	h.registry.UpstreamLatency.Observe(latency.Seconds())
}

func (h *prometheusProxyHook) EmitError(kind string) {
	h.registry.ProxyErrors.WithLabelValues(kind).Inc()
}
