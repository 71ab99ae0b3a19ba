package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/meta"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
)

func parseCLI(t *testing.T, args ...string) CLI {
	t.Helper()

	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "dotproxy/test"})
	require.NoError(t, err)

	_, err = parser.Parse(args)
	require.NoError(t, err)

	return cli
}

func TestCLIDefaults(t *testing.T) {
	t.Setenv("DOTPROXY_CONFIG", "")
	os.Unsetenv("DOTPROXY_CONFIG")

	cli := parseCLI(t)
	require.Equal(t, "./config.yaml", cli.Config)
	require.Equal(t, "info", cli.Verbosity)
}

func TestCLIOverrides(t *testing.T) {
	t.Setenv("DOTPROXY_CONFIG", "/etc/dotproxy/env.yaml")

	require.Equal(t, "/etc/dotproxy/env.yaml", parseCLI(t).Config)

	cli := parseCLI(t, "-c", "/tmp/flag.yaml", "--verbosity", "debug")
	require.Equal(t, "/tmp/flag.yaml", cli.Config)
	require.Equal(t, "debug", cli.Verbosity)
}

func TestCLIRejectsUnknownVerbosity(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "dotproxy/test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--verbosity", "loud"})
	require.Error(t, err)
}

func TestBuildHooksWithoutMetrics(t *testing.T) {
	config := &meta.Config{}

	hooks, closeMetrics, err := buildHooks(config, log.NewWriterLogger(log.Error, io.Discard))
	require.NoError(t, err)
	defer closeMetrics()

	require.IsType(t, &metrics.NoopProxyHook{}, hooks.Proxy)
	require.IsType(t, &metrics.NoopConnectionLifecycleHook{}, hooks.ClientLifecycle)
}

func TestBuildHooksWithStatsd(t *testing.T) {
	config := &meta.Config{
		Metrics: &meta.MetricsConfig{
			Statsd: &meta.StatsdConfig{Address: "127.0.0.1:8125", SampleRate: 1},
		},
	}

	hooks, closeMetrics, err := buildHooks(config, log.NewWriterLogger(log.Error, io.Discard))
	require.NoError(t, err)
	defer closeMetrics()

	require.IsType(t, &metrics.AsyncStatsdProxyHook{}, hooks.Proxy)
}

func TestMetricsServerServesRegistry(t *testing.T) {
	registry := metrics.NewPrometheusRegistry()
	registry.ProxyHook().EmitError("UpstreamTimeout")

	srv := newMetricsServer(&meta.PrometheusConfig{Address: "127.0.0.1:0", Path: "/metrics"}, registry)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `dotproxy_errors_total{kind="UpstreamTimeout"} 1`)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
