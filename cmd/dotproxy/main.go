package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ntnrmr/dot-proxy/internal/log"
	"github.com/ntnrmr/dot-proxy/internal/meta"
	"github.com/ntnrmr/dot-proxy/internal/metrics"
	"github.com/ntnrmr/dot-proxy/internal/network"
	"github.com/ntnrmr/dot-proxy/internal/protocol"
)

// shutdownTimeout bounds how long in-flight connections may drain after a termination signal.
const shutdownTimeout = 10 * time.Second

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string           `kong:"short='c',help='Path to the YAML configuration file.',env='DOTPROXY_CONFIG',default='./config.yaml'"`
	Verbosity string           `kong:"help='Logging verbosity: one of error, warn, info, debug.',enum='error,warn,info,debug',default='info'"`
	Version   kong.VersionFlag `kong:"help='Print the compiled dotproxy version SHA and exit.'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("dotproxy"),
		kong.Description("Plaintext TCP DNS to DNS-over-TLS forwarding proxy."),
		kong.Vars{"version": "dotproxy/" + meta.VersionSHA},
	)

	level, _ := log.ParseLevel(cli.Verbosity)
	logger := log.NewConsoleLogger(level)
	logger.Debug("main: initialized logger: level=%v", level)

	if err := run(cli, logger); err != nil {
		logger.Error("main: fatal error: err=%v", err)
		os.Exit(1)
	}
}

// run wires every component from the configuration and serves until the process is signalled.
func run(cli CLI, logger log.Logger) error {
	logger.Debug("main: reading and parsing config: path=%s", cli.Config)

	config, err := meta.ParseConfig(cli.Config)
	if err != nil {
		return err
	}

	// Configure error reporting
	var reporter *raven.Client
	if config.Application != nil && config.Application.SentryDSN != "" {
		if reporter, err = raven.New(config.Application.SentryDSN); err != nil {
			return errors.Wrap(err, "main: error configuring sentry")
		}

		reporter.SetRelease(meta.VersionSHA)
		defer reporter.Close()
	}

	// Configure metrics reporting
	hooks, closeMetrics, err := buildHooks(config, logger)
	if err != nil {
		return err
	}
	defer closeMetrics()

	// Configure the upstream
	timeout := config.UpstreamTimeout()

	logger.Info(
		"main: configuring DoT upstream: addr=%s name=%s timeout=%v",
		config.UpstreamAddr(),
		config.DoTServerAddress,
		timeout,
	)

	client := network.NewTLSClient(
		config.UpstreamAddr(),
		config.DoTServerAddress,
		hooks.UpstreamLifecycle,
		network.TLSClientOpts{
			ConnectTimeout:   timeout,
			HandshakeTimeout: timeout,
			ReadTimeout:      timeout,
			WriteTimeout:     timeout,
		},
	)

	h := &protocol.DNSProxyHandler{
		Upstream: &protocol.DoTUpstream{
			Client: client,
			IOHook: hooks.UpstreamIO,
			Logger: logger,
		},
		ClientCxIOHook: hooks.ClientIO,
		ProxyHook:      hooks.Proxy,
		Logger:         logger,
		Reporter:       reporter,
	}

	// Configure the server listener
	logger.Info(
		"main: configuring TCP server listener: addr=%s max_concurrent_conns=%d",
		config.ListenAddr(),
		config.MaxConcurrentConnections,
	)

	server := network.NewTCPServer(
		config.ListenAddr(),
		hooks.ClientLifecycle,
		logger,
		network.TCPServerOpts{
			ReadTimeout:              config.ClientReadTimeout,
			WriteTimeout:             config.ClientWriteTimeout,
			MaxConcurrentConnections: config.MaxConcurrentConnections,
		},
	)

	if err := server.Listen(); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainOnSignal(server, logger)
	}()

	logger.Info("main: serving until terminated")

	if err := server.Serve(h); err != nil {
		return err
	}

	<-drained

	return nil
}

// buildHooks creates the metrics hooks for every configured output engine. The returned function
// releases any resources held by them.
func buildHooks(config *meta.Config, logger log.Logger) (metrics.Hooks, func(), error) {
	var bundles []metrics.Hooks
	var closers []func()

	closeAll := func() {
		for _, closer := range closers {
			closer()
		}
	}

	if config.Metrics != nil && config.Metrics.Statsd != nil {
		logger.Info(
			"main: configuring statsd metrics reporting: addr=%s sample_rate=%f",
			config.Metrics.Statsd.Address,
			config.Metrics.Statsd.SampleRate,
		)

		client, err := metrics.NewDefaultStatsdClient(
			config.Metrics.Statsd.Address,
			float32(config.Metrics.Statsd.SampleRate),
			meta.VersionSHA,
		)
		if err != nil {
			return metrics.Hooks{}, closeAll, err
		}

		closers = append(closers, func() { client.Close() })
		bundles = append(bundles, metrics.NewStatsdHooks(client))
	}

	if config.Metrics != nil && config.Metrics.Prometheus != nil {
		logger.Info(
			"main: serving prometheus metrics: addr=%s path=%s",
			config.Metrics.Prometheus.Address,
			config.Metrics.Prometheus.Path,
		)

		registry := metrics.NewPrometheusRegistry()
		srv := newMetricsServer(config.Metrics.Prometheus, registry)

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("main: prometheus metrics server failed: err=%v", err)
			}
		}()

		closers = append(closers, func() { srv.Close() })
		bundles = append(bundles, registry.Hooks())
	}

	if len(bundles) == 0 {
		logger.Warn("main: no metrics output engine specified; disabling metrics")
	}

	return metrics.CombineHooks(bundles...), closeAll, nil
}

// newMetricsServer creates an HTTP server exposing the registry on the configured path.
func newMetricsServer(config *meta.PrometheusConfig, registry *metrics.PrometheusRegistry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(config.Path, registry.Handler())

	return &http.Server{
		Addr:              config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// drainOnSignal stops the server on SIGINT or SIGTERM and waits for in-flight connections.
func drainOnSignal(server *network.TCPServer, logger log.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signals
	logger.Info("main: received signal; shutting down: signal=%v", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("main: connections did not drain before timeout: err=%v", err)
	}
}
