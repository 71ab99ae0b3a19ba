package meta

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPrometheusPath is the HTTP path on which Prometheus metrics are exposed when the
// configuration does not name one.
const DefaultPrometheusPath = "/metrics"

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// StatsdConfig describes a statsd metrics sink.
type StatsdConfig struct {
	Address    string  `yaml:"addr"`
	SampleRate float64 `yaml:"sample_rate"`
}

// PrometheusConfig describes the HTTP endpoint on which Prometheus metrics are served.
type PrometheusConfig struct {
	Address string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd     *StatsdConfig     `yaml:"statsd"`
	Prometheus *PrometheusConfig `yaml:"prometheus"`
}

// Config describes all application configuration options. It is constructed once at startup and
// never mutated afterwards, so it is safe to share between connection handlers.
type Config struct {
	// Address and Port describe the plaintext TCP listener.
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// DoTServerAddress and DoTServerPort describe the DNS-over-TLS upstream. The address also
	// serves as the expected TLS server name.
	DoTServerAddress string `yaml:"dot_server_address"`
	DoTServerPort    int    `yaml:"dot_server_port"`
	// DoTTimeout is the upstream timeout in (possibly fractional) seconds.
	DoTTimeout float64 `yaml:"dot_timeout"`

	// MaxConcurrentConnections bounds the number of simultaneously served clients. Zero leaves
	// the listener unbounded.
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
	ClientReadTimeout        time.Duration `yaml:"client_read_timeout"`
	ClientWriteTimeout       time.Duration `yaml:"client_write_timeout"`

	Application *ApplicationConfig `yaml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: error reading config: path=%s", path)
	}

	return ParseConfigBytes(data)
}

// ParseConfigBytes parses and validates a Config from raw YAML.
func ParseConfigBytes(data []byte) (*Config, error) {
	var cfg *Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: error parsing config")
	}

	if cfg == nil {
		return nil, errors.New("config: invalid config file format: expected a mapping")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return cfg, nil
}

// ListenAddr returns the listener address as host:port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// UpstreamAddr returns the DNS-over-TLS upstream address as host:port.
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.DoTServerAddress, strconv.Itoa(c.DoTServerPort))
}

// UpstreamTimeout returns the upstream timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.DoTTimeout * float64(time.Second))
}

// validate the contents of the configuration. Returns an error if validation failed; nil otherwise.
func (c *Config) validate() error {
	/* Listener */

	if c.Address == "" {
		return errors.New("config: missing listener address")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("config: listener port must be in range [1, 65535]: port=%d", c.Port)
	}

	if c.MaxConcurrentConnections < 0 {
		return errors.Errorf(
			"config: max concurrent connections must be non-negative: value=%d",
			c.MaxConcurrentConnections,
		)
	}

	if c.ClientReadTimeout < 0 || c.ClientWriteTimeout < 0 {
		return errors.New("config: client timeouts must be non-negative")
	}

	/* Upstream */

	if c.DoTServerAddress == "" {
		return errors.New("config: missing DoT server address")
	}

	if c.DoTServerPort <= 0 || c.DoTServerPort > 65535 {
		return errors.Errorf("config: DoT server port must be in range [1, 65535]: port=%d", c.DoTServerPort)
	}

	if c.DoTTimeout <= 0 {
		return errors.Errorf("config: DoT timeout must be positive: timeout=%v", c.DoTTimeout)
	}

	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil && c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.Address == "" {
			return errors.New("config: missing metrics statsd address")
		}

		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return errors.New("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	if c.Metrics != nil && c.Metrics.Prometheus != nil {
		if c.Metrics.Prometheus.Address == "" {
			return errors.New("config: missing metrics prometheus address")
		}

		if path := c.Metrics.Prometheus.Path; path != "" && !strings.HasPrefix(path, "/") {
			return errors.Errorf("config: prometheus path must start with '/': path=%s", path)
		}
	}

	return nil
}

// setDefaults fills optional fields that were omitted.
func (c *Config) setDefaults() {
	if c.Metrics != nil && c.Metrics.Statsd != nil && c.Metrics.Statsd.SampleRate == 0 {
		c.Metrics.Statsd.SampleRate = 1
	}

	if c.Metrics != nil && c.Metrics.Prometheus != nil && c.Metrics.Prometheus.Path == "" {
		c.Metrics.Prometheus.Path = DefaultPrometheusPath
	}
}
