package metrics

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/pkg/errors"
)

// statsdBackend is the subset of statsd.Statter used by StatsdClient.
type statsdBackend interface {
	Inc(stat string, value int64, rate float32) error
	Gauge(stat string, value int64, rate float32) error
	Timing(stat string, delta int64, rate float32) error
	TimingDuration(stat string, delta time.Duration, rate float32) error
	Close() error
}

// StatsdClient is an abstraction over a UDP statsd emitter.
type StatsdClient struct {
	backend     statsdBackend
	defaultTags map[string]string
	sampleRate  float32
}

// NewStatsdClient creates a new statsd client pointing the specified listener/server address with
// an optional prefix and set of default tags to include with every metric.
func NewStatsdClient(addr string, prefix string, defaultTags map[string]string, sampleRate float32) (*StatsdClient, error) {
	client, err := statsd.NewClient(addr, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "statsd: error creating statsd client")
	}

	return &StatsdClient{
		backend:     client,
		defaultTags: defaultTags,
		sampleRate:  sampleRate,
	}, nil
}

// NewDefaultStatsdClient creates a StatsdClient with the dotproxy prefix, tagging every metric with
// the local hostname and the build version.
func NewDefaultStatsdClient(addr string, sampleRate float32, version string) (*StatsdClient, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "statsd: error reading hostname")
	}

	defaultTags := map[string]string{
		"host":    hostname,
		"version": version,
	}

	return NewStatsdClient(addr, "dotproxy", defaultTags, sampleRate)
}

// Count emits a count metric with a configurable delta.
func (c *StatsdClient) Count(metric string, delta int64, tags map[string]string) error {
	return c.backend.Inc(c.formatMetric(metric, tags), delta, c.sampleRate)
}

// Gauge emits a gauge metric.
func (c *StatsdClient) Gauge(metric string, value int64, tags map[string]string) error {
	return c.backend.Gauge(c.formatMetric(metric, tags), value, c.sampleRate)
}

// Timing emits a time duration metric.
func (c *StatsdClient) Timing(metric string, duration time.Duration, tags map[string]string) error {
	return c.backend.TimingDuration(c.formatMetric(metric, tags), duration, c.sampleRate)
}

// Size emits a payload size metric as the number of bytes.
func (c *StatsdClient) Size(metric string, size int64, tags map[string]string) error {
	// Size metrics share the same semantics with timing metrics; they are interpreted and
	// aggregated in the same way.
	return c.backend.Timing(c.formatMetric(metric, tags), size, c.sampleRate)
}

// Close releases the underlying UDP socket.
func (c *StatsdClient) Close() error {
	return c.backend.Close()
}

// formatMetric serializes a metric and a map of tags (in addition to any default tags) into a
// single string to ship to the time-series database backend. Tags are emitted in key order.
func (c *StatsdClient) formatMetric(metric string, tags map[string]string) string {
	// Some characters, like colons, are incompatible with the statsd protocol.
	// This standardizes on URL escaping to encode such characters that may appear in the metric
	// name or tag keys/values.
	escapedMetric := url.QueryEscape(metric)

	if len(c.defaultTags)+len(tags) == 0 {
		return escapedMetric
	}

	mergedTags := make(map[string]string, len(c.defaultTags)+len(tags))
	for key, value := range c.defaultTags {
		mergedTags[key] = value
	}
	for key, value := range tags {
		mergedTags[key] = value
	}

	keys := make([]string, 0, len(mergedTags))
	for key := range mergedTags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Tags are delimited InfluxDB-style.
	components := make([]string, 0, len(keys))
	for _, key := range keys {
		components = append(
			components,
			fmt.Sprintf("%s=%s", url.QueryEscape(key), url.QueryEscape(mergedTags[key])),
		)
	}

	return fmt.Sprintf("%s,%s", escapedMetric, strings.Join(components, ","))
}
