// Package prometheus exposes stats as prometheus metrics, registered on
// the default registerer so the handler's /metrics endpoint picks them
// up without extra wiring.
package prometheus

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/stats"
)

// namespace is prepended to every metric name.
const namespace = "meridian"

// Ensure client implements interface.
var _ stats.StatsClient = &prometheusClient{}

// prometheusClient translates the StatsD-flavored StatsClient calls
// into prometheus collectors. Collectors are created lazily, once per
// metric name and tag set, and shared between derived clients.
type prometheusClient struct {
	mu        *sync.Mutex
	registry  prometheus.Registerer
	counters  map[string]prometheus.Counter
	gauges    map[string]prometheus.Gauge
	summaries map[string]prometheus.Summary

	tags   []string
	logger logger.Logger
}

// NewPrometheusClient returns a client registering on the default
// registerer.
func NewPrometheusClient() *prometheusClient {
	return NewPrometheusClientWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPrometheusClientWithRegisterer returns a client registering its
// collectors on r.
func NewPrometheusClientWithRegisterer(r prometheus.Registerer) *prometheusClient {
	return &prometheusClient{
		mu:        &sync.Mutex{},
		registry:  r,
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]prometheus.Gauge),
		summaries: make(map[string]prometheus.Summary),
		logger:    logger.NopLogger,
	}
}

// Open no-op.
func (c *prometheusClient) Open() {}

// Close no-op. Collectors stay registered; metrics outlive the client.
func (c *prometheusClient) Close() error { return nil }

// Tags returns a sorted list of tags on the client.
func (c *prometheusClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended. The
// derived client shares the underlying collectors.
func (c *prometheusClient) WithTags(tags ...string) stats.StatsClient {
	return &prometheusClient{
		mu:        c.mu,
		registry:  c.registry,
		counters:  c.counters,
		gauges:    c.gauges,
		summaries: c.summaries,
		tags:      stats.UnionStringSlice(c.tags, tags),
		logger:    c.logger,
	}
}

// Count tracks the number of times something occurs per second.
func (c *prometheusClient) Count(name string, value int64, rate float64) {
	c.CountWithCustomTags(name, value, rate, nil)
}

// CountWithCustomTags tracks the number of times something occurs per second with custom tags.
func (c *prometheusClient) CountWithCustomTags(name string, value int64, rate float64, tags []string) {
	ctr, err := c.counter(name, stats.UnionStringSlice(c.tags, tags))
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Count error: %s", err)
		return
	}
	ctr.Add(float64(value))
}

// Gauge sets the value of a metric.
func (c *prometheusClient) Gauge(name string, value float64, rate float64) {
	g, err := c.gauge(name, c.tags)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Gauge error: %s", err)
		return
	}
	g.Set(value)
}

// Histogram tracks statistical distribution of a metric.
func (c *prometheusClient) Histogram(name string, value float64, rate float64) {
	s, err := c.summary(name, c.tags)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Histogram error: %s", err)
		return
	}
	s.Observe(value)
}

// Set is a no-op: StatsD sets have no prometheus equivalent, and a
// label per observed value would be unbounded cardinality.
func (c *prometheusClient) Set(name string, value string, rate float64) {}

// Timing tracks timing information for a metric, observed in seconds.
func (c *prometheusClient) Timing(name string, value time.Duration, rate float64) {
	s, err := c.summary(name, c.tags)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Timing error: %s", err)
		return
	}
	s.Observe(value.Seconds())
}

// SetLogger sets the logger for client.
func (c *prometheusClient) SetLogger(logger logger.Logger) {
	c.logger = logger
}

func (c *prometheusClient) counter(name string, tags []string) (prometheus.Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, tags)
	if ctr, ok := c.counters[key]; ok {
		return ctr, nil
	}
	ctr := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        sanitize(name),
		Help:        name,
		ConstLabels: tagLabels(tags),
	})
	if err := c.register(ctr); err != nil {
		return nil, err
	}
	c.counters[key] = ctr
	return ctr, nil
}

func (c *prometheusClient) gauge(name string, tags []string) (prometheus.Gauge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, tags)
	if g, ok := c.gauges[key]; ok {
		return g, nil
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        sanitize(name),
		Help:        name,
		ConstLabels: tagLabels(tags),
	})
	if err := c.register(g); err != nil {
		return nil, err
	}
	c.gauges[key] = g
	return g, nil
}

func (c *prometheusClient) summary(name string, tags []string) (prometheus.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := collectorKey(name, tags)
	if s, ok := c.summaries[key]; ok {
		return s, nil
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:   namespace,
		Name:        sanitize(name),
		Help:        name,
		ConstLabels: tagLabels(tags),
	})
	if err := c.register(s); err != nil {
		return nil, err
	}
	c.summaries[key] = s
	return s, nil
}

// register registers col, reusing the existing collector when another
// client already registered the same metric.
func (c *prometheusClient) register(col prometheus.Collector) error {
	err := c.registry.Register(col)
	if err == nil {
		return nil
	}
	if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return nil
	}
	return err
}

func collectorKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	return name + "|" + strings.Join(tags, ",")
}

// tagLabels converts "key:value" StatsD tags into prometheus labels.
// Tags without a value become "tag"="true".
func tagLabels(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return nil
	}
	labels := make(prometheus.Labels, len(tags))
	for _, tag := range tags {
		if i := strings.Index(tag, ":"); i > 0 {
			labels[sanitize(tag[:i])] = tag[i+1:]
		} else {
			labels[sanitize(tag)] = "true"
		}
	}
	return labels
}

// sanitize rewrites a StatsD metric name into a legal prometheus one.
func sanitize(name string) string {
	out := []byte(name)
	for i, b := range out {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b == '_':
		case b >= '0' && b <= '9' && i > 0:
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
