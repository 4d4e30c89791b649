package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/defenseunicorns/uds-vuln-hub/internal/log"
)

// DefaultNamespace prefixes every metric registered through a Collector.
const DefaultNamespace = "vulnhub"

var (
	// ErrAlreadyRegistered is returned when a metric name is registered twice on a Collector.
	ErrAlreadyRegistered = errors.New("metric already registered")
	// ErrNotRegistered is returned when updating a metric that was never registered.
	ErrNotRegistered = errors.New("metric not registered")
)

type contextKey struct{ namespace string }

// Collector owns a prometheus registry and the vectors registered on it by name.
type Collector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	namespace  string
	mu         sync.Mutex
}

// NewCollector creates a Collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Collector{
		registry:   prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		namespace:  namespace,
	}
}

// WithMetrics returns a context carrying c under its namespace.
func WithMetrics(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, contextKey{c.namespace}, c)
}

// FromContext returns the Collector stored for namespace, or a fresh unshared one.
func FromContext(ctx context.Context, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if c, ok := ctx.Value(contextKey{namespace}).(*Collector); ok {
		return c
	}
	return NewCollector(namespace)
}

func (c *Collector) taken(name string) bool {
	_, counter := c.counters[name]
	_, histogram := c.histograms[name]
	_, gauge := c.gauges[name]
	return counter || histogram || gauge
}

// RegisterCounter registers a counter vector named namespace_name.
func (c *Collector) RegisterCounter(ctx context.Context, name, help string, labels ...string) (*prometheus.CounterVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taken(name) {
		return nil, fmt.Errorf("counter %s: %w", name, ErrAlreadyRegistered)
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
	if err := c.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("error registering counter %s: %w", name, err)
	}
	c.counters[name] = vec
	log.NewLogger(ctx).Debug("RegisterCounter", zap.String("name", name), zap.Strings("labels", labels))
	return vec, nil
}

// RegisterHistogram registers a histogram vector. Nil buckets use prometheus.DefBuckets.
func (c *Collector) RegisterHistogram(ctx context.Context, name, help string, buckets []float64, labels ...string) (*prometheus.HistogramVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taken(name) {
		return nil, fmt.Errorf("histogram %s: %w", name, ErrAlreadyRegistered)
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: c.namespace, Name: name, Help: help, Buckets: buckets}, labels)
	if err := c.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("error registering histogram %s: %w", name, err)
	}
	c.histograms[name] = vec
	log.NewLogger(ctx).Debug("RegisterHistogram", zap.String("name", name), zap.Strings("labels", labels))
	return vec, nil
}

// RegisterGauge registers a gauge vector.
func (c *Collector) RegisterGauge(ctx context.Context, name, help string, labels ...string) (*prometheus.GaugeVec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taken(name) {
		return nil, fmt.Errorf("gauge %s: %w", name, ErrAlreadyRegistered)
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: c.namespace, Name: name, Help: help}, labels)
	if err := c.registry.Register(vec); err != nil {
		return nil, fmt.Errorf("error registering gauge %s: %w", name, err)
	}
	c.gauges[name] = vec
	log.NewLogger(ctx).Debug("RegisterGauge", zap.String("name", name), zap.Strings("labels", labels))
	return vec, nil
}

// AddCounter adds value to the counter with the given label values.
func (c *Collector) AddCounter(_ context.Context, name string, value float64, labelValues ...string) error {
	c.mu.Lock()
	vec, ok := c.counters[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("counter %s: %w", name, ErrNotRegistered)
	}
	counter, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("error resolving counter %s: %w", name, err)
	}
	counter.Add(value)
	return nil
}

// ObserveHistogram records value on the histogram with the given label values.
func (c *Collector) ObserveHistogram(_ context.Context, name string, value float64, labelValues ...string) error {
	c.mu.Lock()
	vec, ok := c.histograms[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("histogram %s: %w", name, ErrNotRegistered)
	}
	observer, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("error resolving histogram %s: %w", name, err)
	}
	observer.Observe(value)
	return nil
}

// AddGauge adds value (possibly negative) to the gauge with the given label values.
func (c *Collector) AddGauge(_ context.Context, name string, value float64, labelValues ...string) error {
	c.mu.Lock()
	vec, ok := c.gauges[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("gauge %s: %w", name, ErrNotRegistered)
	}
	gauge, err := vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return fmt.Errorf("error resolving gauge %s: %w", name, err)
	}
	gauge.Add(value)
	return nil
}

// Unregister removes the metric called name. It reports whether anything was removed.
func (c *Collector) Unregister(_ context.Context, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var col prometheus.Collector
	if v, ok := c.counters[name]; ok {
		col = v
		delete(c.counters, name)
	} else if v, ok := c.histograms[name]; ok {
		col = v
		delete(c.histograms, name)
	} else if v, ok := c.gauges[name]; ok {
		col = v
		delete(c.gauges, name)
	}
	if col == nil {
		return false
	}
	return c.registry.Unregister(col)
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// MetricsHandler serves the collector's registry in the prometheus exposition format.
func (c *Collector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
