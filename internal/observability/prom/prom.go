// Package prom adapts the statsd.Sink interface onto Prometheus collectors so
// the engine's metric helpers can export through a /metrics endpoint.
package prom

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/target/jobcoord/internal/observability/statsd"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "jobcoord"

// Options configures a Sink.
type Options struct {
	Namespace string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Labels fixes the label names for a metric. Metrics not listed take the
	// label names of their first observation.
	Labels map[string][]string
	Logger *slog.Logger
}

// Sink lazily creates a collector per metric name. Label values missing on a
// later observation are exported empty and unknown labels are dropped, since a
// Prometheus metric must keep one label set.
type Sink struct {
	namespace  string
	registerer prometheus.Registerer
	labels     map[string][]string
	logger     *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	schemas    map[string][]string
}

var _ statsd.Sink = (*Sink)(nil)

// NewSink builds a Sink.
func NewSink(opts Options) *Sink {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	labels := make(map[string][]string, len(opts.Labels))
	for name, keys := range opts.Labels {
		labels[name] = sortedCopy(keys)
	}
	return &Sink{
		namespace:  sanitize(ns),
		registerer: reg,
		labels:     labels,
		logger:     logger.With("component", "prometheus"),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		schemas:    make(map[string][]string),
	}
}

// Handler serves the metrics of the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Count implements statsd.Sink as a counter named <name>_total.
func (s *Sink) Count(name string, value int64, tags map[string]string) {
	if s == nil || value < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vec, ok := s.counters[name]
	keys := s.schemaLocked(name, tags)
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      sanitize(name) + "_total",
			Help:      "Count of " + name + ".",
		}, keys)
		if !s.register(name, vec) {
			return
		}
		s.counters[name] = vec
	}
	vec.WithLabelValues(values(keys, tags)...).Add(float64(value))
}

// Gauge implements statsd.Sink.
func (s *Sink) Gauge(name string, value float64, tags map[string]string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vec, ok := s.gauges[name]
	keys := s.schemaLocked(name, tags)
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: s.namespace,
			Name:      sanitize(name),
			Help:      "Current value of " + name + ".",
		}, keys)
		if !s.register(name, vec) {
			return
		}
		s.gauges[name] = vec
	}
	vec.WithLabelValues(values(keys, tags)...).Set(value)
}

// Timing implements statsd.Sink as a histogram in seconds.
func (s *Sink) Timing(name string, value time.Duration, tags map[string]string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vec, ok := s.histograms[name]
	keys := s.schemaLocked(name, tags)
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: s.namespace,
			Name:      sanitize(name) + "_seconds",
			Help:      "Duration of " + name + ".",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, keys)
		if !s.register(name, vec) {
			return
		}
		s.histograms[name] = vec
	}
	vec.WithLabelValues(values(keys, tags)...).Observe(value.Seconds())
}

func (s *Sink) register(name string, c prometheus.Collector) bool {
	if err := s.registerer.Register(c); err != nil {
		s.logger.Warn("prometheus register failed", "metric", name, "error", err)
		return false
	}
	return true
}

func (s *Sink) schemaLocked(name string, tags map[string]string) []string {
	if keys, ok := s.schemas[name]; ok {
		return keys
	}
	keys, ok := s.labels[name]
	if !ok {
		keys = make([]string, 0, len(tags))
		for k := range tags {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}
	s.schemas[name] = keys
	return keys
}

func values(keys []string, tags map[string]string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = tags[k]
	}
	return out
}

func sortedCopy(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

// sanitize maps a dotted StatsD name onto the Prometheus name charset.
func sanitize(name string) string {
	n := statsd.NormalizeMetricName(name)
	var b strings.Builder
	b.Grow(len(n))
	for i, r := range n {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
