package mqttclient

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exports the client's instruments through a Prometheus
// registerer. Each metric name is bound to the label names of its first use;
// a later call with a different label set is served by an unexported
// in-memory instrument.
//
// Values read back through Counter.Value and friends come from an in-memory
// mirror updated alongside the Prometheus collector.
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string

	mirror *MemoryMetrics
}

// PrometheusOption configures PrometheusMetrics.
type PrometheusOption func(*PrometheusMetrics)

// WithPrometheusNamespace prefixes every metric name.
func WithPrometheusNamespace(ns string) PrometheusOption {
	return func(p *PrometheusMetrics) { p.namespace = ns }
}

// WithPrometheusBuckets sets the histogram buckets, in seconds.
func WithPrometheusBuckets(buckets []float64) PrometheusOption {
	return func(p *PrometheusMetrics) { p.buckets = buckets }
}

// NewPrometheusMetrics creates a sink registering on reg, or on
// prometheus.DefaultRegisterer when reg is nil.
func NewPrometheusMetrics(reg prometheus.Registerer, opts ...PrometheusOption) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		registerer: reg,
		buckets:    prometheus.DefBuckets,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
		mirror:     NewMemoryMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sortedLabelNames(labels MetricLabels) []string {
	return slices.Sorted(maps.Keys(labels))
}

// bind reports whether name may be exported with labels, fixing its label
// names on first use.
func (p *PrometheusMetrics) bind(name string, labels MetricLabels) ([]string, bool) {
	names := sortedLabelNames(labels)
	if bound, ok := p.labelNames[name]; ok {
		return bound, slices.Equal(bound, names)
	}
	p.labelNames[name] = names
	return names, true
}

func (p *PrometheusMetrics) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		return nil
	}
	return c
}

// Counter returns a counter metric.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	local := p.mirror.Counter(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	names, ok := p.bind(name, labels)
	if !ok {
		return local
	}

	vec, ok := p.counters[name]
	if !ok {
		created := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "MQTT client counter " + name + ".",
		}, names)
		vec, ok = p.register(created).(*prometheus.CounterVec)
		if !ok {
			return local
		}
		p.counters[name] = vec
	}

	return &promCounter{c: vec.With(prometheus.Labels(labels)), local: local}
}

// Gauge returns a gauge metric.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	local := p.mirror.Gauge(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	names, ok := p.bind(name, labels)
	if !ok {
		return local
	}

	vec, ok := p.gauges[name]
	if !ok {
		created := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "MQTT client gauge " + name + ".",
		}, names)
		vec, ok = p.register(created).(*prometheus.GaugeVec)
		if !ok {
			return local
		}
		p.gauges[name] = vec
	}

	return &promGauge{g: vec.With(prometheus.Labels(labels)), local: local}
}

// Histogram returns a histogram metric.
func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	local := p.mirror.Histogram(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	names, ok := p.bind(name, labels)
	if !ok {
		return local
	}

	vec, ok := p.histograms[name]
	if !ok {
		created := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "MQTT client histogram " + name + ".",
			Buckets:   p.buckets,
		}, names)
		vec, ok = p.register(created).(*prometheus.HistogramVec)
		if !ok {
			return local
		}
		p.histograms[name] = vec
	}

	return &promHistogram{h: vec.With(prometheus.Labels(labels)), local: local}
}

type promCounter struct {
	c     prometheus.Counter
	local Counter
}

func (c *promCounter) Inc() {
	c.c.Inc()
	c.local.Inc()
}

func (c *promCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.c.Add(delta)
	c.local.Add(delta)
}

func (c *promCounter) Value() float64 { return c.local.Value() }

type promGauge struct {
	g     prometheus.Gauge
	local Gauge
}

func (g *promGauge) Set(v float64) {
	g.g.Set(v)
	g.local.Set(v)
}

func (g *promGauge) Inc() {
	g.g.Inc()
	g.local.Inc()
}

func (g *promGauge) Dec() {
	g.g.Dec()
	g.local.Dec()
}

func (g *promGauge) Add(delta float64) {
	g.g.Add(delta)
	g.local.Add(delta)
}

func (g *promGauge) Sub(delta float64) {
	g.g.Sub(delta)
	g.local.Sub(delta)
}

func (g *promGauge) Value() float64 { return g.local.Value() }

type promHistogram struct {
	h     prometheus.Observer
	local Histogram
}

func (h *promHistogram) Observe(v float64) {
	h.h.Observe(v)
	h.local.Observe(v)
}

func (h *promHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

func (h *promHistogram) Count() uint64 { return h.local.Count() }

func (h *promHistogram) Sum() float64 { return h.local.Sum() }
