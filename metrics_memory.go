package mqttclient

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics keeps every instrument in memory. It is meant for tests and
// for embedding applications that poll values directly.
type MemoryMetrics struct {
	mu         sync.RWMutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

// labelsKey builds a lookup key independent of map iteration order.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func lookupOrCreate[T any](mu *sync.RWMutex, m map[string]*T, key string) *T {
	mu.RLock()
	v, ok := m[key]
	mu.RUnlock()
	if ok {
		return v
	}

	mu.Lock()
	defer mu.Unlock()
	if v, ok := m[key]; ok {
		return v
	}
	v = new(T)
	m[key] = v
	return v
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return lookupOrCreate(&m.mu, m.counters, labelsKey(name, labels))
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return lookupOrCreate(&m.mu, m.gauges, labelsKey(name, labels))
}

// Histogram returns a histogram metric.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return lookupOrCreate(&m.mu, m.histograms, labelsKey(name, labels))
}

// CounterValue returns the value of a counter, or 0 if it was never used.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.counters[labelsKey(name, labels)]; ok {
		return c.Value()
	}
	return 0
}

// GaugeValue returns the value of a gauge, or 0 if it was never used.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if g, ok := m.gauges[labelsKey(name, labels)]; ok {
		return g.Value()
	}
	return 0
}

// HistogramCount returns the number of observations of a histogram.
func (m *MemoryMetrics) HistogramCount(name string, labels MetricLabels) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.histograms[labelsKey(name, labels)]; ok {
		return h.Count()
	}
	return 0
}

// atomicFloat is a float64 updated with compare-and-swap.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) load() float64 { return math.Float64frombits(f.bits.Load()) }

type memoryCounter struct {
	value atomicFloat
}

func (c *memoryCounter) Inc() { c.Add(1) }

// Add ignores negative deltas.
func (c *memoryCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.value.add(delta)
}

func (c *memoryCounter) Value() float64 { return c.value.load() }

type memoryGauge struct {
	value atomicFloat
}

func (g *memoryGauge) Set(value float64) { g.value.store(value) }
func (g *memoryGauge) Inc()              { g.value.add(1) }
func (g *memoryGauge) Dec()              { g.value.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.value.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.value.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.value.load() }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

func (h *memoryHistogram) Count() uint64 { return h.count.Load() }

func (h *memoryHistogram) Sum() float64 { return h.sum.load() }
