package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promProvider backs Provider with github.com/prometheus/client_golang.
// Instruments are cached by name so repeated construction with the same
// opts returns the already-registered instrument instead of panicking on
// duplicate registration.
type promProvider struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus builds a Provider registered against registry under the
// given namespace (e.g. "citysim").
func NewPrometheus(namespace string, registry *prometheus.Registry) Provider {
	return &promProvider{
		namespace:  namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(tags map[string]string, names []string) prometheus.Labels {
	lv := make(prometheus.Labels, len(names))
	for _, n := range names {
		lv[n] = tags[n]
	}
	return lv
}

func (p *promProvider) Counter(opts CounterOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := labelNames(opts.Tags)
	vec, ok := p.counters[opts.Name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      opts.Name,
			Help:      opts.Help,
		}, names)
		p.registry.MustRegister(vec)
		p.counters[opts.Name] = vec
	}
	return vec.With(labelValues(opts.Tags, names))
}

func (p *promProvider) Gauge(opts GaugeOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := labelNames(opts.Tags)
	vec, ok := p.gauges[opts.Name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      opts.Name,
			Help:      opts.Help,
		}, names)
		p.registry.MustRegister(vec)
		p.gauges[opts.Name] = vec
	}
	return vec.With(labelValues(opts.Tags, names))
}

func (p *promProvider) Histogram(opts HistogramOpts) Histogram {
	return p.histogramVec(opts)
}

func (p *promProvider) Timer(opts HistogramOpts) Timer {
	return timerFromHistogram{h: p.histogramVec(opts)}
}

func (p *promProvider) histogramVec(opts HistogramOpts) prometheus.Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := labelNames(opts.Tags)
	vec, ok := p.histograms[opts.Name]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      opts.Name,
			Help:      opts.Help,
			Buckets:   buckets,
		}, names)
		p.registry.MustRegister(vec)
		p.histograms[opts.Name] = vec
	}
	return vec.With(labelValues(opts.Tags, names))
}
