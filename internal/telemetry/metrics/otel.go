package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// otelProvider backs Provider with an OpenTelemetry metrics SDK meter.
// Unlike the Prometheus path, OTel instruments are write-only handles;
// current values for Gauge are tracked locally so Inc/Dec/Add
// read-modify-write correctly before recording.
type otelProvider struct {
	meter otelmetric.Meter

	mu         sync.Mutex
	counters   map[string]otelmetric.Float64Counter
	gauges     map[string]*otelGauge
	histograms map[string]otelmetric.Float64Histogram
}

// NewOTel builds a Provider backed by meter (typically obtained from an
// otel/sdk/metric.MeterProvider).
func NewOTel(meter otelmetric.Meter) Provider {
	return &otelProvider{
		meter:      meter,
		counters:   make(map[string]otelmetric.Float64Counter),
		gauges:     make(map[string]*otelGauge),
		histograms: make(map[string]otelmetric.Float64Histogram),
	}
}

func attrsFromTags(tags map[string]string) otelmetric.MeasurementOption {
	kvs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kvs = append(kvs, attribute.String(k, v))
	}
	return otelmetric.WithAttributes(kvs...)
}

type otelCounter struct {
	instrument otelmetric.Float64Counter
	opt        otelmetric.MeasurementOption
}

func (c otelCounter) Inc()              { c.instrument.Add(context.Background(), 1, c.opt) }
func (c otelCounter) Add(delta float64) { c.instrument.Add(context.Background(), delta, c.opt) }

type otelGauge struct {
	instrument otelmetric.Float64Gauge
	opt        otelmetric.MeasurementOption
	mu         sync.Mutex
	value      float64
}

func (g *otelGauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
	g.instrument.Record(context.Background(), v, g.opt)
}

func (g *otelGauge) Inc() { g.Add(1) }
func (g *otelGauge) Dec() { g.Add(-1) }

func (g *otelGauge) Add(delta float64) {
	g.mu.Lock()
	g.value += delta
	v := g.value
	g.mu.Unlock()
	g.instrument.Record(context.Background(), v, g.opt)
}

type otelHistogram struct {
	instrument otelmetric.Float64Histogram
	opt        otelmetric.MeasurementOption
}

func (h otelHistogram) Observe(v float64) {
	h.instrument.Record(context.Background(), v, h.opt)
}

func (p *otelProvider) Counter(opts CounterOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.counters[opts.Name]
	if !ok {
		inst, _ = p.meter.Float64Counter(opts.Name, otelmetric.WithDescription(opts.Help))
		p.counters[opts.Name] = inst
	}
	return otelCounter{instrument: inst, opt: attrsFromTags(opts.Tags)}
}

func (p *otelProvider) Gauge(opts GaugeOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := opts.Name
	g, ok := p.gauges[key]
	if !ok {
		inst, _ := p.meter.Float64Gauge(opts.Name, otelmetric.WithDescription(opts.Help))
		g = &otelGauge{instrument: inst, opt: attrsFromTags(opts.Tags)}
		p.gauges[key] = g
	}
	return g
}

func (p *otelProvider) Histogram(opts HistogramOpts) Histogram {
	return p.histogram(opts)
}

func (p *otelProvider) Timer(opts HistogramOpts) Timer {
	return timerFromHistogram{h: p.histogram(opts)}
}

func (p *otelProvider) histogram(opts HistogramOpts) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.histograms[opts.Name]
	if !ok {
		inst, _ = p.meter.Float64Histogram(opts.Name, otelmetric.WithDescription(opts.Help))
		p.histograms[opts.Name] = inst
	}
	return otelHistogram{instrument: inst, opt: attrsFromTags(opts.Tags)}
}
