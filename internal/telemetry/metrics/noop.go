package metrics

import "time"

// noopProvider discards every observation. Used when no metrics backend is
// configured so call sites never need a nil check.
type noopProvider struct{}

// NewNoop returns a Provider whose instruments do nothing.
func NewNoop() Provider { return noopProvider{} }

type noopInstrument struct{}

func (noopInstrument) Inc()                          {}
func (noopInstrument) Add(float64)                   {}
func (noopInstrument) Set(float64)                   {}
func (noopInstrument) Dec()                          {}
func (noopInstrument) Observe(float64)               {}
func (noopInstrument) ObserveDuration(time.Duration) {}

func (noopProvider) Counter(CounterOpts) Counter       { return noopInstrument{} }
func (noopProvider) Gauge(GaugeOpts) Gauge             { return noopInstrument{} }
func (noopProvider) Histogram(HistogramOpts) Histogram { return noopInstrument{} }
func (noopProvider) Timer(HistogramOpts) Timer         { return noopInstrument{} }
