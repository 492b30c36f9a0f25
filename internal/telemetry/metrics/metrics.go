// Package metrics defines the Provider abstraction the kernel emits its
// instrumentation through (including the stream's drop count and queue
// depth): a small
// Counter/Gauge/Histogram/Timer surface that can be backed by Prometheus,
// OpenTelemetry, or nothing at all.
package metrics

import "time"

// CommonOpts carries the identity and documentation of any instrument.
type CommonOpts struct {
	Name string
	Help string
	Tags map[string]string
}

// CounterOpts configures a monotonically increasing instrument.
type CounterOpts struct {
	CommonOpts
}

// GaugeOpts configures a point-in-time instrument.
type GaugeOpts struct {
	CommonOpts
}

// HistogramOpts configures a distribution instrument.
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// Counter only ever increases.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge can move in either direction.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram records individual observations into buckets.
type Histogram interface {
	Observe(value float64)
}

// Timer is sugar over a Histogram for measuring durations.
type Timer interface {
	ObserveDuration(d time.Duration)
}

// Provider constructs instruments. Implementations must be safe for
// concurrent use and must make repeated calls with identical opts return
// the same underlying instrument (idempotent registration).
type Provider interface {
	Counter(opts CounterOpts) Counter
	Gauge(opts GaugeOpts) Gauge
	Histogram(opts HistogramOpts) Histogram
	Timer(opts HistogramOpts) Timer
}

type timerFromHistogram struct{ h Histogram }

func (t timerFromHistogram) ObserveDuration(d time.Duration) {
	t.h.Observe(d.Seconds())
}
