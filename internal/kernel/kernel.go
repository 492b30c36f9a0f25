// Package kernel implements the simulation's scheduling core: the
// two-phase tick barrier, the running/paused/stopped state machine, the
// bounded metrics queue and atomic control application. Two explicit
// barriers per tick keep the monotonic-tick and peer-visibility-lag
// guarantees structural rather than dependent on goroutine scheduling.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smartcity/citysim/internal/barrier"
	"github.com/smartcity/citysim/internal/controlstate"
	"github.com/smartcity/citysim/internal/factory"
	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
	"github.com/smartcity/citysim/internal/telemetry/logging"
	"github.com/smartcity/citysim/internal/telemetry/metrics"
	"github.com/smartcity/citysim/internal/telemetry/stream"
	"github.com/smartcity/citysim/internal/telemetry/tracing"
)

// State enumerates the kernel lifecycle states. Bootstrap moves the
// kernel to Ready, Run sets Running and returns it to Ready when the loop
// exits (unless Shutdown has moved it on), Shutdown passes through
// Stopping to Stopped, and Reset returns it to Ready. The pause flag is
// tracked separately from State: a paused run still reports
// StateRunning, and StatePaused is never assigned.
type State int

const (
	StateUnbootstrapped State = iota
	StateReady
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnbootstrapped:
		return "unbootstrapped"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sentinel errors; callers use errors.Is to distinguish them.
var (
	// ErrNoSubsystems: bootstrap was attempted with zero registered
	// subsystems.
	ErrNoSubsystems = errors.New("kernel: no subsystems registered")
	// ErrNotBootstrapped: Run was called before a successful Bootstrap.
	ErrNotBootstrapped = errors.New("kernel: not bootstrapped")
	// ErrAlreadyBootstrapped: RegisterSubsystems was called after
	// Bootstrap without a force re-bootstrap.
	ErrAlreadyBootstrapped = errors.New("kernel: already bootstrapped")
)

// Options configures a new Kernel.
type Options struct {
	TickDuration    time.Duration
	MetricsBuffer   int
	Registry        *factory.Registry
	Logger          logging.Logger
	MetricsProvider metrics.Provider
	Tracer          *tracing.Tracer
	DefaultControls map[string]any
}

// Kernel is the scheduling core. Workers carry a non-owning handle back
// to their Kernel; the Kernel owns the workers' lifetime via
// Bootstrap/Run/Shutdown.
type Kernel struct {
	logger   logging.Logger
	provider metrics.Provider
	tracer   *tracing.Tracer
	registry *factory.Registry

	tickDuration time.Duration
	bufferCap    int

	mu           sync.Mutex
	state        State
	bootstrapped bool
	specs        []factory.Spec
	workers      []*subsystem.Worker

	ctx *simstate.Context

	phase1 *barrier.Barrier
	phase2 *barrier.Barrier

	tick    int64
	tickMu  sync.Mutex
	running boolFlag
	started boolFlag

	gate *gate

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	streamMu sync.RWMutex
	stream   *stream.Stream

	peerMu     sync.RWMutex
	peerFrozen map[string]peerEntry

	defaultControls map[string]any

	ticksCompleted  metrics.Counter
	publishedEvents metrics.Counter
	droppedEvents   metrics.Counter
	queueDepth      metrics.Gauge
	pausedGauge     metrics.Gauge
}

type peerEntry struct {
	tick    int64
	metrics simstate.MetricsSnapshot
}

// boolFlag is a tiny atomic-bool wrapper predating the stdlib's
// sync/atomic.Bool in spirit; kept as a named type so call sites read
// k.running.Load()/Store() the same way they would with atomic.Bool.
type boolFlag struct {
	mu sync.RWMutex
	v  bool
}

func (b *boolFlag) Load() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.v
}

func (b *boolFlag) Store(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

// gate implements the tick-open signal: Open wakes every
// goroutine blocked in Wait; Reset rearms it so the next Wait blocks
// again. Modeled as a swapped-channel generation counter, the same
// technique barrier.Barrier uses for its own release mechanism.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) Wait() {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	<-ch
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// New builds a Kernel in state Unbootstrapped. RegisterSubsystems and
// Bootstrap must be called before Run.
func New(opts Options) *Kernel {
	if opts.TickDuration <= 0 {
		opts.TickDuration = 500 * time.Millisecond
	}
	if opts.MetricsBuffer <= 0 {
		opts.MetricsBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	if opts.MetricsProvider == nil {
		opts.MetricsProvider = metrics.NewNoop()
	}
	defaults := opts.DefaultControls
	if defaults == nil {
		defaults = controlstate.Default().ToMap()
	}
	k := &Kernel{
		logger:          opts.Logger,
		provider:        opts.MetricsProvider,
		tracer:          opts.Tracer,
		registry:        opts.Registry,
		tickDuration:    opts.TickDuration,
		bufferCap:       opts.MetricsBuffer,
		state:           StateUnbootstrapped,
		ctx:             simstate.New(defaults),
		gate:            newGate(),
		stream:          stream.New(opts.MetricsBuffer),
		defaultControls: defaults,
		peerFrozen:      make(map[string]peerEntry),
	}
	k.pauseCond = sync.NewCond(&k.pauseMu)
	k.initInstruments()
	return k
}

func (k *Kernel) initInstruments() {
	k.ticksCompleted = k.provider.Counter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Name: "citysim_kernel_ticks_completed_total", Help: "Ticks completed since process start.",
	}})
	k.publishedEvents = k.provider.Counter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Name: "citysim_kernel_metrics_published_total", Help: "Metrics events enqueued onto the stream.",
	}})
	k.droppedEvents = k.provider.Counter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
		Name: "citysim_kernel_metrics_dropped_total", Help: "Metrics events dropped due to a full stream.",
	}})
	k.queueDepth = k.provider.Gauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Name: "citysim_kernel_queue_depth", Help: "Current depth of the metrics stream.",
	}})
	k.pausedGauge = k.provider.Gauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
		Name: "citysim_kernel_paused", Help: "1 when the kernel is paused, 0 when running.",
	}})
}

// RegisterSubsystems appends subsystem specs to build at Bootstrap time.
// Fails with ErrAlreadyBootstrapped once Bootstrap has run.
func (k *Kernel) RegisterSubsystems(specs ...factory.Spec) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.bootstrapped {
		return ErrAlreadyBootstrapped
	}
	k.specs = append(k.specs, specs...)
	return nil
}

// Bootstrap builds worker goroutines from the registered specs via the
// factory registry and sizes the tick barriers to N+1. Bootstrapping
// again without force is a no-op once workers are attached; with
// force=true, existing workers are discarded and rebuilt (used by
// Reset).
func (k *Kernel) Bootstrap(force bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bootstrapLocked(force)
}

func (k *Kernel) bootstrapLocked(force bool) error {
	if k.bootstrapped && !force {
		return nil
	}
	if len(k.specs) == 0 {
		return fmt.Errorf("%w", ErrNoSubsystems)
	}

	workers := make([]*subsystem.Worker, 0, len(k.specs))
	for _, spec := range k.specs {
		hf, err := k.registry.Build(spec)
		if err != nil {
			return err
		}
		w := subsystem.New(spec.ID, spec.ThreadName, k, k.logger.With("subsystem", spec.ID))
		w.SetTracer(k.tracer)
		w.SetHooks(hf(w))
		workers = append(workers, w)
	}

	k.workers = workers
	n := len(workers)
	k.phase1 = barrier.New(n + 1)
	k.phase2 = barrier.New(n + 1)
	k.tick = 0
	k.peerMu.Lock()
	k.peerFrozen = make(map[string]peerEntry)
	k.peerMu.Unlock()
	k.bootstrapped = true
	k.state = StateReady
	return nil
}

// Run drives the main simulation loop until maxTicks ticks have
// completed (negative means unlimited; exactly zero runs nothing), the
// running flag is cleared via Shutdown, or a barrier breaks. It starts
// one goroutine per subsystem worker and blocks until they and the loop
// itself have exited.
func (k *Kernel) Run(ctx context.Context, maxTicks int64) error {
	k.mu.Lock()
	if !k.bootstrapped {
		k.mu.Unlock()
		return ErrNotBootstrapped
	}
	if len(k.workers) == 0 {
		k.mu.Unlock()
		return ErrNoSubsystems
	}
	workers := k.workers
	k.state = StateRunning
	k.mu.Unlock()

	// maxTicks == 0 is the degenerate "run nothing" case: no worker
	// goroutines are started at all, so there is nothing to join and no
	// barrier rendezvous to satisfy.
	if maxTicks == 0 {
		k.mu.Lock()
		k.state = StateReady
		k.mu.Unlock()
		return nil
	}

	k.running.Store(true)
	k.started.Store(true)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *subsystem.Worker) {
			defer wg.Done()
			w.Run()
		}(w)
	}

	k.runLoop(ctx, maxTicks)

	// Workers parked in WaitForTick must observe the cleared running flag,
	// so the gate is opened one final time before the join.
	k.running.Store(false)
	k.gate.Open()
	wg.Wait()
	k.started.Store(false)

	k.mu.Lock()
	if k.state == StateRunning {
		k.state = StateReady
	}
	k.mu.Unlock()
	return nil
}

func (k *Kernel) runLoop(ctx context.Context, maxTicks int64) {
	unlimited := maxTicks <= 0
	for {
		if !k.running.Load() {
			return
		}
		if !unlimited && k.currentTick() >= maxTicks {
			return
		}

		roundStart := time.Now()
		k.freezePeerSnapshot()

		k.gate.Open()
		_, span := k.tracer.StartTick(ctx, k.currentTick())
		err := k.phase1.Await()
		k.gate.Reset()
		if err != nil {
			span.End()
			return
		}

		err = k.phase2.Await()
		span.End()
		if err != nil {
			return
		}

		k.advanceTick()

		k.waitForResume()
		if !k.running.Load() {
			return
		}

		elapsed := time.Since(roundStart)
		if pace := k.tickDuration - elapsed; pace > 0 {
			time.Sleep(pace)
		}
	}
}

func (k *Kernel) getStream() *stream.Stream {
	k.streamMu.RLock()
	defer k.streamMu.RUnlock()
	return k.stream
}

func (k *Kernel) currentTick() int64 {
	k.tickMu.Lock()
	defer k.tickMu.Unlock()
	return k.tick
}

func (k *Kernel) advanceTick() {
	k.tickMu.Lock()
	k.tick++
	k.tickMu.Unlock()
	k.ticksCompleted.Inc()
}

// freezePeerSnapshot copies the live Context's latest-per-subsystem map
// into the frozen view PeerMetric reads from, so every GetMetric call
// made during the round about to start observes exactly the state as of
// the end of the previous round, never a partially published current
// round.
func (k *Kernel) freezePeerSnapshot() {
	snap := k.ctx.Snapshot()
	frozen := make(map[string]peerEntry, len(snap))
	for id, m := range snap {
		tick, _, ok := k.ctx.GetLatest(id)
		if !ok {
			continue
		}
		frozen[id] = peerEntry{tick: tick, metrics: m}
	}
	k.peerMu.Lock()
	k.peerFrozen = frozen
	k.peerMu.Unlock()
}

func (k *Kernel) waitForResume() {
	k.pauseMu.Lock()
	for k.paused && k.running.Load() {
		k.pauseCond.Wait()
	}
	k.pauseMu.Unlock()
}

// setPaused sets or clears the pause flag: true = paused, false =
// running. A pause takes effect between ticks, never mid-tick (the loop
// blocks on it after phase 2).
func (k *Kernel) setPaused(paused bool) {
	k.pauseMu.Lock()
	k.paused = paused
	k.pauseMu.Unlock()
	if !paused {
		k.pauseCond.Broadcast()
	}
	if paused {
		k.pausedGauge.Set(1)
	} else {
		k.pausedGauge.Set(0)
	}
}

// --- subsystem.TickCoordinator -------------------------------------------

// WaitForTick blocks a worker until the kernel opens the next tick.
// Returns false ("do not continue") once the kernel's running flag has
// been cleared, which happens during Shutdown.
func (k *Kernel) WaitForTick() bool {
	k.gate.Wait()
	return k.running.Load()
}

// ArrivePhase1 is a worker's phase-1 barrier rendezvous: the kernel
// learns every worker has started this tick once all of them, plus the
// kernel itself, have called (or will call) Await.
func (k *Kernel) ArrivePhase1() bool {
	return k.phase1.Await() == nil
}

// ArrivePhase2 is a worker's phase-2 rendezvous, reached after
// before/execute/after_tick and any publish for this round.
func (k *Kernel) ArrivePhase2() bool {
	return k.phase2.Await() == nil
}

// AbortTick is called by a worker whose hook panicked: it breaks both
// barriers so the kernel (and every other worker) observes the missing
// arrival immediately and winds down instead of blocking forever.
func (k *Kernel) AbortTick() {
	k.phase1.Abort()
	k.phase2.Abort()
}

// PublishMetrics stamps the snapshot with the tick index current for
// this round, records it into the live Context, and enqueues a metrics
// event onto the bounded stream, dropping (never blocking) on overflow.
func (k *Kernel) PublishMetrics(id string, snap simstate.MetricsSnapshot) {
	tick := k.currentTick()
	k.ctx.Update(id, tick, snap)

	ev := stream.Event{Type: stream.EventMetrics, Tick: tick, Subsystem: id, Metrics: snap.Clone()}
	s := k.getStream()
	if s.Publish(ev) {
		k.publishedEvents.Inc()
	} else {
		k.droppedEvents.Inc()
		k.logger.DebugCtx(context.Background(), "metrics event dropped: stream full",
			"subsystem", id, "tick", tick)
	}
	k.queueDepth.Set(float64(s.Len()))
}

// PeerMetric is the kernel-side implementation of subsystem.Peer's
// GetMetric sugar: it reads the frozen, one-tick-lagged snapshot rather
// than the live Context, so cross-subsystem reads can never observe a
// partially-published current tick.
func (k *Kernel) PeerMetric(subsystem, key string, def any) any {
	k.peerMu.RLock()
	entry, ok := k.peerFrozen[subsystem]
	k.peerMu.RUnlock()
	if !ok {
		return def
	}
	v, ok := entry.metrics[key]
	if !ok {
		return def
	}
	return v
}

// Control is the kernel-side implementation of subsystem.Peer's
// GetControl sugar: a direct, live read of the control surface (control
// values are not tick-lagged, only peer metrics are).
func (k *Kernel) Control(key string, def any) any {
	return k.ctx.GetControl(key, def)
}

// --- external control surface --------------------------------------------

// SetControlState applies partial over the live control surface. If
// partial contains a boolean "paused" key, the pause flag is set/cleared
// accordingly. Unknown keys are accepted here uncritically; validation
// against the known §6 table is the Controller's job.
func (k *Kernel) SetControlState(partial map[string]any) {
	if v, ok := partial["paused"]; ok {
		if b, ok := v.(bool); ok {
			k.setPaused(b)
		}
	}
	k.ctx.UpdateControls(partial)
}

// GetControl reads a single control value, defaulting if unset.
func (k *Kernel) GetControl(key string, def any) any {
	return k.ctx.GetControl(key, def)
}

// MetricsStream pops the next metrics/shutdown event, waiting up to
// timeout. ok is false on expiry.
func (k *Kernel) MetricsStream(timeout time.Duration) (stream.Event, bool) {
	return k.getStream().Next(timeout)
}

// QueueDepth returns the current number of queued metrics events.
func (k *Kernel) QueueDepth() int { return k.getStream().Len() }

// Dropped returns the cumulative count of events dropped for
// backpressure.
func (k *Kernel) Dropped() uint64 { return k.getStream().Dropped() }

// CurrentTick returns the kernel's current tick index.
func (k *Kernel) CurrentTick() int64 { return k.currentTick() }

// IsRunning reports whether the kernel's running flag is set.
func (k *Kernel) IsRunning() bool { return k.running.Load() }

// State returns the kernel's current lifecycle state.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// ContextSnapshot exposes a defensive copy of every subsystem's latest
// published metrics, for external observers (e.g. a report/dashboard
// consumer) that want the live view rather than the one-tick-lagged peer
// view subsystems themselves see.
func (k *Kernel) ContextSnapshot() map[string]simstate.MetricsSnapshot {
	return k.ctx.Snapshot()
}

// Shutdown clears the running flag, aborts both tick barriers (waking
// every worker blocked on them with BrokenBarrier), wakes any worker
// blocked in WaitForTick, asks each worker to stop, and joins them with
// a bounded per-worker timeout. A best-effort shutdown event is enqueued
// for stream consumers.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	if k.state == StateStopped || k.state == StateUnbootstrapped {
		k.mu.Unlock()
		return
	}
	k.state = StateStopping
	workers := k.workers
	k.mu.Unlock()

	k.running.Store(false)
	if k.phase1 != nil {
		k.phase1.Abort()
	}
	if k.phase2 != nil {
		k.phase2.Abort()
	}
	k.gate.Open()

	k.pauseMu.Lock()
	k.paused = false
	k.pauseMu.Unlock()
	k.pauseCond.Broadcast()

	for _, w := range workers {
		w.Shutdown()
	}
	if k.started.Load() {
		for _, w := range workers {
			select {
			case <-w.Done():
			case <-time.After(2 * time.Second):
				k.logger.WarnCtx(context.Background(), "subsystem did not terminate cleanly", "subsystem", w.ID())
			}
		}
	}

	k.getStream().Publish(stream.Event{Type: stream.EventShutdown})

	k.mu.Lock()
	k.state = StateStopped
	k.mu.Unlock()
}

// Reset returns the kernel to Ready: zeroes the tick counter, recreates
// the metrics queue at the same capacity, clears the latest-metrics
// cache and peer-visibility snapshot, unpauses, and re-bootstraps with
// force=true.
func (k *Kernel) Reset() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.tick = 0
	k.streamMu.Lock()
	k.stream = stream.New(k.bufferCap)
	k.streamMu.Unlock()
	k.ctx.ClearLatest()
	k.peerMu.Lock()
	k.peerFrozen = make(map[string]peerEntry)
	k.peerMu.Unlock()

	k.pauseMu.Lock()
	k.paused = false
	k.pauseMu.Unlock()
	k.pausedGauge.Set(0)

	k.bootstrapped = false
	return k.bootstrapLocked(true)
}
