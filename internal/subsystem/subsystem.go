// Package subsystem implements the worker template every simulation
// model runs on: a fixed hook sequence per tick, with peer-metric and
// control sugar layered over the kernel's coordination primitives.
package subsystem

import (
	"context"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/telemetry/logging"
	"github.com/smartcity/citysim/internal/telemetry/tracing"
)

// Hooks bundles the callbacks a subsystem plugs into the worker template.
// Only ExecuteTick is required; every other hook may be left nil and is
// simply skipped.
type Hooks struct {
	OnStart        func()
	BeforeTick     func()
	ExecuteTick    func()
	AfterTick      func()
	CollectMetrics func() simstate.MetricsSnapshot
	OnStop         func()
}

// HookFactory builds a fresh Hooks bundle bound to peer, called once per
// Kernel bootstrap so a reset gives every subsystem brand-new internal
// state.
type HookFactory func(peer Peer) Hooks

// Peer is the sugar surface a subsystem's hooks use to read other
// subsystems' last-published metrics and the live control surface,
// without reaching into simstate.Context directly.
type Peer interface {
	GetMetric(subsystem, key string, def any) any
	GetControl(key string, def any) any
}

// TickCoordinator is the subset of Kernel a Worker depends on. Defined
// here (rather than imported from the kernel package) to keep
// subsystem -> kernel free of an import cycle; *kernel.Kernel implements
// this interface.
type TickCoordinator interface {
	WaitForTick() bool
	ArrivePhase1() bool
	ArrivePhase2() bool
	AbortTick()
	PublishMetrics(id string, metrics simstate.MetricsSnapshot)
	PeerMetric(subsystem, key string, def any) any
	Control(key string, def any) any
}

// Worker runs one subsystem's hook sequence on a dedicated goroutine.
type Worker struct {
	id     string
	name   string
	hooks  Hooks
	coord  TickCoordinator
	log    logging.Logger
	tracer *tracing.Tracer

	shutdown chan struct{}
	done     chan struct{}
}

// New constructs a Worker. Hooks must be attached with SetHooks before
// Run is called (see factory.Build / Kernel.Bootstrap for why this is
// two steps: a HookFactory needs the Worker itself, as a Peer, to build
// its closures).
func New(id, name string, coord TickCoordinator, log logging.Logger) *Worker {
	return &Worker{
		id:       id,
		name:     name,
		coord:    coord,
		log:      log,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetHooks attaches the hook bundle. Must be called before Run.
func (w *Worker) SetHooks(h Hooks) {
	w.hooks = h
}

// SetTracer attaches a tracer used to open a span around every
// execute_tick call. The span starts from context.Background(), so it is
// not parented to the kernel's per-tick span. A nil
// tracer (the default) disables tracing without any call-site change:
// tracing.Tracer's own methods are nil-receiver safe.
func (w *Worker) SetTracer(t *tracing.Tracer) {
	w.tracer = t
}

// ID returns the subsystem identifier used as the Context key.
func (w *Worker) ID() string { return w.id }

// Name returns the human-readable thread name used in logs.
func (w *Worker) Name() string { return w.name }

// GetMetric implements Peer: sugar over the kernel's frozen per-tick peer
// snapshot, so cross-subsystem reads never race with this tick's publish.
func (w *Worker) GetMetric(subsystem, key string, def any) any {
	return w.coord.PeerMetric(subsystem, key, def)
}

// GetControl implements Peer: sugar over the live control surface.
func (w *Worker) GetControl(key string, def any) any {
	return w.coord.Control(key, def)
}

// Shutdown asks the worker to exit at the next safe point. Idempotent.
func (w *Worker) Shutdown() {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
}

// Done returns a channel closed once Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run executes the worker template loop. It returns once the kernel
// clears its running flag, the tick barrier breaks, or Shutdown is
// called — in every case on_stop is still invoked exactly once before
// Run returns. A hook panic additionally breaks the tick barrier so the
// kernel winds down rather than waiting on an arrival that will never
// come.
func (w *Worker) Run() {
	defer close(w.done)
	if failed := w.runLoop(); failed {
		w.coord.AbortTick()
	}
	w.callOnStop()
}

func (w *Worker) runLoop() (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.ErrorCtx(context.Background(), "subsystem hook panicked",
				"subsystem", w.id, "phase", "loop", "panic", r)
			failed = true
		}
	}()
	if w.hooks.OnStart != nil {
		w.hooks.OnStart()
	}
	for {
		if !w.coord.WaitForTick() {
			return
		}
		if !w.coord.ArrivePhase1() {
			return
		}
		select {
		case <-w.shutdown:
			return
		default:
		}
		if w.hooks.BeforeTick != nil {
			w.hooks.BeforeTick()
		}
		w.runExecuteTick()
		if w.hooks.AfterTick != nil {
			w.hooks.AfterTick()
		}
		if w.hooks.CollectMetrics != nil {
			if snap := w.hooks.CollectMetrics(); len(snap) > 0 {
				w.coord.PublishMetrics(w.id, snap)
			}
		}
		if !w.coord.ArrivePhase2() {
			return
		}
	}
}

func (w *Worker) runExecuteTick() {
	if w.tracer == nil {
		w.hooks.ExecuteTick()
		return
	}
	_, span := w.tracer.StartHook(context.Background(), w.id, "execute_tick")
	defer span.End()
	w.hooks.ExecuteTick()
}

func (w *Worker) callOnStop() {
	defer w.recoverHook("on_stop")
	if w.hooks.OnStop != nil {
		w.hooks.OnStop()
	}
}

// recoverHook contains an on_stop panic to this worker's own goroutine:
// by that point the loop has already exited (and aborted the barrier if
// the exit was a failure), so all that is left is to log it.
func (w *Worker) recoverHook(phase string) {
	if r := recover(); r != nil {
		w.log.ErrorCtx(context.Background(), "subsystem hook panicked",
			"subsystem", w.id, "phase", phase, "panic", r)
	}
}
