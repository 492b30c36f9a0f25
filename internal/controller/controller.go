// Package controller implements the thin orchestrator external drivers
// talk to: it owns the authoritative typed control record, drives the
// kernel's lifecycle on background goroutines, and aggregates the
// metrics stream into a bounded per-subsystem history.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/citysim/internal/controlstate"
	"github.com/smartcity/citysim/internal/kernel"
	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/telemetry/logging"
	"github.com/smartcity/citysim/internal/telemetry/stream"
)

// ErrAlreadyRunning is returned by Start while a previous run's kernel
// goroutine is still alive.
var ErrAlreadyRunning = errors.New("controller: simulation already running")

// HistoryEntry is one (tick, snapshot) pair in a subsystem's history
// bucket.
type HistoryEntry struct {
	Tick    int64
	Metrics simstate.MetricsSnapshot
}

// Listener observes control-state changes made through SetControl.
type Listener func(controlstate.State)

// Options configures a Controller.
type Options struct {
	// MaxTicks bounds each Start'ed run; <= 0 means unlimited.
	MaxTicks int64
	// HistoryLimit caps each subsystem's history bucket. Defaults to 300.
	HistoryLimit int
	Logger       logging.Logger
}

// Controller manages kernel execution and exposes control hooks for
// external drivers. All methods are safe for concurrent use.
type Controller struct {
	kernel *kernel.Kernel
	log    logging.Logger

	maxTicks     int64
	historyLimit int

	mu           sync.Mutex
	controls     controlstate.State
	runID        string
	stopped      chan struct{}
	runnerDone   chan struct{}
	consumerDone chan struct{}

	listenerMu sync.Mutex
	listeners  []Listener

	historyMu sync.Mutex
	history   map[string][]HistoryEntry
}

// New builds a Controller around k. The kernel must already have its
// subsystems registered; the Controller resets (and thereby bootstraps)
// it on every Start.
func New(k *kernel.Kernel, opts Options) *Controller {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 300
	}
	// The kernel reserves exactly zero for "run nothing"; at this level a
	// zero or negative horizon means unlimited.
	if opts.MaxTicks <= 0 {
		opts.MaxTicks = -1
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	return &Controller{
		kernel:       k,
		log:          opts.Logger,
		maxTicks:     opts.MaxTicks,
		historyLimit: opts.HistoryLimit,
		controls:     controlstate.Default(),
		history:      make(map[string][]HistoryEntry),
	}
}

// Start resets the kernel, pushes the full control state, and launches
// the kernel-runner and metrics-consumer goroutines. Fails with
// ErrAlreadyRunning if a previous run is still alive.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runnerDone != nil {
		select {
		case <-c.runnerDone:
		default:
			return ErrAlreadyRunning
		}
	}

	if err := c.kernel.Reset(); err != nil {
		return err
	}
	c.kernel.SetControlState(c.controls.ToMap())

	c.runID = uuid.NewString()
	c.stopped = make(chan struct{})
	c.runnerDone = make(chan struct{})
	c.consumerDone = make(chan struct{})

	c.log.InfoCtx(ctx, "simulation starting", "run_id", c.runID, "max_ticks", c.maxTicks)

	go c.runKernel(ctx, c.runID, c.stopped, c.runnerDone)
	go c.consumeMetrics(ctx, c.stopped, c.consumerDone)
	return nil
}

func (c *Controller) runKernel(ctx context.Context, runID string, stopped, done chan struct{}) {
	defer close(done)
	defer c.signalStop(stopped)
	if err := c.kernel.Run(ctx, c.maxTicks); err != nil {
		c.log.ErrorCtx(ctx, "kernel encountered an unrecoverable error",
			"run_id", runID, "error", err)
	}
}

func (c *Controller) consumeMetrics(ctx context.Context, stopped, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stopped:
			// The kernel loop has exited, so no further publishes can
			// arrive; whatever is still buffered is drained before
			// returning so a short run's tail is not lost.
			c.drainRemaining()
			return
		default:
		}
		ev, ok := c.kernel.MetricsStream(500 * time.Millisecond)
		if !ok {
			continue
		}
		if ev.Type == stream.EventShutdown {
			return
		}
		if ev.Type != stream.EventMetrics {
			continue
		}
		c.appendHistory(ev.Subsystem, HistoryEntry{Tick: ev.Tick, Metrics: ev.Metrics})
	}
}

func (c *Controller) drainRemaining() {
	for {
		ev, ok := c.kernel.MetricsStream(0)
		if !ok || ev.Type == stream.EventShutdown {
			return
		}
		if ev.Type == stream.EventMetrics {
			c.appendHistory(ev.Subsystem, HistoryEntry{Tick: ev.Tick, Metrics: ev.Metrics})
		}
	}
}

func (c *Controller) appendHistory(subsystem string, entry HistoryEntry) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	bucket := append(c.history[subsystem], entry)
	if excess := len(bucket) - c.historyLimit; excess > 0 {
		bucket = bucket[excess:]
	}
	c.history[subsystem] = bucket
}

func (c *Controller) signalStop(stopped chan struct{}) {
	select {
	case <-stopped:
	default:
		close(stopped)
	}
}

// Stop signals both background goroutines, shuts the kernel down, and
// joins them with a bounded timeout.
func (c *Controller) Stop() {
	c.mu.Lock()
	stopped, runnerDone, consumerDone := c.stopped, c.runnerDone, c.consumerDone
	c.mu.Unlock()

	if stopped != nil {
		c.signalStop(stopped)
	}
	c.kernel.Shutdown()
	c.join(runnerDone, "kernel runner")
	c.join(consumerDone, "metrics consumer")
}

func (c *Controller) join(done chan struct{}, name string) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.log.WarnCtx(context.Background(), "goroutine did not stop within timeout", "task", name)
	}
}

// Reset stops any active run, reinstates default controls, clears the
// metrics history, and returns the kernel to Ready with the defaults
// pushed.
func (c *Controller) Reset() error {
	c.Stop()

	c.mu.Lock()
	c.controls = controlstate.Default()
	c.runnerDone = nil
	c.consumerDone = nil
	c.stopped = nil
	controls := c.controls
	c.mu.Unlock()

	c.historyMu.Lock()
	c.history = make(map[string][]HistoryEntry)
	c.historyMu.Unlock()

	if err := c.kernel.Reset(); err != nil {
		return err
	}
	c.kernel.SetControlState(controls.ToMap())
	return nil
}

// Pause sets the paused control.
func (c *Controller) Pause() error { return c.SetControl("paused", true) }

// Resume clears the paused control.
func (c *Controller) Resume() error { return c.SetControl("paused", false) }

// TogglePause flips the paused control.
func (c *Controller) TogglePause() error {
	c.mu.Lock()
	next := !c.controls.Paused
	c.mu.Unlock()
	return c.SetControl("paused", next)
}

// SetControl updates one named control, republishes the full control
// state to the kernel, and notifies listeners. Unknown keys fail with
// controlstate.ErrUnknownControl and leave both local and kernel state
// untouched.
func (c *Controller) SetControl(key string, value any) error {
	c.mu.Lock()
	if err := c.controls.Set(key, value); err != nil {
		c.mu.Unlock()
		return err
	}
	snapshot := c.controls
	c.mu.Unlock()

	c.kernel.SetControlState(snapshot.ToMap())

	c.listenerMu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMu.Unlock()
	for _, l := range listeners {
		l(snapshot)
	}
	return nil
}

// RegisterControlListener adds a callback invoked after every successful
// SetControl.
func (c *Controller) RegisterControlListener(l Listener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// TriggerEmergency sets emergency_override and schedules a one-shot
// clear after duration. The returned token identifies the trigger in
// audit logs.
func (c *Controller) TriggerEmergency(duration time.Duration) (string, error) {
	token := uuid.NewString()
	if err := c.SetControl("emergency_override", true); err != nil {
		return "", err
	}
	c.log.InfoCtx(context.Background(), "emergency override engaged",
		"trigger_id", token, "duration", duration)

	time.AfterFunc(duration, func() {
		if err := c.SetControl("emergency_override", false); err != nil {
			c.log.DebugCtx(context.Background(), "failed to clear emergency override",
				"trigger_id", token, "error", err)
			return
		}
		c.log.InfoCtx(context.Background(), "emergency override cleared", "trigger_id", token)
	})
	return token, nil
}

// IsRunning reports whether the kernel is running and Stop has not been
// requested.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped == nil {
		return false
	}
	select {
	case <-stopped:
		return false
	default:
	}
	return c.kernel.IsRunning()
}

// WaitUntilStopped blocks until the active run ends (kernel loop exit or
// Stop), or timeout elapses; ok reports which. Returns true immediately
// when no run was ever started.
func (c *Controller) WaitUntilStopped(timeout time.Duration) bool {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped == nil {
		return true
	}
	if timeout <= 0 {
		<-stopped
		return true
	}
	select {
	case <-stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Controls returns a copy of the current control state.
func (c *Controller) Controls() controlstate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls
}

// RunID returns the identifier of the most recent Start, for log
// correlation. Empty before the first Start.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// GetHistory returns a defensive copy of the per-subsystem metrics
// history collected so far.
func (c *Controller) GetHistory() map[string][]HistoryEntry {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	out := make(map[string][]HistoryEntry, len(c.history))
	for sub, entries := range c.history {
		copied := make([]HistoryEntry, len(entries))
		for i, e := range entries {
			copied[i] = HistoryEntry{Tick: e.Tick, Metrics: e.Metrics.Clone()}
		}
		out[sub] = copied
	}
	return out
}
