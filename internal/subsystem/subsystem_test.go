package subsystem_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
	"github.com/smartcity/citysim/internal/telemetry/logging"
)

// scriptedCoordinator drives a worker through a fixed number of ticks
// without a real kernel, recording every publish and whether the worker
// aborted the tick barrier.
type scriptedCoordinator struct {
	mu        sync.Mutex
	ticksLeft int
	published []simstate.MetricsSnapshot
	aborted   bool
	metrics   map[string]map[string]any
	controls  map[string]any
}

func newScripted(ticks int) *scriptedCoordinator {
	return &scriptedCoordinator{
		ticksLeft: ticks,
		metrics:   map[string]map[string]any{},
		controls:  map[string]any{},
	}
}

func (c *scriptedCoordinator) WaitForTick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticksLeft == 0 {
		return false
	}
	c.ticksLeft--
	return true
}

func (c *scriptedCoordinator) ArrivePhase1() bool { return true }
func (c *scriptedCoordinator) ArrivePhase2() bool { return true }

func (c *scriptedCoordinator) AbortTick() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

func (c *scriptedCoordinator) PublishMetrics(_ string, m simstate.MetricsSnapshot) {
	c.mu.Lock()
	c.published = append(c.published, m)
	c.mu.Unlock()
}

func (c *scriptedCoordinator) PeerMetric(sub, key string, def any) any {
	if bySub, ok := c.metrics[sub]; ok {
		if v, ok := bySub[key]; ok {
			return v
		}
	}
	return def
}

func (c *scriptedCoordinator) Control(key string, def any) any {
	if v, ok := c.controls[key]; ok {
		return v
	}
	return def
}

func runWorker(t *testing.T, w *subsystem.Worker) {
	t.Helper()
	go w.Run()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not finish")
	}
}

func TestWorkerHookOrderAcrossLifecycle(t *testing.T) {
	coord := newScripted(2)
	w := subsystem.New("x", "XThread", coord, logging.New(nil))

	var calls []string
	w.SetHooks(subsystem.Hooks{
		OnStart:     func() { calls = append(calls, "on_start") },
		BeforeTick:  func() { calls = append(calls, "before") },
		ExecuteTick: func() { calls = append(calls, "execute") },
		AfterTick:   func() { calls = append(calls, "after") },
		CollectMetrics: func() simstate.MetricsSnapshot {
			calls = append(calls, "collect")
			return simstate.MetricsSnapshot{"n": int64(len(calls))}
		},
		OnStop: func() { calls = append(calls, "on_stop") },
	})

	runWorker(t, w)

	assert.Equal(t, []string{
		"on_start",
		"before", "execute", "after", "collect",
		"before", "execute", "after", "collect",
		"on_stop",
	}, calls)
	assert.Len(t, coord.published, 2)
	assert.False(t, coord.aborted)
}

func TestWorkerSkipsPublishOnEmptySnapshot(t *testing.T) {
	coord := newScripted(3)
	w := subsystem.New("x", "XThread", coord, logging.New(nil))
	w.SetHooks(subsystem.Hooks{
		ExecuteTick:    func() {},
		CollectMetrics: func() simstate.MetricsSnapshot { return nil },
	})

	runWorker(t, w)
	assert.Empty(t, coord.published)
}

func TestWorkerPanicAbortsBarrierAndStillRunsOnStop(t *testing.T) {
	coord := newScripted(5)
	w := subsystem.New("x", "XThread", coord, logging.New(nil))

	stopped := false
	w.SetHooks(subsystem.Hooks{
		ExecuteTick: func() { panic("boom") },
		OnStop:      func() { stopped = true },
	})

	runWorker(t, w)

	assert.True(t, coord.aborted)
	assert.True(t, stopped)
}

func TestWorkerShutdownExitsAfterPhase1(t *testing.T) {
	coord := newScripted(10)
	w := subsystem.New("x", "XThread", coord, logging.New(nil))

	executed := 0
	w.SetHooks(subsystem.Hooks{
		ExecuteTick: func() {
			executed++
			if executed == 2 {
				w.Shutdown()
			}
		},
	})

	runWorker(t, w)

	// The shutdown flag is checked right after phase 1, so at most one
	// more tick executes after Shutdown is requested.
	require.LessOrEqual(t, executed, 3)
	assert.GreaterOrEqual(t, executed, 2)
}

func TestWorkerPeerSugarDelegatesToCoordinator(t *testing.T) {
	coord := newScripted(0)
	coord.metrics["energy"] = map[string]any{"surplus_mw": 12.5}
	coord.controls["traffic_inflow"] = 1.5

	w := subsystem.New("traffic", "TrafficThread", coord, logging.New(nil))

	assert.Equal(t, 12.5, w.GetMetric("energy", "surplus_mw", 0.0))
	assert.Equal(t, 0.0, w.GetMetric("energy", "missing", 0.0))
	assert.Equal(t, 1.5, w.GetControl("traffic_inflow", 1.0))
	assert.Equal(t, "traffic", w.ID())
	assert.Equal(t, "TrafficThread", w.Name())
}
