package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/citysim/internal/controller"
	"github.com/smartcity/citysim/internal/controlstate"
	"github.com/smartcity/citysim/internal/factory"
	"github.com/smartcity/citysim/internal/kernel"
	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
)

func tickerCtor(map[string]any) subsystem.HookFactory {
	return func(subsystem.Peer) subsystem.Hooks {
		var n int64
		var current int64
		return subsystem.Hooks{
			ExecuteTick: func() {
				current = n
				n++
			},
			CollectMetrics: func() simstate.MetricsSnapshot {
				return simstate.MetricsSnapshot{"counter": current}
			},
		}
	}
}

func newController(t *testing.T, maxTicks int64, historyLimit int) *controller.Controller {
	t.Helper()
	reg := factory.NewRegistry()
	reg.Register("ticker", tickerCtor)

	k := kernel.New(kernel.Options{
		TickDuration:  time.Millisecond,
		MetricsBuffer: 64,
		Registry:      reg,
	})
	require.NoError(t, k.RegisterSubsystems(factory.Spec{ID: "X", Type: "ticker", ThreadName: "XThread"}))
	require.NoError(t, k.Bootstrap(false))

	ctrl := controller.New(k, controller.Options{MaxTicks: maxTicks, HistoryLimit: historyLimit})
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func TestStartCollectsHistoryUntilHorizon(t *testing.T) {
	ctrl := newController(t, 5, 300)

	require.NoError(t, ctrl.Start(context.Background()))
	require.True(t, ctrl.WaitUntilStopped(5*time.Second))
	ctrl.Stop()

	history := ctrl.GetHistory()
	require.Contains(t, history, "X")
	entries := history["X"]
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i), e.Tick)
		assert.Equal(t, int64(i), e.Metrics["counter"])
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	ctrl := newController(t, -1, 300)

	require.NoError(t, ctrl.Start(context.Background()))
	err := ctrl.Start(context.Background())
	assert.ErrorIs(t, err, controller.ErrAlreadyRunning)
}

// Scenario E: unknown controls are rejected and leave state untouched.
func TestSetControlUnknownKeyRejected(t *testing.T) {
	ctrl := newController(t, -1, 300)

	before := ctrl.Controls()
	err := ctrl.SetControl("does_not_exist", 1)
	require.Error(t, err)
	var unk *controlstate.ErrUnknownControl
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "does_not_exist", unk.Key)
	assert.Equal(t, before, ctrl.Controls())
}

func TestSetControlRoundTripAndListener(t *testing.T) {
	ctrl := newController(t, -1, 300)

	var notified []controlstate.State
	ctrl.RegisterControlListener(func(s controlstate.State) {
		notified = append(notified, s)
	})

	require.NoError(t, ctrl.SetControl("traffic_inflow", 1.8))
	assert.Equal(t, 1.8, ctrl.Controls().TrafficInflow)
	require.Len(t, notified, 1)
	assert.Equal(t, 1.8, notified[0].TrafficInflow)
}

func TestTogglePauseFlipsState(t *testing.T) {
	ctrl := newController(t, -1, 300)

	require.NoError(t, ctrl.TogglePause())
	assert.True(t, ctrl.Controls().Paused)
	require.NoError(t, ctrl.TogglePause())
	assert.False(t, ctrl.Controls().Paused)
}

func TestTriggerEmergencySetsAndClearsOverride(t *testing.T) {
	ctrl := newController(t, -1, 300)

	token, err := ctrl.TriggerEmergency(30 * time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, ctrl.Controls().EmergencyOverride)

	require.Eventually(t, func() bool { return !ctrl.Controls().EmergencyOverride },
		2*time.Second, 5*time.Millisecond)
}

func TestResetRestoresDefaultsAndClearsHistory(t *testing.T) {
	ctrl := newController(t, 3, 300)

	require.NoError(t, ctrl.SetControl("waste_fleet_size", 12))
	require.NoError(t, ctrl.Start(context.Background()))
	require.True(t, ctrl.WaitUntilStopped(5*time.Second))

	require.NoError(t, ctrl.Reset())

	assert.Equal(t, controlstate.Default(), ctrl.Controls())
	assert.Empty(t, ctrl.GetHistory())
	assert.False(t, ctrl.IsRunning())

	// A fresh run after reset starts from tick 0 again.
	require.NoError(t, ctrl.Start(context.Background()))
	require.True(t, ctrl.WaitUntilStopped(5*time.Second))
	ctrl.Stop()

	entries := ctrl.GetHistory()["X"]
	require.NotEmpty(t, entries)
	assert.Equal(t, int64(0), entries[0].Tick)
}

func TestHistoryTrimsToLimit(t *testing.T) {
	ctrl := newController(t, 10, 4)

	require.NoError(t, ctrl.Start(context.Background()))
	require.True(t, ctrl.WaitUntilStopped(5*time.Second))
	ctrl.Stop()

	entries := ctrl.GetHistory()["X"]
	require.Len(t, entries, 4)
	assert.Equal(t, int64(6), entries[0].Tick)
	assert.Equal(t, int64(9), entries[3].Tick)
}

func TestIsRunningLifecycle(t *testing.T) {
	ctrl := newController(t, -1, 300)

	assert.False(t, ctrl.IsRunning())
	require.NoError(t, ctrl.Start(context.Background()))
	require.Eventually(t, ctrl.IsRunning, 2*time.Second, time.Millisecond)

	ctrl.Stop()
	assert.False(t, ctrl.IsRunning())
}
