package simstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/citysim/internal/simstate"
)

func TestContextGetLatestAbsentUntilPublished(t *testing.T) {
	ctx := simstate.New(nil)

	_, _, ok := ctx.GetLatest("traffic")
	assert.False(t, ok)

	ctx.Update("traffic", 0, simstate.MetricsSnapshot{"congestion_index": 0.5})
	tick, snap, ok := ctx.GetLatest("traffic")
	require.True(t, ok)
	assert.Equal(t, int64(0), tick)
	assert.Equal(t, 0.5, snap["congestion_index"])
}

func TestContextUpdateDoesNotLeakMutableSnapshot(t *testing.T) {
	ctx := simstate.New(nil)
	src := simstate.MetricsSnapshot{"x": int64(1)}
	ctx.Update("a", 3, src)
	src["x"] = int64(999)

	_, snap, ok := ctx.GetLatest("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap["x"])

	snap["x"] = int64(42)
	_, snap2, _ := ctx.GetLatest("a")
	assert.Equal(t, int64(1), snap2["x"])
}

func TestContextControlsDefaultAndOverride(t *testing.T) {
	ctx := simstate.New(map[string]any{"paused": false})
	assert.Equal(t, false, ctx.GetControl("paused", true))
	assert.Equal(t, "fallback", ctx.GetControl("missing", "fallback"))

	ctx.UpdateControls(map[string]any{"paused": true, "traffic_inflow": 1.5})
	assert.Equal(t, true, ctx.GetControl("paused", false))
	assert.Equal(t, 1.5, ctx.GetControl("traffic_inflow", 0.0))
}

func TestContextClearLatestKeepsControls(t *testing.T) {
	ctx := simstate.New(map[string]any{"paused": false})
	ctx.Update("traffic", 5, simstate.MetricsSnapshot{"a": int64(1)})
	ctx.ClearLatest()

	_, _, ok := ctx.GetLatest("traffic")
	assert.False(t, ok)
	assert.Equal(t, false, ctx.GetControl("paused", true))
}

func TestContextSnapshotIsDefensiveCopy(t *testing.T) {
	ctx := simstate.New(nil)
	ctx.Update("a", 1, simstate.MetricsSnapshot{"x": int64(1)})
	ctx.Update("b", 1, simstate.MetricsSnapshot{"y": int64(2)})

	snap := ctx.Snapshot()
	require.Len(t, snap, 2)
	snap["a"]["x"] = int64(999)

	_, fresh, _ := ctx.GetLatest("a")
	assert.Equal(t, int64(1), fresh["x"])
}
