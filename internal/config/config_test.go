package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/citysim/internal/config"
)

const scenarioYAML = `
tick_duration: 0.25
metrics_buffer: 64
subsystems:
  traffic:
    type: traffic
    thread_name: TrafficThread
    junctions: 10
    vehicles_per_tick: 40
  energy:
    type: energy
    thread_name: EnergyThread
    zones: 4
controls:
  traffic_inflow: 1.3
  emergency_staff: 10
`

func TestParseAppliesFileValues(t *testing.T) {
	cfg, err := config.Parse([]byte(scenarioYAML))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.TickDuration)
	assert.Equal(t, 64, cfg.MetricsBuffer)
	require.Len(t, cfg.Subsystems, 2)

	traffic := cfg.Subsystems["traffic"]
	assert.Equal(t, "traffic", traffic.Type)
	assert.Equal(t, "TrafficThread", traffic.ThreadName)
	assert.Equal(t, 10, traffic.Params["junctions"])
	assert.NotContains(t, traffic.Params, "type")
	assert.NotContains(t, traffic.Params, "thread_name")

	assert.Equal(t, 1.3, cfg.Controls["traffic_inflow"])
}

func TestParseDefaultsAbsentScalars(t *testing.T) {
	cfg, err := config.Parse([]byte(`
subsystems:
  traffic:
    type: traffic
    thread_name: TrafficThread
`))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.TickDuration)
	assert.Equal(t, 256, cfg.MetricsBuffer)
	assert.Empty(t, cfg.Controls)
}

func TestParseRejectsEmptySubsystems(t *testing.T) {
	_, err := config.Parse([]byte(`tick_duration: 0.5`))
	assert.ErrorIs(t, err, config.ErrNoSubsystems)

	_, err = config.Parse([]byte("subsystems: {}\n"))
	assert.ErrorIs(t, err, config.ErrNoSubsystems)
}

func TestSpecsFallBackToIDForTypeAndName(t *testing.T) {
	cfg, err := config.Parse([]byte(`
subsystems:
  waste:
    fleet_size: 5
`))
	require.NoError(t, err)

	specs := cfg.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "waste", specs[0].ID)
	assert.Equal(t, "", specs[0].Type)
	assert.Equal(t, "waste", specs[0].ThreadName)
	assert.Equal(t, 5, specs[0].Params["fleet_size"])
}

func TestLoadReadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioYAML), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.TickDuration)
}

func TestWatcherEmitsChangedControls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioYAML), 0o644))

	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	ctx := t.Context()
	changes, errs := w.Watch(ctx)

	updated := `
subsystems:
  traffic:
    type: traffic
    thread_name: TrafficThread
controls:
  traffic_inflow: 2.5
`
	// A short delay lets the watch loop register before the write lands.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case controls := <-changes:
		assert.Equal(t, 2.5, controls["traffic_inflow"])
	case err := <-errs:
		t.Fatalf("unexpected watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no control change observed")
	}
}
