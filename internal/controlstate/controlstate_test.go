package controlstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	d := Default()
	assert.Equal(t, 1.0, d.TrafficInflow)
	assert.Equal(t, 1.0, d.TrafficSignalBias)
	assert.Equal(t, 1.0, d.EnergyBaseLoad)
	assert.Equal(t, 0.0, d.RenewableBoost)
	assert.Equal(t, 1.0, d.WasteRequestRate)
	assert.Equal(t, int64(6), d.WasteFleetSize)
	assert.False(t, d.EmergencyOverride)
	assert.Equal(t, int64(8), d.EmergencyStaff)
	assert.False(t, d.Paused)
}

func TestSetGetRoundTrip(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("traffic_inflow", 2.5))
	v, err := s.Get("traffic_inflow")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
}

func TestUnknownControlRejected(t *testing.T) {
	s := Default()
	err := s.Set("does_not_exist", 1)
	require.Error(t, err)
	var unk *ErrUnknownControl
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "does_not_exist", unk.Key)

	_, err = s.Get("does_not_exist")
	require.Error(t, err)
}

func TestApplyMapOverwriteSemantics(t *testing.T) {
	s := Default()
	require.NoError(t, s.ApplyMap(map[string]any{"traffic_inflow": 2.0, "paused": true}))
	require.NoError(t, s.ApplyMap(map[string]any{"traffic_inflow": 3.0}))

	v, _ := s.Get("traffic_inflow")
	assert.Equal(t, 3.0, v)
	v, _ = s.Get("paused")
	assert.Equal(t, true, v)
}

func TestToMapContainsAllKeys(t *testing.T) {
	m := Default().ToMap()
	for _, key := range []string{
		"traffic_inflow", "traffic_signal_bias", "energy_base_load",
		"renewable_boost", "waste_request_rate", "waste_fleet_size",
		"emergency_override", "emergency_staff", "paused",
	} {
		_, ok := m[key]
		assert.True(t, ok, "missing key %s", key)
	}
}

func TestIntegerControlAcceptsYAMLFloatDecode(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("waste_fleet_size", float64(9)))
	v, _ := s.Get("waste_fleet_size")
	assert.Equal(t, int64(9), v)
}
