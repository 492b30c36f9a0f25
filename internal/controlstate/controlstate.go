// Package controlstate defines the typed control record: a fixed, named
// set of scalar simulation parameters with typed defaults. Field access
// by wire name goes through an explicit name -> accessor table, which
// also gives unknown-control rejection for free.
package controlstate

import "fmt"

// State is the full control surface. Zero value is NOT valid; use
// Default() to get typed defaults applied.
type State struct {
	TrafficInflow     float64
	TrafficSignalBias float64
	EnergyBaseLoad    float64
	RenewableBoost    float64
	WasteRequestRate  float64
	WasteFleetSize    int64
	EmergencyOverride bool
	EmergencyStaff    int64
	Paused            bool
}

// Default returns the State with every field at its default.
func Default() State {
	return State{
		TrafficInflow:     1.0,
		TrafficSignalBias: 1.0,
		EnergyBaseLoad:    1.0,
		RenewableBoost:    0.0,
		WasteRequestRate:  1.0,
		WasteFleetSize:    6,
		EmergencyOverride: false,
		EmergencyStaff:    8,
		Paused:            false,
	}
}

// ErrUnknownControl is returned when a key names no recognized control.
type ErrUnknownControl struct {
	Key string
}

func (e *ErrUnknownControl) Error() string {
	return fmt.Sprintf("controlstate: unknown control %q", e.Key)
}

// field bundles the typed get/set pair for one named control, keyed by
// the snake_case wire name used in control maps and config files.
type field struct {
	get func(*State) any
	set func(*State, any) error
}

var fields = map[string]field{
	"traffic_inflow": {
		get: func(s *State) any { return s.TrafficInflow },
		set: func(s *State, v any) error { return setFloat(&s.TrafficInflow, v) },
	},
	"traffic_signal_bias": {
		get: func(s *State) any { return s.TrafficSignalBias },
		set: func(s *State, v any) error { return setFloat(&s.TrafficSignalBias, v) },
	},
	"energy_base_load": {
		get: func(s *State) any { return s.EnergyBaseLoad },
		set: func(s *State, v any) error { return setFloat(&s.EnergyBaseLoad, v) },
	},
	"renewable_boost": {
		get: func(s *State) any { return s.RenewableBoost },
		set: func(s *State, v any) error { return setFloat(&s.RenewableBoost, v) },
	},
	"waste_request_rate": {
		get: func(s *State) any { return s.WasteRequestRate },
		set: func(s *State, v any) error { return setFloat(&s.WasteRequestRate, v) },
	},
	"waste_fleet_size": {
		get: func(s *State) any { return s.WasteFleetSize },
		set: func(s *State, v any) error { return setInt(&s.WasteFleetSize, v) },
	},
	"emergency_override": {
		get: func(s *State) any { return s.EmergencyOverride },
		set: func(s *State, v any) error { return setBool(&s.EmergencyOverride, v) },
	},
	"emergency_staff": {
		get: func(s *State) any { return s.EmergencyStaff },
		set: func(s *State, v any) error { return setInt(&s.EmergencyStaff, v) },
	},
	"paused": {
		get: func(s *State) any { return s.Paused },
		set: func(s *State, v any) error { return setBool(&s.Paused, v) },
	},
}

// Known reports whether key names a recognized control.
func Known(key string) bool {
	_, ok := fields[key]
	return ok
}

// Get returns the value of a single named control.
func (s *State) Get(key string) (any, error) {
	f, ok := fields[key]
	if !ok {
		return nil, &ErrUnknownControl{Key: key}
	}
	return f.get(s), nil
}

// Set applies value to the named control, type-coercing numeric kinds
// the way a YAML/JSON decode would hand them back (encoding/json yields
// float64 for every number; gopkg.in/yaml.v3 yields int for integer
// literals and float64 for decimals).
func (s *State) Set(key string, value any) error {
	f, ok := fields[key]
	if !ok {
		return &ErrUnknownControl{Key: key}
	}
	return f.set(s, value)
}

// ToMap renders the full control surface as the map shape Context and
// Kernel.SetControlState operate on.
func (s State) ToMap() map[string]any {
	out := make(map[string]any, len(fields))
	for name, f := range fields {
		out[name] = f.get(&s)
	}
	return out
}

// ApplyMap merges a partial control map into s, key by key, returning the
// first ErrUnknownControl encountered. Known keys already applied before
// the error stay applied — callers that need all-or-nothing validation
// should pre-check with Known.
func (s *State) ApplyMap(partial map[string]any) error {
	for k, v := range partial {
		if err := s.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func setFloat(dst *float64, v any) error {
	switch n := v.(type) {
	case float64:
		*dst = n
	case float32:
		*dst = float64(n)
	case int:
		*dst = float64(n)
	case int64:
		*dst = float64(n)
	default:
		return fmt.Errorf("controlstate: expected numeric value, got %T", v)
	}
	return nil
}

func setInt(dst *int64, v any) error {
	switch n := v.(type) {
	case int64:
		*dst = n
	case int:
		*dst = int64(n)
	case float64:
		*dst = int64(n)
	case float32:
		*dst = int64(n)
	default:
		return fmt.Errorf("controlstate: expected integer value, got %T", v)
	}
	return nil
}

func setBool(dst *bool, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("controlstate: expected boolean value, got %T", v)
	}
	*dst = b
	return nil
}
