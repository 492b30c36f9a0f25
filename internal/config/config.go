// Package config loads scenario configuration from YAML, applying
// defaults for absent scalars, and optionally watches the file for live
// control-override changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smartcity/citysim/internal/factory"
)

// Sentinel configuration errors.
var (
	// ErrNoSubsystems means the scenario file declares an empty (or
	// missing) subsystems block.
	ErrNoSubsystems = errors.New("config: no subsystems configured")
	// ErrMissingType means a subsystem entry lacks the required type tag
	// and its id matches no registered type either; Load cannot know that,
	// so it only rejects entries with neither type nor id.
	ErrMissingType = errors.New("config: subsystem entry missing type")
)

// Subsystem is one entry of the scenario's subsystems block. Type
// selects the registered constructor and ThreadName labels the worker in
// logs; everything else in the entry is opaque pass-through handed to
// the subsystem constructor via Params.
type Subsystem struct {
	Type       string
	ThreadName string
	Params     map[string]any
}

// UnmarshalYAML splits the entry's mapping into the known fields and the
// opaque remainder.
func (s *Subsystem) UnmarshalYAML(value *yaml.Node) error {
	raw := make(map[string]any)
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if v, ok := raw["type"].(string); ok {
		s.Type = v
	}
	delete(raw, "type")
	if v, ok := raw["thread_name"].(string); ok {
		s.ThreadName = v
	}
	delete(raw, "thread_name")
	s.Params = raw
	return nil
}

// Config is the decoded scenario file.
type Config struct {
	// TickDuration is the pacing target per tick, in seconds in the file
	// ("tick_duration: 0.5"), exposed here as a time.Duration.
	TickDuration time.Duration
	// MetricsBuffer caps the kernel's bounded metrics stream.
	MetricsBuffer int
	// Subsystems maps subsystem id to its entry. Order carries no
	// meaning.
	Subsystems map[string]Subsystem
	// Controls holds optional control overrides applied at startup and
	// re-applied by the watcher on file change. Keys are validated by the
	// Controller, not here.
	Controls map[string]any
}

type rawConfig struct {
	TickDuration  *float64             `yaml:"tick_duration"`
	MetricsBuffer *int                 `yaml:"metrics_buffer"`
	Subsystems    map[string]Subsystem `yaml:"subsystems"`
	Controls      map[string]any       `yaml:"controls"`
}

// Defaults returns a Config with every scalar at its default and no
// subsystems.
func Defaults() Config {
	return Config{
		TickDuration:  500 * time.Millisecond,
		MetricsBuffer: 256,
		Subsystems:    map[string]Subsystem{},
		Controls:      map[string]any{},
	}
}

// Load reads and decodes path, applying defaults for absent scalars and
// validating that at least one subsystem is present and that every entry
// has a type or a non-empty id. Whether that type is registered is not
// checked here.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes an in-memory scenario document.
func Parse(data []byte) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	cfg := Defaults()
	if raw.TickDuration != nil {
		cfg.TickDuration = time.Duration(*raw.TickDuration * float64(time.Second))
	}
	if raw.MetricsBuffer != nil {
		cfg.MetricsBuffer = *raw.MetricsBuffer
	}
	if raw.Controls != nil {
		cfg.Controls = raw.Controls
	}
	if raw.Subsystems != nil {
		cfg.Subsystems = raw.Subsystems
	}

	if len(cfg.Subsystems) == 0 {
		return Config{}, ErrNoSubsystems
	}
	for id, sub := range cfg.Subsystems {
		if sub.Type == "" && id == "" {
			return Config{}, fmt.Errorf("%w: entry %q", ErrMissingType, id)
		}
	}
	return cfg, nil
}

// Specs converts the subsystems block into the factory specs the kernel
// registers at bootstrap. Entries without an explicit type keep an empty
// Type, which factory.Registry.Build resolves to the id; entries without
// a thread_name reuse their id.
func (c Config) Specs() []factory.Spec {
	specs := make([]factory.Spec, 0, len(c.Subsystems))
	for id, sub := range c.Subsystems {
		name := sub.ThreadName
		if name == "" {
			name = id
		}
		specs = append(specs, factory.Spec{
			ID:         id,
			Type:       sub.Type,
			ThreadName: name,
			Params:     sub.Params,
		})
	}
	return specs
}
