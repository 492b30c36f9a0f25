package subsystems

import "github.com/smartcity/citysim/internal/factory"

// RegisterAll binds the four built-in subsystem types to r. Scenario
// configs name these tags directly or rely on the id-as-type fallback.
func RegisterAll(r *factory.Registry) {
	r.Register("traffic", NewTraffic)
	r.Register("energy", NewEnergy)
	r.Register("waste", NewWaste)
	r.Register("emergency", NewEmergency)
}
