package subsystems

import (
	"math/rand"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
)

// trafficState holds one traffic worker's private, tick-to-tick state.
type trafficState struct {
	rng             *rand.Rand
	junctions       int
	vehiclesPerTick int

	history []float64 // ring of occupancy ratios, maxlen 20

	congestionIndex   float64
	avgSpeed          float64
	avgWaitMin        float64
	incidentsThisTick int64
	totalIncidents    int64
	vehicles          int64
	evDemandMWh       float64
	signalEfficiency  float64
}

// NewTraffic builds the HookFactory for a traffic junction-congestion
// worker, registered under the "traffic" factory tag.
func NewTraffic(params map[string]any) subsystem.HookFactory {
	return func(peer subsystem.Peer) subsystem.Hooks {
		s := &trafficState{
			rng:              newRNG(params),
			junctions:        paramInt(params, "junctions", 8),
			vehiclesPerTick:  paramInt(params, "vehicles_per_tick", 30),
			avgSpeed:         40.0,
			avgWaitMin:       2.0,
			signalEfficiency: 1.0,
		}
		return subsystem.Hooks{
			ExecuteTick:    func() { s.executeTick(peer) },
			CollectMetrics: s.collectMetrics,
		}
	}
}

func (s *trafficState) executeTick(peer subsystem.Peer) {
	energySurplus := toFloat(peer.GetMetric("energy", "surplus_mw", 0.0))
	emergencyUnits := toFloat(peer.GetMetric("emergency", "active_units", 0.0))

	variability := gauss(s.rng, 0, float64(s.vehiclesPerTick)*0.1)
	vehicles := int64(float64(s.vehiclesPerTick) + variability)
	if vehicles < 0 {
		vehicles = 0
	}

	// Energy shortages reduce signal efficiency, emergency roadblocks
	// reduce capacity.
	s.signalEfficiency = maxFloat(0.6, 1.0+minFloat(energySurplus, 0)/150.0)
	s.signalEfficiency -= minFloat(emergencyUnits*0.03, 0.2)

	baseCapacity := float64(s.junctions * 12)
	effectiveCapacity := maxFloat(baseCapacity*s.signalEfficiency, 1)
	congestionRatio := float64(vehicles) / effectiveCapacity

	occupancyRatio := minFloat(congestionRatio, 1.5)
	s.history = append(s.history, occupancyRatio)
	if len(s.history) > 20 {
		s.history = s.history[len(s.history)-20:]
	}
	sum := 0.0
	for _, v := range s.history {
		sum += v
	}
	s.congestionIndex = sum / float64(len(s.history))

	congestionFactor := minFloat(s.congestionIndex, 1.4)
	s.avgSpeed = maxFloat(8.0, 55.0*(1.0-congestionFactor*0.55))
	s.avgWaitMin = maxFloat(0.5, 1.5+6.0*(congestionFactor-0.5))

	incidentProbability := 0.02 + maxFloat(s.congestionIndex-0.85, 0)*0.2
	s.incidentsThisTick = 0
	if s.rng.Float64() < incidentProbability {
		s.incidentsThisTick = int64(s.rng.Intn(3) + 1)
		s.totalIncidents += s.incidentsThisTick
	}

	// Estimate EV charging demand influenced by slower traffic (more
	// idle time).
	idleFactor := 1.0 - minFloat(s.avgSpeed/50.0, 1.0)
	s.evDemandMWh = roundTo(float64(vehicles)*idleFactor*0.02, 3)

	s.vehicles = vehicles
}

func (s *trafficState) collectMetrics() simstate.MetricsSnapshot {
	return simstate.MetricsSnapshot{
		"vehicles":               s.vehicles,
		"avg_speed_kmh":          roundTo(s.avgSpeed, 2),
		"avg_wait_min":           roundTo(s.avgWaitMin, 2),
		"congestion_index":       roundTo(s.congestionIndex, 3),
		"incidents":              s.incidentsThisTick,
		"total_incidents":        s.totalIncidents,
		"signal_efficiency":      roundTo(s.signalEfficiency, 3),
		"ev_charging_demand_mwh": s.evDemandMWh,
	}
}
