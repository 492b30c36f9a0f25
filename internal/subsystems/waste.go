package subsystems

import (
	"math/rand"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
)

// wasteState holds one waste-operations worker's private state.
type wasteState struct {
	rng             *rand.Rand
	fleetSize       int
	requestsPerTick int

	pending []int64 // FIFO queue of request priorities

	servedTotal    int64
	servedTick     int64
	avgRouteKm     float64
	fuelLiters     float64
	recyclingRatio float64
	fleetEnergyMWh float64
}

// NewWaste builds the HookFactory for a waste-collection dispatch worker,
// registered under the "waste" factory tag.
func NewWaste(params map[string]any) subsystem.HookFactory {
	return func(peer subsystem.Peer) subsystem.Hooks {
		s := &wasteState{
			rng:             newRNG(params),
			fleetSize:       paramInt(params, "fleet_size", 4),
			requestsPerTick: paramInt(params, "requests_per_tick", 5),
			recyclingRatio:  0.4,
		}
		return subsystem.Hooks{
			ExecuteTick:    func() { s.executeTick(peer) },
			CollectMetrics: s.collectMetrics,
		}
	}
}

func (s *wasteState) executeTick(peer subsystem.Peer) {
	congestion := toFloat(peer.GetMetric("traffic", "congestion_index", 0.5))
	avgSpeed := toFloat(peer.GetMetric("traffic", "avg_speed_kmh", 35.0))
	energyPrice := toFloat(peer.GetMetric("energy", "price_index", 1.0))

	seasonalVariation := uniform(s.rng, -1, 2)
	newRequests := int(float64(s.requestsPerTick) + seasonalVariation + congestion*4)
	if newRequests < 0 {
		newRequests = 0
	}
	for i := 0; i < newRequests; i++ {
		s.pending = append(s.pending, int64(s.rng.Intn(1000)+1))
	}

	congestionPenalty := 1.0 - minFloat(congestion, 1.2)*0.4
	effectiveSpeed := maxFloat(avgSpeed*congestionPenalty, 12.0)
	serviceCapacity := int((effectiveSpeed / 25.0) * float64(s.fleetSize))
	if serviceCapacity < 1 {
		serviceCapacity = 1
	}

	activeFleet := minInt(s.fleetSize, minInt(len(s.pending), serviceCapacity))
	s.servedTick = 0
	for i := 0; i < activeFleet; i++ {
		s.pending = s.pending[1:]
		s.servedTotal++
		s.servedTick++
	}

	routeVariation := uniform(s.rng, 6.0, 12.0)
	activeFleetF := maxFloat(float64(activeFleet), 1.0)
	s.avgRouteKm = roundTo(routeVariation*activeFleetF*maxFloat(1.0, 1.2-congestionPenalty), 2)
	dieselMix := 1.0 - minFloat(energyPrice/3.0, 0.6)
	s.fuelLiters = roundTo(s.avgRouteKm*(0.3+0.6*dieselMix), 2)
	s.fleetEnergyMWh = roundTo(s.avgRouteKm*(1-dieselMix)*0.015, 3)

	recyclingBase := 0.35 + uniform(s.rng, -0.05, 0.07)
	congestionPenaltyRecycle := 0.05 * maxFloat(congestion-0.7, 0)
	s.recyclingRatio = clamp(recyclingBase-congestionPenaltyRecycle, 0.2, 0.75)
}

func (s *wasteState) collectMetrics() simstate.MetricsSnapshot {
	return simstate.MetricsSnapshot{
		"pending_requests": int64(len(s.pending)),
		"served_this_tick": s.servedTick,
		"served_total":     s.servedTotal,
		"avg_route_km":     s.avgRouteKm,
		"fuel_liters":      s.fuelLiters,
		"recycling_ratio":  roundTo(s.recyclingRatio, 3),
		"fleet_energy_mwh": s.fleetEnergyMWh,
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
