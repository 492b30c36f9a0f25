package subsystems

import (
	"fmt"
	"math/rand"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
)

// energyState holds one energy-grid worker's private state.
type energyState struct {
	rng      *rand.Rand
	zones    int
	baseLoad float64

	zoneLoads map[string]float64

	surplus              float64
	generation           float64
	consumption          float64
	renewables           float64
	storageCapacity      float64
	storageLevel         float64
	gridLosses           float64
	priceIndex           float64
	demandResponseActive bool
}

// NewEnergy builds the HookFactory for an energy-grid load-balancing
// worker, registered under the "energy" factory tag.
func NewEnergy(params map[string]any) subsystem.HookFactory {
	return func(peer subsystem.Peer) subsystem.Hooks {
		zones := paramInt(params, "zones", 3)
		baseLoad := paramFloat(params, "base_load_mw", 100)
		renewableShare := paramFloat(params, "renewable_share", 0.35)
		storageCapacity := paramFloat(params, "storage_capacity_mwh", 250.0)
		initialStoragePct := paramFloat(params, "initial_storage_pct", 0.45)

		zoneLoads := make(map[string]float64, zones)
		divisor := zones
		if divisor < 1 {
			divisor = 1
		}
		for i := 0; i < zones; i++ {
			zoneLoads[fmt.Sprintf("zone_%d", i)] = baseLoad / float64(divisor)
		}

		s := &energyState{
			rng:             newRNG(params),
			zones:           zones,
			baseLoad:        baseLoad,
			zoneLoads:       zoneLoads,
			generation:      baseLoad,
			consumption:     baseLoad,
			renewables:      baseLoad * renewableShare,
			storageCapacity: storageCapacity,
			storageLevel:    storageCapacity * initialStoragePct,
			priceIndex:      1.0,
		}
		return subsystem.Hooks{
			ExecuteTick:    func() { s.executeTick(peer) },
			CollectMetrics: s.collectMetrics,
		}
	}
}

func (s *energyState) executeTick(peer subsystem.Peer) {
	trafficEV := toFloat(peer.GetMetric("traffic", "ev_charging_demand_mwh", 0.0))
	wasteEnergy := toFloat(peer.GetMetric("waste", "fleet_energy_mwh", 0.0))
	emergencyEnergy := toFloat(peer.GetMetric("emergency", "grid_demand_mwh", 0.0))

	distributedAdditional := trafficEV + wasteEnergy + emergencyEnergy
	divisor := s.zones
	if divisor < 1 {
		divisor = 1
	}
	perZoneExtra := distributedAdditional / float64(divisor)

	totalConsumption := 0.0
	for zone, currentLoad := range s.zoneLoads {
		fluctuation := uniform(s.rng, -6.0, 6.0)
		newLoad := maxFloat(currentLoad+fluctuation+perZoneExtra, 10.0)
		s.zoneLoads[zone] = newLoad
		totalConsumption += newLoad
	}
	totalConsumption += trafficEV + wasteEnergy + emergencyEnergy

	weatherFactor := 0.8 + uniform(s.rng, -0.18, 0.22)
	s.renewables = maxFloat(0.0, s.baseLoad*weatherFactor*0.4)
	thermalGeneration := maxFloat(s.baseLoad*0.6+uniform(s.rng, -8.0, 12.0), 20.0)
	s.generation = s.renewables + thermalGeneration

	s.gridLosses = totalConsumption * 0.05
	netBalance := s.generation - (totalConsumption + s.gridLosses)
	s.surplus = netBalance

	if netBalance >= 0 {
		energyToStore := minFloat(netBalance, s.storageCapacity-s.storageLevel)
		s.storageLevel += energyToStore
		s.surplus -= energyToStore
	} else {
		discharge := minFloat(-netBalance, s.storageLevel)
		s.storageLevel -= discharge
		s.surplus += discharge
	}

	utilisationRatio := totalConsumption / maxFloat(s.generation, 1.0)
	s.priceIndex = 0.9 + utilisationRatio*0.6
	s.demandResponseActive = utilisationRatio > 0.92

	s.consumption = totalConsumption
}

func (s *energyState) collectMetrics() simstate.MetricsSnapshot {
	renewableShare := s.renewables / maxFloat(s.generation, 1.0)
	blackoutRisk := maxFloat(0.0, 1.0-(s.storageLevel/maxFloat(s.storageCapacity, 1.0)+s.surplus/50.0))

	return simstate.MetricsSnapshot{
		"generation_mw":   roundTo(s.generation, 2),
		"consumption_mw":  roundTo(s.consumption, 2),
		"surplus_mw":      roundTo(s.surplus, 2),
		"renewable_ratio": roundTo(renewableShare, 3),
		"storage_mwh":     roundTo(s.storageLevel, 2),
		"demand_response": s.demandResponseActive,
		"losses_mw":       roundTo(s.gridLosses, 2),
		"price_index":     roundTo(s.priceIndex, 3),
		"blackout_risk":   roundTo(clamp(blackoutRisk, 0.0, 1.0), 3),
	}
}
