package subsystems

import (
	"math/rand"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/subsystem"
)

// emergencyState holds one emergency-response worker's private state.
type emergencyState struct {
	rng               *rand.Rand
	priorityThreshold float64
	unitsAvailable    int

	openIncidents     int64
	resolvedIncidents int64
	resolvedThisTick  int64
	activeUnits       int64
	avgResponseMin    float64
	gridDemandMWh     float64
}

// NewEmergency builds the HookFactory for an emergency-dispatch worker,
// registered under the "emergency" factory tag.
func NewEmergency(params map[string]any) subsystem.HookFactory {
	return func(peer subsystem.Peer) subsystem.Hooks {
		s := &emergencyState{
			rng:               newRNG(params),
			priorityThreshold: paramFloat(params, "priority_threshold", 0.6),
			unitsAvailable:    paramInt(params, "response_units", 6),
			avgResponseMin:    6.0,
		}
		return subsystem.Hooks{
			ExecuteTick:    func() { s.executeTick(peer) },
			CollectMetrics: s.collectMetrics,
		}
	}
}

func (s *emergencyState) executeTick(peer subsystem.Peer) {
	congestion := toFloat(peer.GetMetric("traffic", "congestion_index", 0.5))
	avgSpeed := toFloat(peer.GetMetric("traffic", "avg_speed_kmh", 35.0))
	blackoutRisk := toFloat(peer.GetMetric("energy", "blackout_risk", 0.2))
	wasteBacklog := toFloat(peer.GetMetric("waste", "pending_requests", 0))

	incidentPressure := 0.4 + congestion*1.6 + blackoutRisk*2.0 + wasteBacklog*0.03
	incidentPressure *= uniform(s.rng, 0.7, 1.3)
	expectedIncidents := maxFloat(0.0, incidentPressure)
	newIncidents := int64(expectedIncidents)
	if s.rng.Float64() < (expectedIncidents - float64(newIncidents)) {
		newIncidents++
	}
	if override, _ := peer.GetControl("emergency_override", false).(bool); override {
		newIncidents += int64(s.rng.Intn(2) + 1)
	}

	if newIncidents > 0 {
		s.openIncidents += newIncidents
	}

	if s.openIncidents > 0 {
		congestionPenalty := 1.0 + maxFloat(congestion-0.8, 0)*0.8
		speedFactor := maxFloat(avgSpeed/45.0, 0.4)
		dispatchCapacity := int64(float64(s.unitsAvailable) * speedFactor / congestionPenalty)
		if dispatchCapacity < 1 {
			dispatchCapacity = 1
		}
		s.activeUnits = minInt64(dispatchCapacity, int64(s.unitsAvailable))

		resolutionRate := s.priorityThreshold + uniform(s.rng, -0.15, 0.25)
		maxResolvable := int64(float64(s.activeUnits) * resolutionRate)
		if maxResolvable < 0 {
			maxResolvable = 0
		}
		s.resolvedThisTick = minInt64(s.openIncidents, maxResolvable)
		s.openIncidents -= s.resolvedThisTick
		s.resolvedIncidents += s.resolvedThisTick

		s.avgResponseMin = maxFloat(5.0, 4.5+congestion*6.0+blackoutRisk*5.0-avgSpeed*0.05)
		s.gridDemandMWh = roundTo(float64(s.activeUnits)*0.04, 3)
	} else {
		s.resolvedThisTick = 0
		s.activeUnits = 0
		s.gridDemandMWh = 0.0
	}
}

func (s *emergencyState) collectMetrics() simstate.MetricsSnapshot {
	denom := int64(s.unitsAvailable) * 2
	if denom < 1 {
		denom = 1
	}
	severityIndex := minFloat(1.0, float64(s.openIncidents)/float64(denom))
	return simstate.MetricsSnapshot{
		"open_incidents":     s.openIncidents,
		"resolved_total":     s.resolvedIncidents,
		"resolved_this_tick": s.resolvedThisTick,
		"active_units":       s.activeUnits,
		"avg_response_min":   roundTo(s.avgResponseMin, 2),
		"severity_index":     roundTo(severityIndex, 3),
		"grid_demand_mwh":    s.gridDemandMWh,
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
