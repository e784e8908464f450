// Package game holds the production state and the pure rules that transform it.
//
// Every mutating rule returns (next, true) when it applied, and (input, false) when its
// precondition did not hold. Callers use the bool, not an error, to detect rejection.
package game

import (
	"prodfactory.io/internal/quantity"
)

type ResourceID string

const (
	IronOre           ResourceID = "iron-ore"
	Plates            ResourceID = "plates"
	ReinforcedPlate   ResourceID = "reinforced-plate"
	ModularFrame      ResourceID = "modular-frame"
	HeavyModularFrame ResourceID = "heavy-modular-frame"
	FusedModularFrame ResourceID = "fused-modular-frame"
)

type BoostID string

const (
	BoostProduction20x BoostID = "production-20x"
	BoostAutomation2x  BoostID = "automation-2x"
	BoostRuntime50     BoostID = "runtime-50"
)

var BoostIDs = []BoostID{BoostProduction20x, BoostAutomation2x, BoostRuntime50}

func ValidBoost(id string) bool {
	for _, b := range BoostIDs {
		if string(b) == id {
			return true
		}
	}
	return false
}

// Boosts are the global shop multipliers; each is independently on or off.
type Boosts struct {
	Production20x bool `json:"production-20x"`
	Automation2x  bool `json:"automation-2x"`
	Runtime50     bool `json:"runtime-50"`
}

func (b Boosts) Active(id BoostID) bool {
	switch id {
	case BoostProduction20x:
		return b.Production20x
	case BoostAutomation2x:
		return b.Automation2x
	case BoostRuntime50:
		return b.Runtime50
	}
	return false
}

func (b Boosts) With(id BoostID, on bool) Boosts {
	switch id {
	case BoostProduction20x:
		b.Production20x = on
	case BoostAutomation2x:
		b.Automation2x = on
	case BoostRuntime50:
		b.Runtime50 = on
	}
	return b
}

func (b Boosts) Any() bool { return b.Production20x || b.Automation2x || b.Runtime50 }

type Resource struct {
	ID        ResourceID
	Amount    quantity.Quantity
	Producers int
	Unlocked  bool
	Automated bool
	Paused    bool
	// RunStartedAt is the unix-ms start of the in-flight run, nil when idle.
	RunStartedAt *int64
}

func (r Resource) Running() bool { return r.RunStartedAt != nil }

// ActivelyAutomated is true when automation is owned and not paused.
func (r Resource) ActivelyAutomated() bool { return r.Automated && !r.Paused }

type State struct {
	Resources   map[ResourceID]Resource
	Boosts      Boosts
	LastSavedAt int64 // unix ms
}

// Clone copies the resource map so the result can be modified without touching s.
func (s State) Clone() State {
	out := State{
		Resources:   make(map[ResourceID]Resource, len(s.Resources)),
		Boosts:      s.Boosts,
		LastSavedAt: s.LastSavedAt,
	}
	for id, r := range s.Resources {
		out.Resources[id] = r
	}
	return out
}

func (s State) with(rs ...Resource) State {
	out := s.Clone()
	for _, r := range rs {
		out.Resources[r.ID] = r
	}
	return out
}

func millis(v int64) *int64 { return &v }
