package game

import (
	"math"
	"time"

	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/sim/catalogs"
)

const (
	// SpeedMilestoneInterval producers halve the run time once.
	SpeedMilestoneInterval = 10
	// ContinuousThreshold is the shortest run (seconds) the client ticks at; faster runs are
	// compensated with a per-run output multiplier.
	ContinuousThreshold = 0.5
	productionBoost     = 20
)

// Engine evaluates the rules against a resource catalog and a wall clock.
type Engine struct {
	cat *catalogs.Catalog
	now func() time.Time
}

func NewEngine(cat *catalogs.Catalog, now func() time.Time) *Engine {
	if cat == nil {
		cat = catalogs.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{cat: cat, now: now}
}

func (e *Engine) Catalog() *catalogs.Catalog { return e.cat }
func (e *Engine) Now() time.Time             { return e.now() }

// NewState is a fresh game: the first tier unlocked with one producer, everything else locked.
func (e *Engine) NewState() State {
	s := State{
		Resources:   make(map[ResourceID]Resource, len(e.cat.Order)),
		LastSavedAt: e.now().UnixMilli(),
	}
	for i, id := range e.cat.Order {
		r := Resource{ID: ResourceID(id), Amount: quantity.Zero}
		if i == 0 {
			r.Unlocked = true
			r.Producers = 1
		}
		s.Resources[r.ID] = r
	}
	return s
}

func (e *Engine) def(id ResourceID) (catalogs.ResourceDef, bool) {
	return e.cat.Def(string(id))
}

func RunTimeMultiplier(b Boosts, activelyAutomated bool) float64 {
	m := 1.0
	if b.Runtime50 {
		m *= 0.5
	}
	if b.Automation2x && activelyAutomated {
		m *= 0.5
	}
	return m
}

func ProductionMultiplier(b Boosts) int {
	if b.Production20x {
		return productionBoost
	}
	return 1
}

// EffectiveRunTime is the run duration in seconds after speed milestones and boosts.
func (e *Engine) EffectiveRunTime(id ResourceID, producers int, rtm float64) float64 {
	d, ok := e.def(id)
	if !ok {
		return 0
	}
	doublings := producers / SpeedMilestoneInterval
	return d.BaseRunTimeS / math.Pow(2, float64(doublings)) * rtm
}

func (e *Engine) IsContinuous(id ResourceID, producers int, rtm float64) bool {
	return e.EffectiveRunTime(id, producers, rtm) < ContinuousThreshold
}

// ContinuousMultiplier is ContinuousThreshold / effective run time for continuous resources,
// else 1. It saturates at math.MaxFloat64 for producer counts whose run time underflows.
func (e *Engine) ContinuousMultiplier(id ResourceID, producers int, rtm float64) float64 {
	d, ok := e.def(id)
	if !ok || d.BaseRunTimeS*rtm <= 0 || e.EffectiveRunTime(id, producers, rtm) >= ContinuousThreshold {
		return 1
	}
	mul := math.Ldexp(ContinuousThreshold/(d.BaseRunTimeS*rtm), producers/SpeedMilestoneInterval)
	if math.IsInf(mul, 0) || math.IsNaN(mul) {
		return math.MaxFloat64
	}
	return mul
}

func (e *Engine) ClampedRunTime(id ResourceID, producers int, rtm float64) float64 {
	return math.Max(e.EffectiveRunTime(id, producers, rtm), ContinuousThreshold)
}

// runParams returns the boost multiplier and continuous compensation for r's next run.
func (e *Engine) runParams(s State, r Resource) (rtm, contMul float64) {
	rtm = RunTimeMultiplier(s.Boosts, r.ActivelyAutomated())
	return rtm, e.ContinuousMultiplier(r.ID, r.Producers, rtm)
}

type Milestone struct {
	Current  int
	Next     int
	Progress float64
}

func SpeedMilestone(producers int) Milestone {
	m := producers / SpeedMilestoneInterval
	return Milestone{
		Current:  producers,
		Next:     (m + 1) * SpeedMilestoneInterval,
		Progress: float64(producers%SpeedMilestoneInterval) / SpeedMilestoneInterval,
	}
}

// ProducerCost is floor(baseCost × scaling^owned).
func (e *Engine) ProducerCost(id ResourceID, owned int) quantity.Quantity {
	d, ok := e.def(id)
	if !ok {
		return quantity.Zero
	}
	return quantity.New(d.BaseCost).Mul(quantity.New(d.CostScaling).Pow(owned)).Floor()
}

// RunInputCost is inputPerRun × producers × continuous multiplier; ok is false when the
// resource consumes nothing.
func (e *Engine) RunInputCost(id ResourceID, producers int, rtm float64) (quantity.Quantity, bool) {
	d, ok := e.def(id)
	if !ok || !d.HasInput() {
		return quantity.Zero, false
	}
	mul := e.ContinuousMultiplier(id, producers, rtm)
	return quantity.New(d.InputPerRun).Mul(quantity.New(float64(producers))).Mul(quantity.New(mul)), true
}
