// Package plausibility bounds how much of each resource a client could have produced since
// the last trusted snapshot, and clamps claims that exceed it.
//
// The bound is a heuristic over elapsed wall time and the producer counts on either side of
// the interval. A client that stays inside it is indistinguishable from a fast player.
package plausibility

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/sim/game"
)

type SnapshotResource struct {
	Amount    quantity.Quantity `json:"amount"`
	Producers int               `json:"producers"`
}

// Snapshot is the trusted checkpoint gains are measured from.
type Snapshot struct {
	Timestamp int64                       `json:"timestamp"` // unix ms
	Resources map[string]SnapshotResource `json:"resources"`
}

func BuildSnapshot(w codec.WireState, ts time.Time) Snapshot {
	s := Snapshot{
		Timestamp: ts.UnixMilli(),
		Resources: make(map[string]SnapshotResource, len(w.Resources)),
	}
	for id, r := range w.Resources {
		s.Resources[id] = SnapshotResource{Amount: r.Amount, Producers: r.Producers}
	}
	return s
}

func (s Snapshot) Marshal() ([]byte, error) { return json.Marshal(s) }

func UnmarshalSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

type Policy struct {
	// Tolerance multiplies the production bound before comparing, absorbing timer jitter.
	Tolerance float64
	// GraceRuns are added to the completed-run count for a run already in flight at snapshot time.
	GraceRuns int
	// WarningThreshold corrections force a full reset.
	WarningThreshold int
}

func DefaultPolicy() Policy {
	return Policy{Tolerance: 1.1, GraceRuns: 1, WarningThreshold: 10}
}

type Correction struct {
	ID        string            `json:"id"`
	Claimed   quantity.Quantity `json:"claimed"`
	Corrected quantity.Quantity `json:"corrected"`
	MaxGain   quantity.Quantity `json:"max_gain"`
}

type Result struct {
	Corrected   bool
	State       codec.WireState // the claim with corrections applied; only set when Corrected
	Warnings    []string
	Corrections []Correction
}

type Auditor struct {
	eng    *game.Engine
	policy Policy
}

func NewAuditor(eng *game.Engine, p Policy) *Auditor {
	return &Auditor{eng: eng, policy: p}
}

func (a *Auditor) Policy() Policy { return a.policy }

// Escalate reports whether a session with count warnings must be reset.
func (a *Auditor) Escalate(count int) bool {
	return a.policy.WarningThreshold > 0 && count >= a.policy.WarningThreshold
}

// MaxProduction is the most of id a claim could have gained over elapsedMs.
func (a *Auditor) MaxProduction(id string, snap SnapshotResource, claimed codec.WireResource, boosts game.Boosts, elapsedMs int64) quantity.Quantity {
	if !claimed.IsUnlocked || claimed.Paused() {
		return quantity.Zero
	}
	producers := snap.Producers
	if claimed.Producers > producers {
		producers = claimed.Producers
	}
	rtm := game.RunTimeMultiplier(boosts, claimed.IsAutomated && !claimed.Paused())
	runs, ok := a.runsIn(game.ResourceID(id), producers, rtm, elapsedMs)
	if !ok {
		return quantity.Zero
	}
	runs = runs.Add(quantity.New(float64(a.policy.GraceRuns)))
	return runs.Mul(quantity.New(float64(producers) * float64(game.ProductionMultiplier(boosts))))
}

// runsIn is floor(elapsedMs / run time). Once the run time is too short for a float ratio
// the count is taken in log10 space, where flooring no longer matters.
func (a *Auditor) runsIn(id game.ResourceID, producers int, rtm float64, elapsedMs int64) (quantity.Quantity, bool) {
	baseMs := a.eng.EffectiveRunTime(id, 0, rtm) * 1000
	if baseMs <= 0 || elapsedMs <= 0 {
		return quantity.Zero, baseMs > 0
	}
	if runMs := a.eng.EffectiveRunTime(id, producers, rtm) * 1000; runMs > 0 {
		if runs := float64(elapsedMs) / runMs; !math.IsInf(runs, 0) {
			return quantity.New(math.Floor(runs)), true
		}
	}
	doublings := float64(producers / game.SpeedMilestoneInterval)
	return quantity.FromLog10(math.Log10(float64(elapsedMs)) - math.Log10(baseMs) + doublings*math.Log10(2)), true
}

// Check audits claimed against snap as of now. Resources missing on either side are skipped.
func (a *Auditor) Check(claimed codec.WireState, snap Snapshot, now time.Time) Result {
	elapsed := now.UnixMilli() - snap.Timestamp
	if elapsed <= 0 {
		return Result{}
	}
	boosts := claimed.Boosts()
	tol := quantity.New(a.policy.Tolerance)

	var res Result
	var out codec.WireState
	for _, id := range a.eng.Catalog().Order {
		sr, ok := snap.Resources[id]
		if !ok {
			continue
		}
		cr, ok := claimed.Resources[id]
		if !ok {
			continue
		}
		if !cr.Amount.Gt(sr.Amount) {
			continue
		}
		gain := cr.Amount.Sub(sr.Amount)
		maxGain := a.MaxProduction(id, sr, cr, boosts, elapsed)

		var fixed quantity.Quantity
		switch {
		case maxGain.IsZero():
			fixed = sr.Amount
		case gain.Gt(maxGain.Mul(tol)):
			fixed = sr.Amount.Add(maxGain)
		default:
			continue
		}

		if !res.Corrected {
			out = claimed.Clone()
			res.Corrected = true
		}
		r := out.Resources[id]
		r.Amount = fixed
		out.Resources[id] = r
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s production exceeded plausible rate", a.name(id)))
		res.Corrections = append(res.Corrections, Correction{
			ID:        id,
			Claimed:   cr.Amount,
			Corrected: fixed,
			MaxGain:   maxGain,
		})
	}
	if res.Corrected {
		res.State = out
	}
	return res
}

func (a *Auditor) name(id string) string {
	if d, ok := a.eng.Catalog().Def(id); ok && d.Name != "" {
		return d.Name
	}
	return id
}
