package game

import (
	"prodfactory.io/internal/quantity"
)

func (e *Engine) CanStartRun(s State, id ResourceID) bool {
	r, ok := s.Resources[id]
	if !ok || !r.Unlocked || r.Running() {
		return false
	}
	d, ok := e.def(id)
	if !ok {
		return false
	}
	if d.HasInput() {
		rtm, _ := e.runParams(s, r)
		cost, _ := e.RunInputCost(id, r.Producers, rtm)
		in := s.Resources[ResourceID(d.Input)]
		if !in.Amount.Gte(cost) {
			return false
		}
	}
	return true
}

// StartRun deducts the run's input immediately and stamps the start time.
func (e *Engine) StartRun(s State, id ResourceID) (State, bool) {
	if !e.CanStartRun(s, id) {
		return s, false
	}
	d, _ := e.def(id)
	r := s.Resources[id]
	out := s.Clone()
	if d.HasInput() {
		rtm, _ := e.runParams(s, r)
		cost, _ := e.RunInputCost(id, r.Producers, rtm)
		in := out.Resources[ResourceID(d.Input)]
		in.Amount = in.Amount.Sub(cost)
		out.Resources[in.ID] = in
	}
	r.RunStartedAt = millis(e.now().UnixMilli())
	out.Resources[id] = r
	return out, true
}

// IsRunComplete reports whether the in-flight run has lasted its (clamped) run time.
func (e *Engine) IsRunComplete(s State, id ResourceID) bool {
	r, ok := s.Resources[id]
	if !ok || !r.Running() {
		return false
	}
	rtm, _ := e.runParams(s, r)
	runMs := e.ClampedRunTime(id, r.Producers, rtm) * 1000
	return float64(e.now().UnixMilli()-*r.RunStartedAt) >= runMs
}

// CompleteRun awards producers × production boost × continuous multiplier and clears the run.
func (e *Engine) CompleteRun(s State, id ResourceID) (State, bool) {
	if !e.IsRunComplete(s, id) {
		return s, false
	}
	r := s.Resources[id]
	_, contMul := e.runParams(s, r)
	produced := quantity.New(float64(r.Producers * ProductionMultiplier(s.Boosts))).Mul(quantity.New(contMul))
	r.Amount = r.Amount.Add(produced)
	r.RunStartedAt = nil
	return s.with(r), true
}

func (e *Engine) CanBuyProducer(s State, id ResourceID) bool {
	r, ok := s.Resources[id]
	if !ok || !r.Unlocked {
		return false
	}
	return r.Amount.Gte(e.ProducerCost(id, r.Producers))
}

func (e *Engine) BuyProducer(s State, id ResourceID) (State, bool) {
	if !e.CanBuyProducer(s, id) {
		return s, false
	}
	r := s.Resources[id]
	r.Amount = r.Amount.Sub(e.ProducerCost(id, r.Producers))
	r.Producers++
	return s.with(r), true
}

// MaxAffordableProducers counts how many producers BuyProducer would succeed on in a row.
func (e *Engine) MaxAffordableProducers(s State, id ResourceID) int {
	r, ok := s.Resources[id]
	if !ok || !r.Unlocked {
		return 0
	}
	n, _ := e.affordable(id, r.Amount, r.Producers)
	return n
}

func (e *Engine) affordable(id ResourceID, amount quantity.Quantity, owned int) (int, quantity.Quantity) {
	count := 0
	for {
		cost := e.ProducerCost(id, owned)
		if !amount.Gte(cost) {
			return count, amount
		}
		amount = amount.Sub(cost)
		owned++
		count++
	}
}

// BuyMaxProducers buys until the next producer is unaffordable, copying the state once.
func (e *Engine) BuyMaxProducers(s State, id ResourceID) (State, bool) {
	r, ok := s.Resources[id]
	if !ok || !r.Unlocked {
		return s, false
	}
	n, left := e.affordable(id, r.Amount, r.Producers)
	if n == 0 {
		return s, false
	}
	r.Amount = left
	r.Producers += n
	return s.with(r), true
}

func (e *Engine) CanUnlock(s State, id ResourceID) bool {
	r, ok := s.Resources[id]
	if !ok || r.Unlocked {
		return false
	}
	d, ok := e.def(id)
	if !ok || !d.HasUnlockCost() {
		return false
	}
	payer, ok := s.Resources[ResourceID(d.UnlockWith)]
	return ok && payer.Amount.Gte(quantity.New(d.UnlockCost))
}

// Unlock pays the unlock cost from the previous tier and grants one starting producer.
func (e *Engine) Unlock(s State, id ResourceID) (State, bool) {
	if !e.CanUnlock(s, id) {
		return s, false
	}
	d, _ := e.def(id)
	payer := s.Resources[ResourceID(d.UnlockWith)]
	payer.Amount = payer.Amount.Sub(quantity.New(d.UnlockCost))
	r := s.Resources[id]
	r.Unlocked = true
	r.Producers = 1
	return s.with(payer, r), true
}

func (e *Engine) CanBuyAutomation(s State, id ResourceID) bool {
	r, ok := s.Resources[id]
	if !ok || !r.Unlocked || r.Automated {
		return false
	}
	d, ok := e.def(id)
	return ok && r.Amount.Gte(quantity.New(d.AutomationCost))
}

func (e *Engine) BuyAutomation(s State, id ResourceID) (State, bool) {
	if !e.CanBuyAutomation(s, id) {
		return s, false
	}
	d, _ := e.def(id)
	r := s.Resources[id]
	r.Amount = r.Amount.Sub(quantity.New(d.AutomationCost))
	r.Automated = true
	return s.with(r), true
}

// TogglePause flips the pause flag of an automated resource.
func (e *Engine) TogglePause(s State, id ResourceID) (State, bool) {
	r, ok := s.Resources[id]
	if !ok || !r.Automated {
		return s, false
	}
	r.Paused = !r.Paused
	return s.with(r), true
}

func (e *Engine) ActivateBoost(s State, id BoostID) (State, bool) {
	if !ValidBoost(string(id)) || s.Boosts.Active(id) {
		return s, false
	}
	out := s.Clone()
	out.Boosts = s.Boosts.With(id, true)
	return out, true
}

func (e *Engine) ResetBoosts(s State) (State, bool) {
	if !s.Boosts.Any() {
		return s, false
	}
	out := s.Clone()
	out.Boosts = Boosts{}
	return out, true
}

// Advance completes every finished run and restarts automated resources, in tier order so a
// lower tier's output can feed the next tier in the same pass. Completion is judged against
// the clock, never against how often Advance is called.
func (e *Engine) Advance(s State) (State, bool) {
	changed := false
	for _, raw := range e.cat.Order {
		id := ResourceID(raw)
		if next, ok := e.CompleteRun(s, id); ok {
			s, changed = next, true
		}
		if r := s.Resources[id]; r.ActivelyAutomated() {
			if next, ok := e.StartRun(s, id); ok {
				s, changed = next, true
			}
		}
	}
	return s, changed
}
