package game

import "fmt"

// ActionKind names a player command. The strings double as the wire operation names.
type ActionKind string

const (
	ActionUnlock          ActionKind = "unlock"
	ActionBuyProducer     ActionKind = "buy-producer"
	ActionBuyMaxProducers ActionKind = "buy-max-producers"
	ActionBuyAutomation   ActionKind = "buy-automation"
	ActionTogglePause     ActionKind = "toggle-pause"
	ActionActivateBoost   ActionKind = "activate-boost"
	ActionResetBoosts     ActionKind = "reset-shop-boosts"
)

var ActionKinds = []ActionKind{
	ActionUnlock, ActionBuyProducer, ActionBuyMaxProducers, ActionBuyAutomation,
	ActionTogglePause, ActionActivateBoost, ActionResetBoosts,
}

// ResourceScoped reports whether k targets a single resource.
func (k ActionKind) ResourceScoped() bool {
	switch k {
	case ActionUnlock, ActionBuyProducer, ActionBuyMaxProducers, ActionBuyAutomation, ActionTogglePause:
		return true
	}
	return false
}

// Action is one player command. Resource is set for resource-scoped kinds, Boost for
// activate-boost.
type Action struct {
	Kind     ActionKind
	Resource ResourceID
	Boost    BoostID
}

// Apply runs the rule for a on s. ok=false means the rule's precondition did not hold; an
// error means the kind is unknown.
func (e *Engine) Apply(s State, a Action) (State, bool, error) {
	var (
		next State
		ok   bool
	)
	switch a.Kind {
	case ActionUnlock:
		next, ok = e.Unlock(s, a.Resource)
	case ActionBuyProducer:
		next, ok = e.BuyProducer(s, a.Resource)
	case ActionBuyMaxProducers:
		next, ok = e.BuyMaxProducers(s, a.Resource)
	case ActionBuyAutomation:
		next, ok = e.BuyAutomation(s, a.Resource)
	case ActionTogglePause:
		next, ok = e.TogglePause(s, a.Resource)
	case ActionActivateBoost:
		next, ok = e.ActivateBoost(s, a.Boost)
	case ActionResetBoosts:
		next, ok = e.ResetBoosts(s)
	default:
		return s, false, fmt.Errorf("unknown action %q", a.Kind)
	}
	return next, ok, nil
}
