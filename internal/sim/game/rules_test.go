package game

import (
	"math"
	"reflect"
	"testing"
	"time"

	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/sim/catalogs"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time            { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine() (*Engine, *testClock) {
	c := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	return NewEngine(catalogs.Default(), c.now), c
}

func amountOf(s State, id ResourceID) float64 { return s.Resources[id].Amount.Float64() }

func withAmount(s State, id ResourceID, v float64) State {
	r := s.Resources[id]
	r.Amount = quantity.New(v)
	return s.with(r)
}

func near(a, b float64) bool { return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b)) }

func TestNewState(t *testing.T) {
	e, c := newTestEngine()
	s := e.NewState()
	if len(s.Resources) != 6 {
		t.Fatalf("resources: got %d want 6", len(s.Resources))
	}
	iron := s.Resources[IronOre]
	if !iron.Unlocked || iron.Producers != 1 || !iron.Amount.IsZero() || iron.Running() {
		t.Fatalf("iron-ore: %+v", iron)
	}
	for _, id := range []ResourceID{Plates, ReinforcedPlate, ModularFrame, HeavyModularFrame, FusedModularFrame} {
		r := s.Resources[id]
		if r.Unlocked || r.Producers != 0 || r.Automated || r.Paused {
			t.Fatalf("%s: %+v", id, r)
		}
	}
	if s.Boosts.Any() {
		t.Fatalf("boosts should start off: %+v", s.Boosts)
	}
	if s.LastSavedAt != c.t.UnixMilli() {
		t.Fatalf("lastSavedAt: got %d want %d", s.LastSavedAt, c.t.UnixMilli())
	}
}

func TestProducerCost(t *testing.T) {
	e, _ := newTestEngine()
	cases := []struct {
		id    ResourceID
		owned int
		want  float64
	}{
		{IronOre, 0, 2},
		{IronOre, 1, 2},
		{IronOre, 5, 4},
		{IronOre, 20, 32},
		{Plates, 0, 4},
	}
	for _, c := range cases {
		if got := e.ProducerCost(c.id, c.owned).Float64(); !near(got, c.want) {
			t.Fatalf("cost(%s, %d) = %v, want %v", c.id, c.owned, got, c.want)
		}
	}
}

func TestBuyProducer(t *testing.T) {
	e, _ := newTestEngine()
	s := withAmount(e.NewState(), IronOre, 10)
	quoted := e.ProducerCost(IronOre, 1).Float64()

	next, ok := e.BuyProducer(s, IronOre)
	if !ok {
		t.Fatalf("expected purchase")
	}
	if next.Resources[IronOre].Producers != 2 {
		t.Fatalf("producers: %d", next.Resources[IronOre].Producers)
	}
	if paid := amountOf(s, IronOre) - amountOf(next, IronOre); !near(paid, quoted) {
		t.Fatalf("paid %v, quoted %v", paid, quoted)
	}
	if s.Resources[IronOre].Producers != 1 || !near(amountOf(s, IronOre), 10) {
		t.Fatalf("input state was modified: %+v", s.Resources[IronOre])
	}

	poor := withAmount(e.NewState(), IronOre, 1)
	same, ok := e.BuyProducer(poor, IronOre)
	if ok || !reflect.DeepEqual(same, poor) {
		t.Fatalf("unaffordable purchase should be a no-op")
	}
	if _, ok := e.BuyProducer(e.NewState(), Plates); ok {
		t.Fatalf("locked resource purchase should be a no-op")
	}
}

func TestBuyMaxProducers_FixedPoint(t *testing.T) {
	e, _ := newTestEngine()
	for _, amount := range []float64{0, 1, 2, 5, 37, 100, 12345, 9.5e8} {
		s := withAmount(e.NewState(), IronOre, amount)
		want := e.MaxAffordableProducers(s, IronOre)

		next, ok := e.BuyMaxProducers(s, IronOre)
		if ok != (want > 0) {
			t.Fatalf("amount %v: ok=%v with %d affordable", amount, ok, want)
		}
		if d := next.Resources[IronOre].Producers - s.Resources[IronOre].Producers; d != want {
			t.Fatalf("amount %v: bought %d, max affordable %d", amount, d, want)
		}
		if e.CanBuyProducer(next, IronOre) {
			t.Fatalf("amount %v: another purchase still possible", amount)
		}

		stepped := s
		for {
			n, ok := e.BuyProducer(stepped, IronOre)
			if !ok {
				break
			}
			stepped = n
		}
		if stepped.Resources[IronOre].Producers != next.Resources[IronOre].Producers {
			t.Fatalf("amount %v: loop %d vs max %d", amount, stepped.Resources[IronOre].Producers, next.Resources[IronOre].Producers)
		}
	}
}

func TestUnlock(t *testing.T) {
	e, _ := newTestEngine()
	s := withAmount(e.NewState(), IronOre, 25)

	next, ok := e.Unlock(s, Plates)
	if !ok {
		t.Fatalf("expected unlock")
	}
	if p := next.Resources[Plates]; !p.Unlocked || p.Producers != 1 {
		t.Fatalf("plates: %+v", p)
	}
	if !near(amountOf(next, IronOre), 5) {
		t.Fatalf("iron after unlock: %v", amountOf(next, IronOre))
	}
	if _, ok := e.Unlock(next, Plates); ok {
		t.Fatalf("second unlock should be a no-op")
	}
	if _, ok := e.Unlock(withAmount(e.NewState(), IronOre, 19), Plates); ok {
		t.Fatalf("unaffordable unlock should be a no-op")
	}
	if _, ok := e.Unlock(s, IronOre); ok {
		t.Fatalf("iron-ore has no unlock cost")
	}
}

func TestStartAndCompleteRun(t *testing.T) {
	e, c := newTestEngine()
	s := e.NewState()

	s, ok := e.StartRun(s, IronOre)
	if !ok || s.Resources[IronOre].RunStartedAt == nil || *s.Resources[IronOre].RunStartedAt != c.t.UnixMilli() {
		t.Fatalf("start: ok=%v %+v", ok, s.Resources[IronOre])
	}
	if _, ok := e.StartRun(s, IronOre); ok {
		t.Fatalf("second start should be a no-op while running")
	}

	c.advance(999 * time.Millisecond)
	if _, ok := e.CompleteRun(s, IronOre); ok {
		t.Fatalf("completed before the run time elapsed")
	}
	c.advance(time.Millisecond)
	s, ok = e.CompleteRun(s, IronOre)
	if !ok || !near(amountOf(s, IronOre), 1) || s.Resources[IronOre].Running() {
		t.Fatalf("complete: ok=%v %+v", ok, s.Resources[IronOre])
	}
	if _, ok := e.CompleteRun(s, IronOre); ok {
		t.Fatalf("completing an idle resource should be a no-op")
	}
}

func TestStartRun_DeductsInput(t *testing.T) {
	e, _ := newTestEngine()
	s, ok := e.Unlock(withAmount(e.NewState(), IronOre, 20), Plates)
	if !ok || !amountIsZero(s, IronOre) {
		t.Fatalf("unlock: ok=%v iron=%v", ok, amountOf(s, IronOre))
	}
	s = withAmount(s, IronOre, 4)
	s, ok = e.StartRun(s, Plates)
	if !ok || !amountIsZero(s, IronOre) {
		t.Fatalf("plates start: ok=%v iron=%v", ok, amountOf(s, IronOre))
	}

	poor := withAmount(s, IronOre, 3)
	r := poor.Resources[Plates]
	r.RunStartedAt = nil
	poor = poor.with(r)
	if _, ok := e.StartRun(poor, Plates); ok {
		t.Fatalf("start without enough input should be a no-op")
	}
}

func amountIsZero(s State, id ResourceID) bool { return s.Resources[id].Amount.IsZero() }

func TestProductionBoostAndContinuousMode(t *testing.T) {
	e, c := newTestEngine()

	s, _ := e.ActivateBoost(e.NewState(), BoostProduction20x)
	s, _ = e.StartRun(s, IronOre)
	c.advance(time.Second)
	s, _ = e.CompleteRun(s, IronOre)
	if !near(amountOf(s, IronOre), 20) {
		t.Fatalf("boosted output: %v", amountOf(s, IronOre))
	}

	fast := e.NewState()
	r := fast.Resources[IronOre]
	r.Producers = 20
	fast = fast.with(r)
	if !e.IsContinuous(IronOre, 20, 1) || e.ContinuousMultiplier(IronOre, 20, 1) != 2 {
		t.Fatalf("20 producers should run continuously at x2")
	}
	fast, _ = e.StartRun(fast, IronOre)
	c.advance(500 * time.Millisecond)
	fast, ok := e.CompleteRun(fast, IronOre)
	if !ok || !near(amountOf(fast, IronOre), 40) {
		t.Fatalf("continuous output: ok=%v %v", ok, amountOf(fast, IronOre))
	}

	if cost, _ := e.RunInputCost(Plates, 20, 1); !near(cost.Float64(), 80) {
		t.Fatalf("plates input at 20 producers: %v", cost.Float64())
	}
	if cost, _ := e.RunInputCost(Plates, 30, 1); !near(cost.Float64(), 240) {
		t.Fatalf("plates input at 30 producers: %v", cost.Float64())
	}
	if _, ok := e.RunInputCost(IronOre, 5, 1); ok {
		t.Fatalf("iron-ore consumes nothing")
	}
}

func TestContinuousMultiplier_SaturatesForHugeProducerCounts(t *testing.T) {
	e, c := newTestEngine()
	if got := e.ContinuousMultiplier(IronOre, 20000, 1); got != math.MaxFloat64 {
		t.Fatalf("multiplier at 20000 producers: %v", got)
	}
	if got := e.ContinuousMultiplier(IronOre, 10230, 1); math.IsInf(got, 0) || got <= 1e300 {
		t.Fatalf("multiplier at 10230 producers: %v", got)
	}
	if cost, ok := e.RunInputCost(Plates, 20000, 1); !ok || cost.Exponent() < 308 {
		t.Fatalf("plates input at 20000 producers: %v", cost)
	}

	s := e.NewState()
	r := s.Resources[IronOre]
	r.Producers = 20000
	s = s.with(r)
	s, _ = e.StartRun(s, IronOre)
	c.advance(time.Second)
	s, ok := e.CompleteRun(s, IronOre)
	if !ok || s.Resources[IronOre].Amount.Exponent() < 308 {
		t.Fatalf("huge run: ok=%v %v", ok, s.Resources[IronOre].Amount)
	}
}

func TestRunTimeMultiplier(t *testing.T) {
	all := Boosts{Runtime50: true, Automation2x: true}
	if got := RunTimeMultiplier(all, true); got != 0.25 {
		t.Fatalf("automated: %v", got)
	}
	if got := RunTimeMultiplier(all, false); got != 0.5 {
		t.Fatalf("manual: %v", got)
	}
	if got := RunTimeMultiplier(Boosts{}, true); got != 1 {
		t.Fatalf("no boosts: %v", got)
	}
	e, _ := newTestEngine()
	if got := e.EffectiveRunTime(ModularFrame, 25, 0.5); got != 1 {
		t.Fatalf("modular frame at 25 producers, x0.5: %v", got)
	}
}

func TestAutomationAndPause(t *testing.T) {
	e, _ := newTestEngine()
	s := withAmount(e.NewState(), IronOre, 12)

	if _, ok := e.TogglePause(s, IronOre); ok {
		t.Fatalf("pause without automation should be a no-op")
	}
	s, ok := e.BuyAutomation(s, IronOre)
	if !ok || !s.Resources[IronOre].Automated || !near(amountOf(s, IronOre), 2) {
		t.Fatalf("automation: ok=%v %+v", ok, s.Resources[IronOre])
	}
	if _, ok := e.BuyAutomation(withAmount(s, IronOre, 50), IronOre); ok {
		t.Fatalf("automation can only be bought once")
	}
	s, ok = e.TogglePause(s, IronOre)
	if !ok || !s.Resources[IronOre].Paused || s.Resources[IronOre].ActivelyAutomated() {
		t.Fatalf("pause: %+v", s.Resources[IronOre])
	}
	s, _ = e.TogglePause(s, IronOre)
	if s.Resources[IronOre].Paused {
		t.Fatalf("unpause failed")
	}
}

func TestBoosts(t *testing.T) {
	e, _ := newTestEngine()
	s := e.NewState()
	if _, ok := e.ResetBoosts(s); ok {
		t.Fatalf("reset with nothing active should be a no-op")
	}
	s, ok := e.ActivateBoost(s, BoostRuntime50)
	if !ok || !s.Boosts.Runtime50 {
		t.Fatalf("activate: %+v", s.Boosts)
	}
	if _, ok := e.ActivateBoost(s, BoostRuntime50); ok {
		t.Fatalf("activating twice should be a no-op")
	}
	if _, ok := e.ActivateBoost(s, BoostID("turbo")); ok {
		t.Fatalf("unknown boost should be a no-op")
	}
	s, ok = e.ResetBoosts(s)
	if !ok || s.Boosts.Any() {
		t.Fatalf("reset: %+v", s.Boosts)
	}
}

func TestAdvance_AutomatedLoop(t *testing.T) {
	e, c := newTestEngine()
	s := e.NewState()
	r := s.Resources[IronOre]
	r.Automated = true
	s = s.with(r)

	s, changed := e.Advance(s)
	if !changed || !s.Resources[IronOre].Running() {
		t.Fatalf("advance should start the automated run")
	}
	c.advance(time.Second)
	s, _ = e.Advance(s)
	if !near(amountOf(s, IronOre), 1) || !s.Resources[IronOre].Running() {
		t.Fatalf("advance should complete and restart: %+v", s.Resources[IronOre])
	}
	if _, changed := e.Advance(s); changed {
		t.Fatalf("nothing should change before the next run finishes")
	}
}

func TestSpeedMilestone(t *testing.T) {
	m := SpeedMilestone(15)
	if m.Current != 15 || m.Next != 20 || m.Progress != 0.5 {
		t.Fatalf("milestone: %+v", m)
	}
}
