package main

import (
	"testing"
	"time"

	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
)

func TestPlayerChoosesHighestTierFirst(t *testing.T) {
	cat := catalogs.Default()
	eng := game.NewEngine(cat, func() time.Time { return time.UnixMilli(1_700_000_000_000) })
	p := &player{eng: eng, cat: cat}

	st := eng.NewState()
	if _, ok := p.choose(st); ok {
		t.Fatalf("fresh state should leave nothing to buy")
	}

	ore := st.Resources[game.IronOre]
	ore.Amount = quantity.New(1000)
	st.Resources[game.IronOre] = ore
	a, ok := p.choose(st)
	if !ok {
		t.Fatalf("expected a purchase")
	}
	if a.Kind != game.ActionUnlock || a.Resource != game.Plates {
		t.Fatalf("got %s %s, want unlock plates", a.Kind, a.Resource)
	}
}
