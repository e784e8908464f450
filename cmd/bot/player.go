package main

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"prodfactory.io/internal/client"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
)

// player is a greedy strategy: unlock, then automate, then add producers, from the top
// tier down, one purchase per step. Idle manual resources are restarted every step.
type player struct {
	s   *client.Syncer
	eng *game.Engine
	cat *catalogs.Catalog
	log *log.Logger

	sent     int
	rejected atomic.Int64
}

func (p *player) step(ctx context.Context) {
	if !p.s.Ready() {
		return
	}
	st := p.s.State()
	for _, raw := range p.cat.Order {
		id := game.ResourceID(raw)
		if r := st.Resources[id]; r.Unlocked && !r.ActivelyAutomated() {
			p.s.StartRun(id)
		}
	}
	a, ok := p.choose(st)
	if !ok {
		return
	}
	done, err := p.s.Do(ctx, a)
	if err != nil {
		if !errors.Is(err, client.ErrNoEffect) && !errors.Is(err, context.Canceled) {
			p.log.Printf("%s %s: %v", a.Kind, a.Resource, err)
		}
		return
	}
	p.sent++
	go p.await(a, done)
}

func (p *player) await(a game.Action, done <-chan error) {
	err := <-done
	var ce *client.ConflictError
	switch {
	case err == nil, errors.Is(err, client.ErrDrained):
	case errors.As(err, &ce):
		p.log.Printf("%s %s lost a version race; now at %d", a.Kind, a.Resource, ce.ServerVersion)
	case client.Rejected(err):
		p.rejected.Add(1)
	default:
		p.log.Printf("%s %s: %v", a.Kind, a.Resource, err)
	}
}

func (p *player) choose(st game.State) (game.Action, bool) {
	for i := len(p.cat.Order) - 1; i >= 0; i-- {
		id := game.ResourceID(p.cat.Order[i])
		switch {
		case p.eng.CanUnlock(st, id):
			return game.Action{Kind: game.ActionUnlock, Resource: id}, true
		case p.eng.CanBuyAutomation(st, id):
			return game.Action{Kind: game.ActionBuyAutomation, Resource: id}, true
		case p.eng.CanBuyProducer(st, id):
			return game.Action{Kind: game.ActionBuyProducer, Resource: id}, true
		}
	}
	return game.Action{}, false
}

func (p *player) summary() {
	st := p.s.State()
	var b strings.Builder
	for _, raw := range p.cat.Order {
		r := st.Resources[game.ResourceID(raw)]
		if !r.Unlocked {
			continue
		}
		b.WriteString(" ")
		b.WriteString(raw)
		b.WriteString("=")
		b.WriteString(r.Amount.Format())
	}
	ss := p.s.Stats()
	p.log.Printf("version=%d writes=%d conflicts=%d drained=%d warnings=%d actions=%d rejected=%d%s",
		p.s.Version(), ss.Writes, ss.Conflicts, ss.Drained, ss.Warnings, p.sent, p.rejected.Load(), b.String())
	if w := p.s.Warning(); w != "" {
		p.log.Printf("last server warning: %s", w)
	}
}
