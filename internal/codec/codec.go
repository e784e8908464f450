// Package codec converts game state to and from its versioned wire form.
//
// The wire form is what clients submit, what the store persists and what the auditor reads.
// Decoding fills anything optional or missing from a fresh game so older saves keep loading
// after fields are added; a save whose schema version differs is unusable as a whole.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/sim/game"
)

// SaveVersion is the schema version written by Encode and required by Decode.
const SaveVersion = 3

var ErrUnsupportedVersion = errors.New("codec: unsupported save version")

type WireResource struct {
	ID           string            `json:"id"`
	Amount       quantity.Quantity `json:"amount"`
	Producers    int               `json:"producers"`
	IsUnlocked   bool              `json:"isUnlocked"`
	IsAutomated  bool              `json:"isAutomated"`
	IsPaused     *bool             `json:"isPaused,omitempty"`
	RunStartedAt *int64            `json:"runStartedAt"`
}

type WireState struct {
	Resources   map[string]WireResource `json:"resources"`
	ShopBoosts  *game.Boosts            `json:"shopBoosts,omitempty"`
	LastSavedAt int64                   `json:"lastSavedAt"`
	Version     int                     `json:"version"`
}

// Stored is the persisted record: the wire state plus the concurrency token.
type Stored struct {
	WireState
	ServerVersion int64 `json:"serverVersion"`
}

// Encode produces the wire form of s, stamping lastSavedAt with now.
func Encode(s game.State, now time.Time) WireState {
	w := WireState{
		Resources:   make(map[string]WireResource, len(s.Resources)),
		LastSavedAt: now.UnixMilli(),
		Version:     SaveVersion,
	}
	for id, r := range s.Resources {
		paused := r.Paused
		w.Resources[string(id)] = WireResource{
			ID:           string(id),
			Amount:       r.Amount,
			Producers:    r.Producers,
			IsUnlocked:   r.Unlocked,
			IsAutomated:  r.Automated,
			IsPaused:     &paused,
			RunStartedAt: copyMillis(r.RunStartedAt),
		}
	}
	boosts := s.Boosts
	w.ShopBoosts = &boosts
	return w
}

// Decode rebuilds a game state from w. Every resource of fresh is present in the result;
// those absent from w keep fresh's values, as do a missing pause flag and missing boosts.
func Decode(w WireState, fresh game.State) (game.State, error) {
	if w.Version != SaveVersion {
		return game.State{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, w.Version)
	}
	out := fresh.Clone()
	out.LastSavedAt = w.LastSavedAt
	for id, def := range fresh.Resources {
		wr, ok := w.Resources[string(id)]
		if !ok {
			continue
		}
		r := game.Resource{
			ID:           id,
			Amount:       wr.Amount,
			Producers:    wr.Producers,
			Unlocked:     wr.IsUnlocked,
			Automated:    wr.IsAutomated,
			Paused:       def.Paused,
			RunStartedAt: copyMillis(wr.RunStartedAt),
		}
		if wr.IsPaused != nil {
			r.Paused = *wr.IsPaused
		}
		out.Resources[id] = r
	}
	if w.ShopBoosts != nil {
		out.Boosts = *w.ShopBoosts
	}
	return out, nil
}

// Clone deep-copies w so callers can modify resources without aliasing.
func (w WireState) Clone() WireState {
	out := w
	out.Resources = make(map[string]WireResource, len(w.Resources))
	for id, r := range w.Resources {
		if r.IsPaused != nil {
			p := *r.IsPaused
			r.IsPaused = &p
		}
		r.RunStartedAt = copyMillis(r.RunStartedAt)
		out.Resources[id] = r
	}
	if w.ShopBoosts != nil {
		b := *w.ShopBoosts
		out.ShopBoosts = &b
	}
	return out
}

// Paused reports the pause flag, treating an absent one as false.
func (r WireResource) Paused() bool { return r.IsPaused != nil && *r.IsPaused }

// Boosts returns the shop boosts, or all-off when absent.
func (w WireState) Boosts() game.Boosts {
	if w.ShopBoosts == nil {
		return game.Boosts{}
	}
	return *w.ShopBoosts
}

func MarshalStored(s Stored) ([]byte, error) {
	return json.Marshal(s)
}

func UnmarshalStored(b []byte) (Stored, error) {
	var s Stored
	if err := json.Unmarshal(b, &s); err != nil {
		return Stored{}, fmt.Errorf("decode stored state: %w", err)
	}
	if s.Resources == nil {
		return Stored{}, errors.New("decode stored state: missing resources")
	}
	return s, nil
}

func copyMillis(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
