package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/quantity"
	"prodfactory.io/internal/sim/catalogs"
	"prodfactory.io/internal/sim/game"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaURL = "https://prodfactory.io/schemas/wire.schema.json"

// maxMillis bounds client timestamps to something int64 can hold exactly.
const maxMillis = 1 << 53

// Op names a write request. Action ops double as the HTTP path segment.
type Op string

const (
	OpSave            Op = "save"
	OpSync            Op = "sync"
	OpReset           Op = "reset"
	OpUnlock          Op = "unlock"
	OpBuyProducer     Op = "buy-producer"
	OpBuyMaxProducers Op = "buy-max-producers"
	OpBuyAutomation   Op = "buy-automation"
	OpTogglePause     Op = "toggle-pause"
	OpActivateBoost   Op = "activate-boost"
	OpResetShopBoosts Op = "reset-shop-boosts"
)

// ActionOps are the single-rule operations, in the order they are routed.
var ActionOps = []Op{
	OpUnlock, OpBuyProducer, OpBuyMaxProducers, OpBuyAutomation, OpTogglePause,
	OpActivateBoost, OpResetShopBoosts,
}

func IsAction(op Op) bool {
	for _, a := range ActionOps {
		if a == op {
			return true
		}
	}
	return false
}

// Request is a parsed, validated write request. The concrete type depends on the op:
// *SaveRequest, *ResourceRequest, *BoostRequest or *VersionRequest.
type Request interface {
	RequestOp() Op
	Version() int64
}

// SaveRequest carries a full claimed state (save and sync).
type SaveRequest struct {
	Op            Op
	State         codec.WireState
	ServerVersion int64
}

type ResourceRequest struct {
	Op            Op
	ResourceID    string
	ServerVersion int64
}

type BoostRequest struct {
	BoostID       string
	ServerVersion int64
}

// VersionRequest has no target (reset, reset-shop-boosts).
type VersionRequest struct {
	Op            Op
	ServerVersion int64
}

func (r *SaveRequest) RequestOp() Op      { return r.Op }
func (r *SaveRequest) Version() int64     { return r.ServerVersion }
func (r *ResourceRequest) RequestOp() Op  { return r.Op }
func (r *ResourceRequest) Version() int64 { return r.ServerVersion }
func (r *BoostRequest) RequestOp() Op     { return OpActivateBoost }
func (r *BoostRequest) Version() int64    { return r.ServerVersion }
func (r *VersionRequest) RequestOp() Op   { return r.Op }
func (r *VersionRequest) Version() int64  { return r.ServerVersion }

// Parser turns raw request bodies into typed requests. Shapes come from the embedded
// JSON schema; catalog membership and the save version are checked here.
type Parser struct {
	cat *catalogs.Catalog
	s   map[string]*jsonschema.Schema
}

var schemaDefs = []string{
	"number", "count", "serverVersion", "resourceId", "boostId", "quantity", "runStartedAt", "shopBoosts",
}

func NewParser(cat *catalogs.Catalog) (*Parser, error) {
	if cat == nil {
		return nil, errors.New("protocol: nil catalog")
	}
	raw, err := schemaFS.ReadFile("schemas/wire.schema.json")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("protocol: add schema: %w", err)
	}
	p := &Parser{cat: cat, s: make(map[string]*jsonschema.Schema, len(schemaDefs))}
	for _, name := range schemaDefs {
		s, err := c.Compile(schemaURL + "#/$defs/" + name)
		if err != nil {
			return nil, fmt.Errorf("protocol: compile %s: %w", name, err)
		}
		p.s[name] = s
	}
	return p, nil
}

func (p *Parser) valid(def string, v any) bool {
	return p.s[def].Validate(v) == nil
}

// Parse validates body for op. Rejections are *ValidationError; the first failing check wins,
// in the order the fields are listed for each body.
func (p *Parser) Parse(op Op, body []byte) (Request, error) {
	obj, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	switch op {
	case OpSave, OpSync:
		v, err := p.serverVersion(obj)
		if err != nil {
			return nil, err
		}
		st, err := p.state(obj["state"])
		if err != nil {
			return nil, err
		}
		return &SaveRequest{Op: op, State: st, ServerVersion: v}, nil

	case OpUnlock, OpBuyProducer, OpBuyMaxProducers, OpBuyAutomation, OpTogglePause:
		id, ok := obj["resourceId"].(string)
		if !ok || !p.valid("resourceId", id) || !p.cat.Has(id) {
			return nil, invalid("resourceId", "Invalid resourceId")
		}
		v, err := p.serverVersion(obj)
		if err != nil {
			return nil, err
		}
		return &ResourceRequest{Op: op, ResourceID: id, ServerVersion: v}, nil

	case OpActivateBoost:
		id, ok := obj["boostId"].(string)
		if !ok || !p.valid("boostId", id) {
			return nil, invalid("boostId", "Invalid boostId")
		}
		v, err := p.serverVersion(obj)
		if err != nil {
			return nil, err
		}
		return &BoostRequest{BoostID: id, ServerVersion: v}, nil

	case OpReset, OpResetShopBoosts:
		v, err := p.serverVersion(obj)
		if err != nil {
			return nil, err
		}
		return &VersionRequest{Op: op, ServerVersion: v}, nil
	}
	return nil, invalid("action", "Unknown action: %s", op)
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalid("", "Invalid JSON body")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, invalid("", "Invalid JSON body")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("", "Body must be an object")
	}
	return obj, nil
}

func (p *Parser) serverVersion(obj map[string]any) (int64, error) {
	raw := obj["serverVersion"]
	if !p.valid("serverVersion", raw) {
		return 0, invalid("serverVersion", "Invalid serverVersion")
	}
	v, ok := toInt64(raw)
	if !ok {
		return 0, invalid("serverVersion", "Invalid serverVersion")
	}
	return v, nil
}

func (p *Parser) state(raw any) (codec.WireState, error) {
	st, ok := raw.(map[string]any)
	if !ok {
		return codec.WireState{}, invalid("state", "Invalid state")
	}
	lastSaved, ok := toFloat(st["lastSavedAt"])
	if !ok || !p.valid("number", st["lastSavedAt"]) || math.Abs(lastSaved) > maxMillis {
		return codec.WireState{}, invalid("state.lastSavedAt", "Missing or invalid lastSavedAt")
	}
	version, ok := toFloat(st["version"])
	if !ok {
		return codec.WireState{}, invalid("state.version", "Missing or invalid version")
	}
	if version != codec.SaveVersion {
		return codec.WireState{}, invalid("state.version", "Unsupported state version: %v", st["version"])
	}
	resources, ok := st["resources"].(map[string]any)
	if !ok {
		return codec.WireState{}, invalid("state.resources", "Missing or invalid resources")
	}

	out := codec.WireState{
		Resources:   make(map[string]codec.WireResource, len(p.cat.Order)),
		LastSavedAt: int64(lastSaved),
		Version:     codec.SaveVersion,
	}
	for _, id := range p.cat.Order {
		rv := resources[id]
		if rv == nil {
			return codec.WireState{}, invalid("state.resources", "Missing resource: %s", id)
		}
		r, ok := rv.(map[string]any)
		if !ok {
			return codec.WireState{}, invalid("state.resources", "Invalid resource shape: %s", id)
		}
		wr, err := p.resource(id, r)
		if err != nil {
			return codec.WireState{}, err
		}
		out.Resources[id] = wr
	}

	if raw, present := st["shopBoosts"]; present {
		if !p.valid("shopBoosts", raw) {
			return codec.WireState{}, invalid("state.shopBoosts", "Invalid shopBoosts")
		}
		var b game.Boosts
		for k, on := range raw.(map[string]any) {
			if game.ValidBoost(k) {
				b = b.With(game.BoostID(k), on.(bool))
			}
		}
		out.ShopBoosts = &b
	}
	return out, nil
}

func (p *Parser) resource(id string, r map[string]any) (codec.WireResource, error) {
	field := "state.resources." + id
	if got, _ := r["id"].(string); got != id {
		return codec.WireResource{}, invalid(field, "Resource id mismatch: expected %s", id)
	}
	amount, ok := p.quantity(r["amount"])
	if !ok {
		return codec.WireResource{}, invalid(field, "Invalid amount for %s", id)
	}
	if !p.valid("count", r["producers"]) {
		return codec.WireResource{}, invalid(field, "Invalid producers for %s", id)
	}
	producers, ok := toInt64(r["producers"])
	if !ok || producers > math.MaxInt32 {
		return codec.WireResource{}, invalid(field, "Invalid producers for %s", id)
	}
	unlocked, ok := r["isUnlocked"].(bool)
	if !ok {
		return codec.WireResource{}, invalid(field, "Invalid isUnlocked for %s", id)
	}
	automated, ok := r["isAutomated"].(bool)
	if !ok {
		return codec.WireResource{}, invalid(field, "Invalid isAutomated for %s", id)
	}
	wr := codec.WireResource{
		ID:          id,
		Amount:      amount,
		Producers:   int(producers),
		IsUnlocked:  unlocked,
		IsAutomated: automated,
	}
	if raw, present := r["isPaused"]; present {
		paused, ok := raw.(bool)
		if !ok {
			return codec.WireResource{}, invalid(field, "Invalid isPaused for %s", id)
		}
		wr.IsPaused = &paused
	}
	raw, present := r["runStartedAt"]
	if !present || !p.valid("runStartedAt", raw) {
		return codec.WireResource{}, invalid(field, "Invalid runStartedAt for %s", id)
	}
	if raw != nil {
		f, ok := toFloat(raw)
		if !ok || math.Abs(f) > maxMillis {
			return codec.WireResource{}, invalid(field, "Invalid runStartedAt for %s", id)
		}
		ms := int64(f)
		wr.RunStartedAt = &ms
	}
	return wr, nil
}

func (p *Parser) quantity(raw any) (quantity.Quantity, bool) {
	if !p.valid("quantity", raw) {
		return quantity.Zero, false
	}
	obj := raw.(map[string]any)
	m, ok1 := toFloat(obj["m"])
	e, ok2 := toFloat(obj["e"])
	if !ok1 || !ok2 || !quantity.ValidParts(m, e) || math.Abs(e) > math.MaxInt32 {
		return quantity.Zero, false
	}
	return quantity.FromParts(m, int(e)), true
}

func toFloat(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// toInt64 accepts integral numbers written either way ("3" or "3.0").
func toInt64(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
