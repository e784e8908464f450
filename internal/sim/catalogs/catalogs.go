package catalogs

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"lukechampine.com/blake3"
)

//go:embed resources.json
var defaultResources []byte

// ResourceDef is the static configuration of one producible resource.
type ResourceDef struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	BaseRunTimeS   float64 `json:"base_run_time_s"`
	BaseCost       float64 `json:"base_cost"`
	CostScaling    float64 `json:"cost_scaling"`
	UnlockCost     float64 `json:"unlock_cost,omitempty"`
	UnlockWith     string  `json:"unlock_with,omitempty"`
	Input          string  `json:"input,omitempty"`
	InputPerRun    float64 `json:"input_per_run,omitempty"`
	AutomationCost float64 `json:"automation_cost"`
	Tier           int     `json:"tier"`
}

func (d ResourceDef) HasUnlockCost() bool { return d.UnlockWith != "" }
func (d ResourceDef) HasInput() bool      { return d.Input != "" && d.InputPerRun > 0 }

type Catalog struct {
	Defs   map[string]ResourceDef
	Order  []string // ascending tier
	Digest string   // blake3 of the source json
}

func (c *Catalog) Def(id string) (ResourceDef, bool) {
	d, ok := c.Defs[id]
	return d, ok
}

func (c *Catalog) Has(id string) bool {
	_, ok := c.Defs[id]
	return ok
}

// Default returns the built-in resource chain.
func Default() *Catalog {
	c, err := Parse(defaultResources)
	if err != nil {
		panic(fmt.Sprintf("embedded resources.json: %v", err))
	}
	return c
}

// Load reads a resources.json override from disk.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func Parse(raw []byte) (*Catalog, error) {
	var defs []ResourceDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("resources.json: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("resources.json: no resources")
	}

	c := &Catalog{
		Defs:   make(map[string]ResourceDef, len(defs)),
		Digest: blake3Hex(raw),
	}
	tiers := map[int]string{}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("resources.json: empty id")
		}
		if _, dup := c.Defs[d.ID]; dup {
			return nil, fmt.Errorf("resources.json: duplicate id %s", d.ID)
		}
		if other, dup := tiers[d.Tier]; dup {
			return nil, fmt.Errorf("resources.json: %s and %s share tier %d", other, d.ID, d.Tier)
		}
		if d.BaseRunTimeS <= 0 || d.BaseCost <= 0 || d.CostScaling < 1 || d.AutomationCost < 0 {
			return nil, fmt.Errorf("resources.json: %s: bad run time or costs", d.ID)
		}
		if d.HasUnlockCost() != (d.UnlockCost > 0) {
			return nil, fmt.Errorf("resources.json: %s: unlock_cost and unlock_with must be set together", d.ID)
		}
		if (d.Input != "") != (d.InputPerRun > 0) {
			return nil, fmt.Errorf("resources.json: %s: input and input_per_run must be set together", d.ID)
		}
		tiers[d.Tier] = d.ID
		c.Defs[d.ID] = d
	}

	// References must point at a strictly lower tier, which keeps the chain acyclic.
	for _, d := range c.Defs {
		for _, ref := range []string{d.UnlockWith, d.Input} {
			if ref == "" {
				continue
			}
			rd, ok := c.Defs[ref]
			if !ok {
				return nil, fmt.Errorf("resources.json: %s references unknown resource %s", d.ID, ref)
			}
			if rd.Tier >= d.Tier {
				return nil, fmt.Errorf("resources.json: %s references %s at tier %d (not below %d)", d.ID, ref, rd.Tier, d.Tier)
			}
		}
	}

	c.Order = make([]string, 0, len(c.Defs))
	for id := range c.Defs {
		c.Order = append(c.Order, id)
	}
	sort.Slice(c.Order, func(i, j int) bool {
		return c.Defs[c.Order[i]].Tier < c.Defs[c.Order[j]].Tier
	})
	return c, nil
}

func blake3Hex(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
