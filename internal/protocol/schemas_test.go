package protocol_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"prodfactory.io/internal/sim/game"
)

const wireURL = "https://prodfactory.io/schemas/wire.schema.json"

func compileDef(t *testing.T, def string) *jsonschema.Schema {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("schemas", "wire.schema.json"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(wireURL, bytes.NewReader(raw)); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	s, err := c.Compile(wireURL + "#/$defs/" + def)
	if err != nil {
		t.Fatalf("compile %s: %v", def, err)
	}
	return s
}

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("sample json: %v", err)
	}
	return v
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(compileDef(t, "saveBody"), decode(t, `{
	  "serverVersion": 4,
	  "state": {
	    "resources": {
	      "iron-ore": {"id":"iron-ore","amount":{"m":1.5,"e":2},"producers":3,"isUnlocked":true,"isAutomated":false,"isPaused":false,"runStartedAt":1700000000000},
	      "plates": {"id":"plates","amount":{"m":0,"e":0},"producers":0,"isUnlocked":false,"isAutomated":false,"runStartedAt":null}
	    },
	    "shopBoosts": {"production-20x": false, "automation-2x": true, "runtime-50": false},
	    "lastSavedAt": 1700000000000,
	    "version": 3
	  }
	}`))
	validate(compileDef(t, "resourceActionBody"), decode(t, `{"resourceId":"plates","serverVersion":0}`))
	validate(compileDef(t, "boostActionBody"), decode(t, `{"boostId":"runtime-50","serverVersion":12}`))
	validate(compileDef(t, "versionBody"), decode(t, `{"serverVersion":1}`))
}

func TestSchemas_RejectSamples(t *testing.T) {
	cases := []struct {
		def, body string
	}{
		{"versionBody", `{"serverVersion":-1}`},
		{"versionBody", `{"serverVersion":1.5}`},
		{"versionBody", `{}`},
		{"boostActionBody", `{"boostId":"production-2x","serverVersion":1}`},
		{"quantity", `{"m":10,"e":1}`},
		{"quantity", `{"m":1.5}`},
		{"resource", `{"id":"plates","amount":{"m":0,"e":0},"producers":0,"isUnlocked":false,"isAutomated":false}`},
		{"saveBody", `{"serverVersion":1,"state":{"resources":{},"lastSavedAt":0,"version":2}}`},
	}
	for _, tc := range cases {
		if err := compileDef(t, tc.def).Validate(decode(t, tc.body)); err == nil {
			t.Fatalf("%s accepted %s", tc.def, tc.body)
		}
	}
}

func TestSchemas_BoostEnumMatchesGame(t *testing.T) {
	s := compileDef(t, "boostId")
	for _, id := range game.BoostIDs {
		if err := s.Validate(string(id)); err != nil {
			t.Fatalf("boost %q rejected: %v", id, err)
		}
	}
}
