package tuning

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"prodfactory.io/internal/sim/plausibility"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Plausibility Plausibility `yaml:"plausibility"`
	Storage      Storage      `yaml:"storage"`
	RateLimits   RateLimits   `yaml:"rate_limits"`
	Client       Client       `yaml:"client"`
}

type Plausibility struct {
	Tolerance        float64 `yaml:"tolerance"`
	GraceRuns        int     `yaml:"grace_runs"`
	WarningThreshold int     `yaml:"warning_threshold"`
}

type Storage struct {
	StateTTLDays   int `yaml:"state_ttl_days"`
	SessionTTLDays int `yaml:"session_ttl_days"`
	SweepEverySec  int `yaml:"sweep_every_sec"`
}

type RateLimits struct {
	SessionCreateMax       int     `yaml:"session_create_max"`
	SessionCreateWindowSec int     `yaml:"session_create_window_sec"`
	PerIPRPS               float64 `yaml:"per_ip_rps"`
	PerIPBurst             int     `yaml:"per_ip_burst"`
}

type Client struct {
	TickMs     int `yaml:"tick_ms"`
	AutosaveMs int `yaml:"autosave_ms"`
	AutosyncMs int `yaml:"autosync_ms"`
}

func Defaults() Tuning {
	p := plausibility.DefaultPolicy()
	return Tuning{
		ProtocolVersion: "1",
		Plausibility: Plausibility{
			Tolerance:        p.Tolerance,
			GraceRuns:        p.GraceRuns,
			WarningThreshold: p.WarningThreshold,
		},
		Storage: Storage{
			StateTTLDays:   30,
			SessionTTLDays: 30,
			SweepEverySec:  300,
		},
		RateLimits: RateLimits{
			SessionCreateMax:       10,
			SessionCreateWindowSec: 3600,
			PerIPRPS:               20,
			PerIPBurst:             40,
		},
		Client: Client{
			TickMs:     100,
			AutosaveMs: 5000,
			AutosyncMs: 15000,
		},
	}
}

// Load overlays the file at path on Defaults; keys absent from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case !(t.Plausibility.Tolerance >= 1) || math.IsInf(t.Plausibility.Tolerance, 0):
		return fmt.Errorf("plausibility.tolerance must be finite and >= 1, got %v", t.Plausibility.Tolerance)
	case t.Plausibility.GraceRuns < 0:
		return fmt.Errorf("plausibility.grace_runs must be >= 0, got %d", t.Plausibility.GraceRuns)
	case t.Plausibility.WarningThreshold < 1:
		return fmt.Errorf("plausibility.warning_threshold must be >= 1, got %d", t.Plausibility.WarningThreshold)
	case t.Storage.StateTTLDays < 1 || t.Storage.SessionTTLDays < 1:
		return fmt.Errorf("storage ttl must be at least one day")
	case t.RateLimits.SessionCreateMax < 1 || t.RateLimits.SessionCreateWindowSec < 1:
		return fmt.Errorf("rate_limits.session_create_* must be positive")
	case !(t.RateLimits.PerIPRPS > 0) || t.RateLimits.PerIPBurst < 1:
		return fmt.Errorf("rate_limits.per_ip_* must be positive")
	case t.Client.TickMs < 1 || t.Client.AutosaveMs < 1 || t.Client.AutosyncMs < 1:
		return fmt.Errorf("client intervals must be positive")
	}
	return nil
}

func (t Tuning) Policy() plausibility.Policy {
	return plausibility.Policy{
		Tolerance:        t.Plausibility.Tolerance,
		GraceRuns:        t.Plausibility.GraceRuns,
		WarningThreshold: t.Plausibility.WarningThreshold,
	}
}

func (t Tuning) StateTTL() time.Duration {
	return time.Duration(t.Storage.StateTTLDays) * 24 * time.Hour
}

func (t Tuning) SessionTTL() time.Duration {
	return time.Duration(t.Storage.SessionTTLDays) * 24 * time.Hour
}

func (t Tuning) SweepEvery() time.Duration {
	return time.Duration(t.Storage.SweepEverySec) * time.Second
}

func (t Tuning) SessionCreateWindow() time.Duration {
	return time.Duration(t.RateLimits.SessionCreateWindowSec) * time.Second
}

func (c Client) Tick() time.Duration     { return time.Duration(c.TickMs) * time.Millisecond }
func (c Client) Autosave() time.Duration { return time.Duration(c.AutosaveMs) * time.Millisecond }
func (c Client) Autosync() time.Duration { return time.Duration(c.AutosyncMs) * time.Millisecond }
