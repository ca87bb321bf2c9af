package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning is the optional YAML overlay for gameplay and cadence settings.
type Tuning struct {
	Seed             string            `yaml:"seed"`
	TickInterval     string            `yaml:"tick_interval"`
	SnapshotInterval uint64            `yaml:"snapshot_interval"`
	SubscriberBuffer int               `yaml:"subscriber_buffer"`
	StrictSchema     *bool             `yaml:"strict_schema"`
	MineYields       []TuningItem      `yaml:"mine_yields"`
	Integrator       *TuningIntegrator `yaml:"integrator"`
}

// TuningIntegrator selects the pose integrator.
type TuningIntegrator struct {
	Kind     string  `yaml:"kind"`
	Drag     float32 `yaml:"drag"`
	MaxSpeed float32 `yaml:"max_speed"`
}

// TuningItem is one yield table row.
type TuningItem struct {
	Item  string `yaml:"item"`
	Count int32  `yaml:"count"`
}

// LoadTuning parses the YAML file at path.
func LoadTuning(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning yaml: %w", err)
	}
	return t, nil
}

// Apply copies every populated tuning field onto cfg.
func (t Tuning) Apply(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if seed := strings.TrimSpace(t.Seed); seed != "" {
		cfg.Simulation.Seed = seed
	}
	if raw := strings.TrimSpace(t.TickInterval); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval <= 0 {
			return fmt.Errorf("tick_interval must be a positive duration, got %q", raw)
		}
		cfg.Simulation.TickInterval = interval
	}
	if t.SnapshotInterval > 0 {
		cfg.Simulation.SnapshotInterval = t.SnapshotInterval
	}
	if t.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber_buffer must be positive, got %d", t.SubscriberBuffer)
	}
	if t.SubscriberBuffer > 0 {
		cfg.Simulation.SubscriberBuffer = t.SubscriberBuffer
	}
	if t.StrictSchema != nil {
		cfg.Simulation.StrictSchema = *t.StrictSchema
	}
	if len(t.MineYields) > 0 {
		yields := make([]YieldConfig, 0, len(t.MineYields))
		for _, item := range t.MineYields {
			if strings.TrimSpace(item.Item) == "" || item.Count <= 0 {
				return fmt.Errorf("mine_yields entries need an item and a positive count")
			}
			yields = append(yields, YieldConfig{ItemID: item.Item, Count: item.Count})
		}
		cfg.Simulation.MineYields = yields
	}
	if t.Integrator != nil {
		integrator, err := t.Integrator.resolve()
		if err != nil {
			return err
		}
		cfg.Simulation.Integrator = integrator
	}
	return nil
}

func (t TuningIntegrator) resolve() (IntegratorConfig, error) {
	kind := strings.ToLower(strings.TrimSpace(t.Kind))
	switch kind {
	case "", IntegratorEuler:
		return IntegratorConfig{Kind: IntegratorEuler}, nil
	case IntegratorDamped:
		if t.Drag < 0 || t.Drag > 1 {
			return IntegratorConfig{}, fmt.Errorf("integrator.drag must be within [0, 1], got %v", t.Drag)
		}
		if t.MaxSpeed < 0 {
			return IntegratorConfig{}, fmt.Errorf("integrator.max_speed must not be negative, got %v", t.MaxSpeed)
		}
		return IntegratorConfig{Kind: IntegratorDamped, Drag: t.Drag, MaxSpeed: t.MaxSpeed}, nil
	default:
		return IntegratorConfig{}, fmt.Errorf("integrator.kind must be euler or damped, got %q", t.Kind)
	}
}
