// Package config loads and validates the coordination server configuration.
// Feature flags written as plain booleans in older config files are upgraded
// to option objects on load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		// Allow bare integers, interpreted as seconds.
		var n int64
		if err2 := node.Decode(&n); err2 == nil {
			*d = Duration(time.Duration(n) * time.Second)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EventsFeature configures the event subsystem.
type EventsFeature struct {
	Enabled      bool `yaml:"enabled"`
	HistoryLimit int  `yaml:"history_limit"`
	Persistence  bool `yaml:"persistence"`
}

// ContextFeature configures context materialization.
type ContextFeature struct {
	Enabled  bool `yaml:"enabled"`
	MaxDepth int  `yaml:"max_depth"`
}

// MemoryFeature configures the outcome learner.
type MemoryFeature struct {
	Enabled    bool    `yaml:"enabled"`
	MinSamples int     `yaml:"min_samples"`
	DecayRate  float64 `yaml:"decay_rate"`
}

// DecompositionFeature configures subtask decomposition.
type DecompositionFeature struct {
	Enabled     bool    `yaml:"enabled"`
	MinHours    float64 `yaml:"min_hours"`
	MaxSubtasks int     `yaml:"max_subtasks"`
}

// Features groups the per-feature option blocks.
type Features struct {
	Events        EventsFeature        `yaml:"events"`
	Context       ContextFeature       `yaml:"context"`
	Memory        MemoryFeature        `yaml:"memory"`
	Decomposition DecompositionFeature `yaml:"decomposition"`
}

// Timeouts are deadlines for outbound calls, in milliseconds per the wire
// convention of the config file.
type Timeouts struct {
	BoardMS   int `yaml:"board_ms"`
	AIMS      int `yaml:"ai_ms"`
	AIInferMS int `yaml:"ai_infer_ms"`
}

// Board returns the kanban provider deadline.
func (t Timeouts) Board() time.Duration { return time.Duration(t.BoardMS) * time.Millisecond }

// AI returns the AI decomposition deadline.
func (t Timeouts) AI() time.Duration { return time.Duration(t.AIMS) * time.Millisecond }

// AIInfer returns the AI dependency-inference deadline.
func (t Timeouts) AIInfer() time.Duration { return time.Duration(t.AIInferMS) * time.Millisecond }

// Lease configures the assignment lease manager.
type Lease struct {
	InitialTTL  Duration `yaml:"initial_ttl"`
	MaxRenewals int      `yaml:"max_renewals"`
	MaxTotal    Duration `yaml:"max_total"`
	Tick        Duration `yaml:"tick"`
}

// Gridlock configures the gridlock detector.
type Gridlock struct {
	Window    Duration `yaml:"window"`
	Threshold int      `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

// Scoring carries the assignment scoring weights.
type Scoring struct {
	Priority float64 `yaml:"priority"`
	Age      float64 `yaml:"age"`
	Fit      float64 `yaml:"fit"`
	Success  float64 `yaml:"success"`
	Estimate float64 `yaml:"estimate"`
}

// Config is the full server configuration.
type Config struct {
	StateDir string `yaml:"state_dir"`
	LogDir   string `yaml:"log_dir"`

	// Storage selects the persistence backend: "file" or "sqlite".
	Storage string `yaml:"storage"`
	DBPath  string `yaml:"db_path"`

	// Provider names the kanban backend; credentials live alongside.
	Provider       string            `yaml:"provider"`
	ProviderConfig map[string]string `yaml:"provider_config"`

	// Features is populated by Load, which also upgrades legacy boolean
	// flags; it is not decoded directly.
	Features Features `yaml:"-"`
	Timeouts Timeouts `yaml:"timeouts"`
	Lease    Lease    `yaml:"lease"`
	Gridlock Gridlock `yaml:"gridlock"`
	Scoring  Scoring  `yaml:"scoring"`

	// AgentIdleTTL invalidates agent profiles with no heartbeat.
	AgentIdleTTL Duration `yaml:"agent_idle_ttl"`

	// Retention bounds how long event and assignment audit records are
	// kept before the maintenance loop removes them.
	Retention Duration `yaml:"retention"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		StateDir: "data/marcus_state",
		LogDir:   "logs",
		Storage:  "file",
		DBPath:   "marcus.db",
		Provider: "memory",
		Features: Features{
			Events:        EventsFeature{Enabled: true, HistoryLimit: 1000, Persistence: true},
			Context:       ContextFeature{Enabled: true, MaxDepth: 3},
			Memory:        MemoryFeature{Enabled: true, MinSamples: 5, DecayRate: 0.1},
			Decomposition: DecompositionFeature{Enabled: true, MinHours: 4, MaxSubtasks: 8},
		},
		Timeouts: Timeouts{BoardMS: 10_000, AIMS: 30_000, AIInferMS: 15_000},
		Lease: Lease{
			InitialTTL:  Duration(30 * time.Minute),
			MaxRenewals: 8,
			MaxTotal:    Duration(4 * time.Hour),
			Tick:        Duration(30 * time.Second),
		},
		Gridlock: Gridlock{
			Window:    Duration(5 * time.Minute),
			Threshold: 3,
			Cooldown:  Duration(10 * time.Minute),
		},
		Scoring: Scoring{
			Priority: 10,
			Age:      0.1,
			Fit:      5,
			Success:  4,
			Estimate: 0.5,
		},
		AgentIdleTTL: Duration(2 * time.Hour),
		Retention:    Duration(7 * 24 * time.Hour),
	}
}

// rawConfig mirrors Config but keeps the features block as loose YAML nodes
// so legacy boolean flags can be upgraded.
type rawConfig struct {
	Config   `yaml:",inline"`
	RawFeats map[string]yaml.Node `yaml:"features"`
}

// Load reads a YAML config file and merges it over the defaults. Feature
// values written as plain booleans become {enabled: <bool>} with default
// options.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	raw.Config = cfg
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg = raw.Config

	for name, node := range raw.RawFeats {
		var target any
		var flag *bool
		switch name {
		case "events":
			target, flag = &cfg.Features.Events, &cfg.Features.Events.Enabled
		case "context":
			target, flag = &cfg.Features.Context, &cfg.Features.Context.Enabled
		case "memory":
			target, flag = &cfg.Features.Memory, &cfg.Features.Memory.Enabled
		case "decomposition":
			target, flag = &cfg.Features.Decomposition, &cfg.Features.Decomposition.Enabled
		default:
			return cfg, fmt.Errorf("unknown feature %q", name)
		}

		// Legacy form: a bare boolean toggles the feature and keeps the
		// default options.
		var enabled bool
		if err := node.Decode(&enabled); err == nil && node.Kind == yaml.ScalarNode {
			*flag = enabled
			continue
		}
		// Object form: present means enabled unless the block says
		// otherwise.
		*flag = true
		if err := node.Decode(target); err != nil {
			return cfg, fmt.Errorf("features.%s: %w", name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Storage {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.Lease.InitialTTL <= 0 {
		return fmt.Errorf("lease.initial_ttl must be positive")
	}
	if c.Lease.MaxRenewals < 0 {
		return fmt.Errorf("lease.max_renewals must not be negative")
	}
	if c.Gridlock.Threshold < 1 {
		return fmt.Errorf("gridlock.threshold must be at least 1")
	}
	if c.Features.Context.MaxDepth < 1 {
		return fmt.Errorf("features.context.max_depth must be at least 1")
	}
	if c.Features.Decomposition.MinHours < 0 {
		return fmt.Errorf("features.decomposition.min_hours must not be negative")
	}
	return nil
}
