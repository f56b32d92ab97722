package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marcus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Lease.InitialTTL.Std() != 30*time.Minute {
		t.Errorf("lease ttl = %v", cfg.Lease.InitialTTL.Std())
	}
	if cfg.Gridlock.Threshold != 3 || cfg.Gridlock.Window.Std() != 5*time.Minute {
		t.Errorf("gridlock defaults = %+v", cfg.Gridlock)
	}
	if !cfg.Features.Events.Enabled || cfg.Features.Events.HistoryLimit != 1000 {
		t.Errorf("events defaults = %+v", cfg.Features.Events)
	}
	if cfg.Features.Context.MaxDepth != 3 {
		t.Errorf("context depth = %d", cfg.Features.Context.MaxDepth)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
storage: sqlite
db_path: /tmp/m.db
lease:
  initial_ttl: 10m
  max_renewals: 4
  max_total: 1h
  tick: 5s
timeouts:
  board_ms: 2000
features:
  context:
    max_depth: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage != "sqlite" || cfg.DBPath != "/tmp/m.db" {
		t.Errorf("storage = %s %s", cfg.Storage, cfg.DBPath)
	}
	if cfg.Lease.InitialTTL.Std() != 10*time.Minute || cfg.Lease.MaxRenewals != 4 {
		t.Errorf("lease = %+v", cfg.Lease)
	}
	if cfg.Timeouts.Board() != 2*time.Second {
		t.Errorf("board timeout = %v", cfg.Timeouts.Board())
	}
	if cfg.Features.Context.MaxDepth != 2 || !cfg.Features.Context.Enabled {
		t.Errorf("context feature = %+v", cfg.Features.Context)
	}
	// Untouched features keep their defaults.
	if cfg.Features.Memory.MinSamples != 5 {
		t.Errorf("memory min samples = %d", cfg.Features.Memory.MinSamples)
	}
}

func TestLoadLegacyBooleanFeatures(t *testing.T) {
	path := writeConfig(t, `
features:
  events: false
  memory: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Features.Events.Enabled {
		t.Error("events: false did not disable the feature")
	}
	if cfg.Features.Events.HistoryLimit != 1000 {
		t.Errorf("legacy flag lost default options: %+v", cfg.Features.Events)
	}
	if !cfg.Features.Memory.Enabled || cfg.Features.Memory.MinSamples != 5 {
		t.Errorf("memory = %+v", cfg.Features.Memory)
	}
}

func TestLoadRejectsUnknownFeature(t *testing.T) {
	path := writeConfig(t, "features:\n  telepathy: true\n")
	if _, err := Load(path); err == nil {
		t.Error("unknown feature accepted")
	}
}

func TestLoadRejectsBadStorage(t *testing.T) {
	path := writeConfig(t, "storage: papyrus\n")
	if _, err := Load(path); err == nil {
		t.Error("unknown storage backend accepted")
	}
}

func TestDurationForms(t *testing.T) {
	path := writeConfig(t, "lease:\n  initial_ttl: 90\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lease.InitialTTL.Std() != 90*time.Second {
		t.Errorf("bare integer duration = %v, want 90s", cfg.Lease.InitialTTL.Std())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
