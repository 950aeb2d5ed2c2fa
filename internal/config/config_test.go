package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DBPath != "./data/aether-kvs" {
		t.Fatalf("DBPath = %q, want default", cfg.Storage.DBPath)
	}
	if cfg.Snapshot.IntervalBlocks != 1000 {
		t.Fatalf("IntervalBlocks = %d, want 1000", cfg.Snapshot.IntervalBlocks)
	}
	if cfg.VM.FuelPerBlock != 50_000_000 {
		t.Fatalf("FuelPerBlock = %d, want 50000000", cfg.VM.FuelPerBlock)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	yaml := []byte(`
storage:
  db_path: /var/lib/aether/kvs
scheduler:
  workers: 8
logging:
  level: debug
`)
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DBPath != "/var/lib/aether/kvs" {
		t.Fatalf("DBPath = %q", cfg.Storage.DBPath)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Fatalf("Workers = %d, want 8", cfg.Scheduler.Workers)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched sections still carry their defaults.
	if cfg.VM.MaxMemoryPages != 256 {
		t.Fatalf("MaxMemoryPages = %d, want default 256", cfg.VM.MaxMemoryPages)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AETHER_LOGGING_LEVEL", "warn")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("Logging.Level = %q, want warn from env", cfg.Logging.Level)
	}
}
