package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "skillforge" {
		t.Errorf("expected Name=skillforge, got %s", cfg.Name)
	}
	if cfg.Healing.SyntaxRepairBudget != 3 {
		t.Errorf("expected SyntaxRepairBudget=3, got %d", cfg.Healing.SyntaxRepairBudget)
	}
	if cfg.Limits.Workers != 4 {
		t.Errorf("expected Workers=4, got %d", cfg.Limits.Workers)
	}
	if len(cfg.Sandbox.Seeds) != 3 {
		t.Errorf("expected 3 seeds, got %d", len(cfg.Sandbox.Seeds))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("SKILLFORGE_WORKSPACE", "")
	t.Setenv("SKILLFORGE_WORKERS", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.Limits.Workers = 8
	cfg.Sandbox.Seeds = []int64{1, 2}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Limits.Workers != 8 {
		t.Errorf("expected Workers=8, got %d", loaded.Limits.Workers)
	}
	if len(loaded.Sandbox.Seeds) != 2 || loaded.Sandbox.Seeds[1] != 2 {
		t.Errorf("expected seeds [1 2], got %v", loaded.Sandbox.Seeds)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workspace.ArchiveDir != "archive" {
		t.Errorf("expected default archive dir, got %s", cfg.Workspace.ArchiveDir)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("limits: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.TrialTimeout = "soon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for bad duration")
	}

	cfg = DefaultConfig()
	cfg.Sandbox.Seeds = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for empty seeds")
	}

	cfg = DefaultConfig()
	cfg.Limits.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero workers")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unknown log level")
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.TrialTimeout = "250ms"
	if got := cfg.GetTrialTimeout(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	cfg.Sandbox.LoadTimeout = "garbage"
	if got := cfg.GetLoadTimeout(); got != 2*time.Second {
		t.Errorf("expected fallback 2s, got %v", got)
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace.Root = "/srv/skills"
	if got := cfg.ArchivePath(); got != filepath.Join("/srv/skills", "archive") {
		t.Errorf("unexpected archive path %s", got)
	}
	cfg.Workspace.RegistryDir = "/var/registry"
	if got := cfg.RegistryPath(); got != "/var/registry" {
		t.Errorf("absolute registry path should be kept, got %s", got)
	}
	if got := cfg.PolicyRulesPath(); got != "" {
		t.Errorf("empty rules path should stay empty, got %s", got)
	}
}

func TestLoggingConfig_Categories(t *testing.T) {
	lc := LoggingConfig{Categories: map[string]bool{"sandbox": false}}
	if lc.IsCategoryEnabled("sandbox") {
		t.Error("sandbox should be disabled")
	}
	if !lc.IsCategoryEnabled("heal") {
		t.Error("unlisted categories should be enabled")
	}
}
