package config

import (
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Cache.MaxCacheMB != 4096 {
		t.Errorf("expected MaxCacheMB=4096, got %d", cfg.Cache.MaxCacheMB)
	}
	if cfg.Frame.MaxFrameBudgetNS != 100_000 {
		t.Errorf("expected MaxFrameBudgetNS=100000, got %d", cfg.Frame.MaxFrameBudgetNS)
	}
	if cfg.Frame.CheckIntervalFrames != 60 {
		t.Errorf("expected CheckIntervalFrames=60, got %d", cfg.Frame.CheckIntervalFrames)
	}
	if !cfg.Frame.EnableAdaptive {
		t.Error("expected adaptive budgeting enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "hmr.yaml")

	cfg := Default()
	cfg.CacheRoot = "/tmp/cache-root"
	cfg.Cache.MaxCacheMB = 2048

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.CacheRoot != "/tmp/cache-root" {
		t.Errorf("expected CacheRoot round-trip, got %s", loaded.CacheRoot)
	}
	if loaded.Cache.MaxCacheMB != 2048 {
		t.Errorf("expected MaxCacheMB=2048, got %d", loaded.Cache.MaxCacheMB)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load should not error on missing file: %v", err)
	}
	if cfg.Cache.MaxCacheMB != Default().Cache.MaxCacheMB {
		t.Error("expected defaults when config file is absent")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Cache.MaxCacheMB = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for max_cache_mb=0")
	}

	cfg = Default()
	cfg.Frame.MaxFrameBudgetNS = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for max_frame_budget_ns=0")
	}
}

func TestBudgetHelpers(t *testing.T) {
	cfg := Default()
	if cfg.PrepareBudget().Milliseconds() != 10 {
		t.Errorf("expected prepare budget 10ms, got %v", cfg.PrepareBudget())
	}
	if cfg.CommitBudget().Milliseconds() != 15 {
		t.Errorf("expected commit budget 15ms, got %v", cfg.CommitBudget())
	}
	if cfg.FrameBudget().Nanoseconds() != 100_000 {
		t.Errorf("expected frame budget 100000ns, got %v", cfg.FrameBudget())
	}
}

func TestExecutionAllowedBinary(t *testing.T) {
	cfg := Default()
	if !cfg.Execution.IsBinaryAllowed("go") {
		t.Error("expected go to be an allowed binary by default")
	}
	if cfg.Execution.IsBinaryAllowed("rm") {
		t.Error("expected rm to not be allowed by default")
	}
}

func TestResourceLimitsValidate(t *testing.T) {
	limits := Default().Limits
	if err := limits.Validate(); err != nil {
		t.Errorf("default limits should validate: %v", err)
	}

	limits.MaxThreadCount = 0
	if err := limits.Validate(); err == nil {
		t.Error("expected validation error for MaxThreadCount=0")
	}
}
