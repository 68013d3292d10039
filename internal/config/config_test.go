package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Tiers.STMTTL != time.Hour {
		t.Errorf("STMTTL: got %v, want 1h", cfg.Tiers.STMTTL)
	}
	if cfg.Search.MTM.VectorSimilarity != 0.45 {
		t.Errorf("Search.MTM.VectorSimilarity: got %v, want 0.45", cfg.Search.MTM.VectorSimilarity)
	}
	if cfg.Search.LTM.VectorSimilarity <= cfg.Search.STM.VectorSimilarity {
		t.Errorf("Search weights: LTM.VectorSimilarity=%v should exceed STM.VectorSimilarity=%v (LTM favours vector)", cfg.Search.LTM.VectorSimilarity, cfg.Search.STM.VectorSimilarity)
	}
	if cfg.Search.STM.Recency <= cfg.Search.LTM.Recency {
		t.Errorf("Search weights: STM.Recency=%v should exceed LTM.Recency=%v (STM favours recency)", cfg.Search.STM.Recency, cfg.Search.LTM.Recency)
	}
	if cfg.Decay.ManualDecayMultiplier != 3.0 {
		t.Errorf("ManualDecayMultiplier: got %v, want 3.0", cfg.Decay.ManualDecayMultiplier)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ENGINE_STM_TTL", "45m")
	t.Setenv("ENGINE_STM_CAPACITY", "2500")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Tiers.STMTTL != 45*time.Minute {
		t.Errorf("STMTTL: got %v, want 45m", cfg.Tiers.STMTTL)
	}
	if cfg.Tiers.STMCapacity != 2500 {
		t.Errorf("STMCapacity: got %d, want 2500", cfg.Tiers.STMCapacity)
	}
}

func TestLoad_YAMLOverridesEnv(t *testing.T) {
	t.Setenv("ENGINE_STM_CAPACITY", "2500")

	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	yamlContent := "tiers:\n  stm_capacity: 9000\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Tiers.STMCapacity != 9000 {
		t.Errorf("STMCapacity: got %d, want 9000 (YAML should win over env)", cfg.Tiers.STMCapacity)
	}
}

func TestLoad_MissingYAMLFileIsNotAnError(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() with missing file: got error %v, want nil", err)
	}
	if cfg.Storage.Engine != "sqlite" {
		t.Errorf("Storage.Engine: got %q, want default %q", cfg.Storage.Engine, "sqlite")
	}
}
