package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/config"
	"github.com/cortexmem/engine/internal/manager"
	"github.com/cortexmem/engine/internal/search"
	"github.com/cortexmem/engine/pkg/errs"
)

func testConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	cfg.Storage.Engine = "memory"
	cfg.Metrics.Enabled = false
	return cfg
}

func TestBuild_AssemblesAWorkingManager(t *testing.T) {
	ctx := context.Background()
	m, err := manager.Build(testConfig())
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	defer m.Shutdown(ctx, time.Second)

	item, err := m.AddMemory(ctx, manager.AddMemoryInput{Content: "built from config", Importance: 0.4})
	if err != nil {
		t.Fatalf("AddMemory() failed: %v", err)
	}

	got, err := m.GetMemory(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetMemory() failed: %v", err)
	}
	if got.Content != "built from config" {
		t.Errorf("GetMemory(): got content %q, want %q", got.Content, "built from config")
	}
}

func TestBuild_SearchFindsAddedMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Search.MinRelevance = 0

	m, err := manager.Build(cfg)
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	defer m.Shutdown(ctx, time.Second)

	if _, err := m.AddMemory(ctx, manager.AddMemoryInput{Content: "weighted search target", Importance: 0.6}); err != nil {
		t.Fatalf("AddMemory() failed: %v", err)
	}

	results, err := m.SearchMemories(ctx, search.Options{Query: "weighted", Limit: 10})
	if err != nil {
		t.Fatalf("SearchMemories() failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("SearchMemories(): got 0 results, want at least 1")
	}
}

func TestBuild_RejectsUnknownStorageEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Engine = "dynamo"

	if _, err := manager.Build(cfg); err == nil {
		t.Error("Build() with unsupported storage engine: got nil error, want one")
	}
}

func TestBuild_RejectsUnknownEmbeddingProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Embedding.Provider = "llama"

	if _, err := manager.Build(cfg); err == nil {
		t.Error("Build() with unsupported embedding provider: got nil error, want one")
	}
}

func TestBuild_AddRelationship_RejectsUnknownEndpoint(t *testing.T) {
	ctx := context.Background()
	m, err := manager.Build(testConfig())
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	defer m.Shutdown(ctx, time.Second)

	if _, err := m.AddRelationship(ctx, "does-not-exist-a", "does-not-exist-b", "relates_to", 1.0); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("AddRelationship() with unknown endpoints: got %v, want KindNotFound", err)
	}
}
