package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cortexmem/engine/internal/audit"
	"github.com/cortexmem/engine/internal/config"
	"github.com/cortexmem/engine/internal/consolidation"
	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/internal/embedding"
	"github.com/cortexmem/engine/internal/logging"
	"github.com/cortexmem/engine/internal/maintenance"
	"github.com/cortexmem/engine/internal/metrics"
	"github.com/cortexmem/engine/internal/sanitizer"
	"github.com/cortexmem/engine/internal/search"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/storage/graphstore"
	"github.com/cortexmem/engine/internal/storage/memstore"
	"github.com/cortexmem/engine/internal/storage/sqlstore"
	"github.com/cortexmem/engine/internal/storage/vectorstore"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/internal/watchdog"
	"github.com/cortexmem/engine/pkg/types"
)

// Build assembles a fully wired Manager from cfg: the three tier storage
// backends per cfg.Storage, tier policies and decay parameters per
// cfg.Tiers/cfg.Decay, the STM->MTM and MTM->LTM consolidation pipelines
// per cfg.Consolidation, the maintenance orchestrator's schedules per
// cfg.Maintenance, the per-tier search weights per cfg.Search, the
// embedding provider per cfg.Embedding, and the metrics/audit/logging
// sinks per their respective config groups. This is the only production
// seam that turns an internal/config.Config into a running engine; tests
// that want isolated collaborators should keep constructing Manager via
// New directly, the way internal/manager's own tests do.
func Build(cfg *config.Config) (*Manager, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, fmt.Errorf("manager: build logger: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	trail := audit.New(audit.Config{BufferSize: cfg.Audit.BufferSize, SendTimeout: cfg.Audit.SendTimeout}, nil)

	provider, err := newEmbeddingProvider(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	stmBackend := memstore.New()
	mtmBackend, err := newRecordBackend(cfg.Storage, "mtm")
	if err != nil {
		return nil, err
	}
	ltmRecordBackend, err := newRecordBackend(cfg.Storage, "ltm")
	if err != nil {
		return nil, err
	}
	ltmBackend := graphstore.New(vectorstore.New(ltmRecordBackend, vectorstore.DefaultIndexConfig()))

	policies := tier.DefaultPolicies()
	stmPolicy := policies[types.TierSTM]
	stmPolicy.TTL = cfg.Tiers.STMTTL
	stmPolicy.Capacity = cfg.Tiers.STMCapacity

	mtmPolicy := policies[types.TierMTM]
	mtmPolicy.Capacity = cfg.Tiers.MTMCapacity

	ltmPolicy := policies[types.TierLTM]

	stm := tier.New(stmPolicy, stmBackend)
	mtm := tier.New(mtmPolicy, mtmBackend)
	ltm := tier.New(ltmPolicy, ltmBackend)

	watchdogPublisher := watchdog.Publisher(nil)
	if m != nil {
		watchdogPublisher = m
	}
	wd := watchdog.New(map[types.Tier]watchdog.TierLimit{
		types.TierSTM: {Tier: types.TierSTM, Capacity: stmPolicy.Capacity, Backend: stmBackend, EvictOnBreach: true},
		types.TierMTM: {Tier: types.TierMTM, Capacity: mtmPolicy.Capacity, Backend: mtmBackend, EvictOnBreach: false},
		types.TierLTM: {Tier: types.TierLTM, Capacity: ltmPolicy.Capacity, Backend: ltmBackend, EvictOnBreach: false},
	}, watchdogPublisher)

	decayParams := map[types.Tier]decay.Params{
		types.TierSTM: decay.DefaultParams(cfg.Tiers.MTMReinforcementHalfLife/2, cfg.Tiers.MTMPassiveHalfLife/2, cfg.Decay.StrengthFloor, cfg.Decay.StrengthCeiling, cfg.Decay.ForgettingBaseThreshold, cfg.Decay.ManualDecayMultiplier),
		types.TierMTM: decay.DefaultParams(cfg.Tiers.MTMReinforcementHalfLife, cfg.Tiers.MTMPassiveHalfLife, cfg.Decay.StrengthFloor, cfg.Decay.StrengthCeiling, cfg.Decay.ForgettingBaseThreshold, cfg.Decay.ManualDecayMultiplier),
		types.TierLTM: decay.DefaultParams(cfg.Tiers.LTMReinforcementHalfLife, cfg.Tiers.LTMPassiveHalfLife, cfg.Decay.StrengthFloor, cfg.Decay.StrengthCeiling, cfg.Decay.ForgettingBaseThreshold, cfg.Decay.ManualDecayMultiplier),
	}

	retryFor := func(breakerName string) storage.RetryConfig {
		return storage.RetryConfig{
			MaxRetries:  cfg.Consolidation.MaxRetries,
			BaseDelay:   cfg.Consolidation.RetryBaseDelay,
			MaxDelay:    cfg.Consolidation.RetryMaxDelay,
			BreakerName: breakerName,
			MaxFailures: 3,
			OpenTimeout: 30 * time.Second,
		}
	}
	stmToMtm := consolidation.New(stm, mtm, provider, wd, trail, m, logger, consolidation.Config{BatchSize: cfg.Consolidation.BatchSize, Retry: retryFor("consolidation:stm")})
	mtmToLtm := consolidation.New(mtm, ltm, provider, wd, trail, m, logger, consolidation.Config{BatchSize: cfg.Consolidation.BatchSize, Retry: retryFor("consolidation:mtm")})

	decaySchedule := maintenance.Schedule{
		Target:        cfg.Maintenance.DecayInterval,
		MinDelay:      cfg.Maintenance.MinDelay,
		MaxDelay:      cfg.Maintenance.MaxDelay,
		BackoffFactor: cfg.Maintenance.BackoffFactor,
	}
	consolidateSchedule := maintenance.Schedule{
		Target:        cfg.Maintenance.ConsolidateInterval,
		MinDelay:      cfg.Maintenance.MinDelay,
		MaxDelay:      cfg.Maintenance.MaxDelay,
		BackoffFactor: cfg.Maintenance.BackoffFactor,
	}
	qualitySweepSchedule := maintenance.Schedule{
		Target:        cfg.Maintenance.QualitySweepInterval,
		MinDelay:      cfg.Maintenance.MinDelay,
		MaxDelay:      cfg.Maintenance.MaxDelay,
		BackoffFactor: cfg.Maintenance.BackoffFactor,
	}
	gracePeriods := map[types.Tier]time.Duration{
		types.TierSTM: 24 * time.Hour,
		types.TierMTM: 24 * time.Hour,
		types.TierLTM: 24 * time.Hour,
	}

	tasks := []*maintenance.Task{
		maintenance.NewDecayTask(mtm, decayParams[types.TierMTM], trail, m, logger, decaySchedule),
		maintenance.NewDecayTask(ltm, decayParams[types.TierLTM], trail, m, logger, decaySchedule),
		maintenance.NewConsolidateTask(types.TierSTM, stmToMtm, consolidateSchedule),
		maintenance.NewConsolidateTask(types.TierMTM, mtmToLtm, consolidateSchedule),
		maintenance.NewQualitySweepTask(stm, []*tier.Tier{stm, mtm, ltm}, gracePeriods, trail, m, logger, qualitySweepSchedule),
	}
	orch := maintenance.New(tasks, m, logger, 10)

	backendByTier := map[types.Tier]storage.Backend{
		types.TierSTM: stmBackend,
		types.TierMTM: mtmBackend,
		types.TierLTM: ltmBackend,
	}
	reinforce := func(ctx context.Context, tierName types.Tier, item *types.MemoryItem) error {
		backend, ok := backendByTier[tierName]
		if !ok {
			return fmt.Errorf("manager: unknown tier %q", tierName)
		}
		return backend.Update(ctx, item)
	}

	searchCfg := search.Config{
		Weights: map[types.Tier]search.Weights{
			types.TierSTM: weightsFromConfig(cfg.Search.STM),
			types.TierMTM: weightsFromConfig(cfg.Search.MTM),
			types.TierLTM: weightsFromConfig(cfg.Search.LTM),
		},
		OverfetchFactor:         cfg.Search.OverfetchFactor,
		ReinforcementOnReadUnit: cfg.Search.ReinforcementOnReadUnit,
		MinRelevance:            cfg.Search.MinRelevance,
	}
	searchPipeline := search.New([]*tier.Tier{stm, mtm, ltm}, provider, decayParams, reinforce, logger, searchCfg)

	return New(Deps{
		Tiers:       Tiers{STM: stm, MTM: mtm, LTM: ltm},
		Sanitizer:   sanitizer.New(sanitizer.DefaultConfig()),
		Watchdog:    wd,
		Provider:    provider,
		Metrics:     m,
		Trail:       trail,
		Orch:        orch,
		Search:      searchPipeline,
		Logger:      logger,
		DecayParams: decayParams,
	}), nil
}

func weightsFromConfig(w config.TierWeights) search.Weights {
	return search.Weights{
		VectorSimilarity: w.VectorSimilarity,
		Lexical:          w.Lexical,
		Importance:       w.Importance,
		Strength:         w.Strength,
		Recency:          w.Recency,
	}
}

// newRecordBackend constructs the durable record-of-truth backend for one
// tier ("mtm" or "ltm") per cfg.Engine. "memory" is a dev/test mode with
// no persistence and no cross-process durability; relationship operations
// on an LTM built this way work identically to the sqlite path, since
// graphstore wraps whatever delegate it is given.
func newRecordBackend(cfg config.StorageConfig, tierSuffix string) (storage.Backend, error) {
	switch cfg.Engine {
	case "memory":
		return memstore.New(), nil
	case "", "sqlite":
		store, err := sqlstore.Open(dsnForTier(cfg.DSN, tierSuffix))
		if err != nil {
			return nil, fmt.Errorf("config: open %s sqlite backend: %w", tierSuffix, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("config: unsupported storage engine %q", cfg.Engine)
	}
}

// newEmbeddingProvider builds the configured embedding.Provider, wrapping
// it in a content-hash LRU cache when cfg.CacheSize is positive.
func newEmbeddingProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	var base embedding.Provider
	switch cfg.Provider {
	case "", "static":
		base = embedding.NewStaticProvider(0)
	case "openai":
		base = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("config: unsupported embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize <= 0 {
		return base, nil
	}
	cached, err := embedding.NewCachedProvider(base, cfg.CacheSize, storage.DefaultRetryConfig("embedding"))
	if err != nil {
		return nil, fmt.Errorf("config: build cached embedding provider: %w", err)
	}
	return cached, nil
}

// dsnForTier derives a per-tier DSN from a shared base (e.g.
// "./data/engine.db" -> "./data/engine-mtm.db"), since MTM and LTM each
// need their own sqlstore instance. DSNs with no path shape (":memory:",
// empty) pass through unchanged.
func dsnForTier(dsn, suffix string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}
	ext := filepath.Ext(dsn)
	base := strings.TrimSuffix(dsn, ext)
	return fmt.Sprintf("%s-%s%s", base, suffix, ext)
}
