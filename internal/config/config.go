// Package config loads engine configuration from environment variables
// (ENGINE_ prefix) with sensible defaults, optionally overridden by a YAML
// file for values a deployment wants to check into version control rather
// than set as env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the memory engine.
type Config struct {
	Tiers         TiersConfig         `yaml:"tiers"`
	Decay         DecayConfig         `yaml:"decay"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Search        SearchConfig        `yaml:"search"`
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Audit         AuditConfig         `yaml:"audit"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// TiersConfig sets per-tier TTL/capacity/half-life knobs (spec.md §4.2/§4.6).
type TiersConfig struct {
	STMTTL      time.Duration `yaml:"stm_ttl"`
	STMCapacity int           `yaml:"stm_capacity"`

	MTMCapacity             int           `yaml:"mtm_capacity"`
	MTMPassiveHalfLife      time.Duration `yaml:"mtm_passive_half_life"`
	MTMReinforcementHalfLife time.Duration `yaml:"mtm_reinforcement_half_life"`

	LTMPassiveHalfLife      time.Duration `yaml:"ltm_passive_half_life"`
	LTMReinforcementHalfLife time.Duration `yaml:"ltm_reinforcement_half_life"`
}

// DecayConfig sets the decay/forgetting equation parameters (spec.md §4.6).
type DecayConfig struct {
	StrengthFloor          float64 `yaml:"strength_floor"`
	StrengthCeiling        float64 `yaml:"strength_ceiling"`
	ForgettingBaseThreshold float64 `yaml:"forgetting_base_threshold"`
	ManualDecayMultiplier  float64 `yaml:"manual_decay_multiplier"`
}

// ConsolidationConfig sets promotion-pipeline batch/backoff knobs.
type ConsolidationConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	InFlightTimeout time.Duration `yaml:"in_flight_timeout"`
}

// MaintenanceConfig sets the orchestrator's scheduling/back-pressure knobs.
type MaintenanceConfig struct {
	DecayInterval       time.Duration `yaml:"decay_interval"`
	ConsolidateInterval time.Duration `yaml:"consolidate_interval"`
	QualitySweepInterval time.Duration `yaml:"quality_sweep_interval"`
	MinDelay            time.Duration `yaml:"min_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
}

// TierWeights holds the five composite-score coefficients (α..ε) applied
// to one tier's candidates during cross-tier search (spec.md §4.9 step 3).
type TierWeights struct {
	VectorSimilarity float64 `yaml:"vector_similarity"`
	Lexical          float64 `yaml:"lexical"`
	Importance       float64 `yaml:"importance"`
	Strength         float64 `yaml:"strength"`
	Recency          float64 `yaml:"recency"`
}

// SearchConfig sets the cross-tier composite scoring weights (spec.md
// §4.9 step 3: coefficients are tier-weighted — LTM favours vector
// similarity, STM favours recency), the relevance floor below which a
// candidate is dropped, and the overfetch/reinforcement knobs.
type SearchConfig struct {
	STM TierWeights `yaml:"stm"`
	MTM TierWeights `yaml:"mtm"`
	LTM TierWeights `yaml:"ltm"`

	OverfetchFactor         int     `yaml:"overfetch_factor"`
	ReinforcementOnReadUnit float64 `yaml:"reinforcement_on_read_unit"`
	MinRelevance            float64 `yaml:"min_relevance"`
}

// StorageConfig selects the backend variant and its connection details.
type StorageConfig struct {
	Engine string `yaml:"engine"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// EmbeddingConfig selects the embedding provider and its cache size.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	CacheSize int    `yaml:"cache_size"`
}

// MetricsConfig configures the Prometheus metrics publisher.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// AuditConfig configures the bounded audit event channel.
type AuditConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// LoggingConfig configures the shared zap logger (internal/logging).
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load builds a Config from defaults, environment variables, and
// optionally a YAML file at yamlPath (skipped if yamlPath is empty or the
// file does not exist). YAML values take precedence over env vars, which
// take precedence over defaults.
func Load(yamlPath string) (*Config, error) {
	cfg := defaultConfig()
	applyEnv(cfg)

	if yamlPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Tiers: TiersConfig{
			STMTTL:                   time.Hour,
			STMCapacity:              1000,
			MTMCapacity:              10000,
			MTMPassiveHalfLife:       40 * time.Minute,
			MTMReinforcementHalfLife: 20 * time.Minute,
			LTMPassiveHalfLife:       12 * time.Hour,
			LTMReinforcementHalfLife: 4 * time.Hour,
		},
		Decay: DecayConfig{
			StrengthFloor:           0,
			StrengthCeiling:         1,
			ForgettingBaseThreshold: 0.05,
			ManualDecayMultiplier:   3.0,
		},
		Consolidation: ConsolidationConfig{
			BatchSize:       50,
			MaxRetries:      3,
			RetryBaseDelay:  100 * time.Millisecond,
			RetryMaxDelay:   2 * time.Second,
			InFlightTimeout: 30 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			DecayInterval:        5 * time.Minute,
			ConsolidateInterval:  2 * time.Minute,
			QualitySweepInterval: 15 * time.Minute,
			MinDelay:             1 * time.Second,
			MaxDelay:             10 * time.Minute,
			BackoffFactor:        1.5,
		},
		Search: SearchConfig{
			STM: TierWeights{VectorSimilarity: 0.20, Lexical: 0.25, Importance: 0.15, Strength: 0.10, Recency: 0.30},
			MTM: TierWeights{VectorSimilarity: 0.45, Lexical: 0.20, Importance: 0.15, Strength: 0.10, Recency: 0.10},
			LTM: TierWeights{VectorSimilarity: 0.55, Lexical: 0.15, Importance: 0.15, Strength: 0.10, Recency: 0.05},

			OverfetchFactor:         3,
			ReinforcementOnReadUnit: 0.25,
			MinRelevance:            0.0,
		},
		Storage: StorageConfig{
			Engine: "sqlite",
			DSN:    "./data/engine.db",
		},
		Embedding: EmbeddingConfig{
			Provider:  "static",
			Model:     "default",
			CacheSize: 4096,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cortexmem",
		},
		Audit: AuditConfig{
			BufferSize:  1024,
			SendTimeout: 50 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Tiers.STMTTL = getEnvDuration("ENGINE_STM_TTL", cfg.Tiers.STMTTL)
	cfg.Tiers.STMCapacity = getEnvInt("ENGINE_STM_CAPACITY", cfg.Tiers.STMCapacity)
	cfg.Tiers.MTMCapacity = getEnvInt("ENGINE_MTM_CAPACITY", cfg.Tiers.MTMCapacity)
	cfg.Tiers.MTMPassiveHalfLife = getEnvDuration("ENGINE_MTM_PASSIVE_HALF_LIFE", cfg.Tiers.MTMPassiveHalfLife)
	cfg.Tiers.MTMReinforcementHalfLife = getEnvDuration("ENGINE_MTM_REINFORCEMENT_HALF_LIFE", cfg.Tiers.MTMReinforcementHalfLife)
	cfg.Tiers.LTMPassiveHalfLife = getEnvDuration("ENGINE_LTM_PASSIVE_HALF_LIFE", cfg.Tiers.LTMPassiveHalfLife)
	cfg.Tiers.LTMReinforcementHalfLife = getEnvDuration("ENGINE_LTM_REINFORCEMENT_HALF_LIFE", cfg.Tiers.LTMReinforcementHalfLife)

	cfg.Decay.ManualDecayMultiplier = getEnvFloat("ENGINE_MANUAL_DECAY_MULTIPLIER", cfg.Decay.ManualDecayMultiplier)
	cfg.Decay.ForgettingBaseThreshold = getEnvFloat("ENGINE_FORGETTING_BASE_THRESHOLD", cfg.Decay.ForgettingBaseThreshold)

	cfg.Consolidation.BatchSize = getEnvInt("ENGINE_CONSOLIDATION_BATCH_SIZE", cfg.Consolidation.BatchSize)
	cfg.Consolidation.MaxRetries = getEnvInt("ENGINE_CONSOLIDATION_MAX_RETRIES", cfg.Consolidation.MaxRetries)

	cfg.Maintenance.DecayInterval = getEnvDuration("ENGINE_MAINTENANCE_DECAY_INTERVAL", cfg.Maintenance.DecayInterval)
	cfg.Maintenance.ConsolidateInterval = getEnvDuration("ENGINE_MAINTENANCE_CONSOLIDATE_INTERVAL", cfg.Maintenance.ConsolidateInterval)
	cfg.Maintenance.QualitySweepInterval = getEnvDuration("ENGINE_MAINTENANCE_QUALITY_SWEEP_INTERVAL", cfg.Maintenance.QualitySweepInterval)

	cfg.Storage.Engine = getEnv("ENGINE_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DSN = getEnv("ENGINE_STORAGE_DSN", cfg.Storage.DSN)

	cfg.Embedding.Provider = getEnv("ENGINE_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.Model = getEnv("ENGINE_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.CacheSize = getEnvInt("ENGINE_EMBEDDING_CACHE_SIZE", cfg.Embedding.CacheSize)

	cfg.Metrics.Enabled = getEnvBool("ENGINE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Namespace = getEnv("ENGINE_METRICS_NAMESPACE", cfg.Metrics.Namespace)

	cfg.Search.MinRelevance = getEnvFloat("ENGINE_SEARCH_MIN_RELEVANCE", cfg.Search.MinRelevance)
	cfg.Search.OverfetchFactor = getEnvInt("ENGINE_SEARCH_OVERFETCH_FACTOR", cfg.Search.OverfetchFactor)

	cfg.Logging.Level = getEnv("ENGINE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Development = getEnvBool("ENGINE_LOG_DEVELOPMENT", cfg.Logging.Development)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
