// Package config loads the memory core configuration: defaults, then a
// TOML file, then MNEMO_* environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/mnemo"
)

type Config struct {
	Embedding     EmbeddingConfig     `toml:"embedding"`
	Database      DatabaseConfig      `toml:"database"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Rank          RankConfig          `toml:"rank"`
	WorkingSet    WorkingSetConfig    `toml:"working_set"`
	VectorIndex   VectorIndexConfig   `toml:"vector_index"`
	Observer      ObserverConfig      `toml:"observer"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"` // "gemini" or "openai-compat"
	ModelID    string `toml:"model_id"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"` // openai-compat only
	BatchSize  int    `toml:"batch_size"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "sqlite" or "postgres"
	Path        string `toml:"path"`   // sqlite file
	PostgresURL string `toml:"postgres_url"`
}

type ConsolidationConfig struct {
	NearThreshold  float64 `toml:"near_threshold"`
	ReferThreshold float64 `toml:"refer_threshold"`
}

type RankConfig struct {
	Weights            mnemo.RankWeights `toml:"weights"`
	TauSemanticSeconds int64             `toml:"tau_semantic_seconds"`
	TauEpisodicSeconds int64             `toml:"tau_episodic_seconds"`
	PoolSize           int               `toml:"pool_size"`
}

type WorkingSetConfig struct {
	// TokenEstimator is "chars_over_4" (default) or "whitespace_tokens".
	TokenEstimator string `toml:"token_estimator"`
}

type VectorIndexConfig struct {
	TopKCap int `toml:"topk_cap"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Embedding: EmbeddingConfig{
			Provider:   "gemini",
			ModelID:    "gemini-embedding-001",
			Dimensions: 1536,
			BatchSize:  64,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "mnemo.db"},
		Consolidation: ConsolidationConfig{
			NearThreshold:  0.94,
			ReferThreshold: 0.86,
		},
		Rank: RankConfig{
			Weights:            mnemo.DefaultRankWeights(),
			TauSemanticSeconds: int64(mnemo.DefaultTauSemantic.Seconds()),
			TauEpisodicSeconds: int64(mnemo.DefaultTauEpisodic.Seconds()),
			PoolSize:           mnemo.DefaultPoolSize,
		},
		WorkingSet:  WorkingSetConfig{TokenEstimator: "chars_over_4"},
		VectorIndex: VectorIndexConfig{TopKCap: mnemo.TopKCap},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "mnemo.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// Env overrides
	if v := os.Getenv("MNEMO_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_MODEL_ID"); v != "" {
		cfg.Embedding.ModelID = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("MNEMO_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("MNEMO_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MNEMO_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if os.Getenv("MNEMO_OBSERVER_ENABLED") == "true" || os.Getenv("MNEMO_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the invariants the core depends on.
func (c Config) Validate() error {
	if err := c.Rank.Weights.Validate(); err != nil {
		return err
	}
	if c.Embedding.Dimensions <= 0 {
		return &mnemo.ErrInvalidInput{Field: "embedding.dimensions", Reason: "must be positive"}
	}
	switch c.WorkingSet.TokenEstimator {
	case "", "chars_over_4", "whitespace_tokens":
	default:
		return &mnemo.ErrInvalidInput{Field: "working_set.token_estimator", Reason: "unknown estimator " + c.WorkingSet.TokenEstimator}
	}
	return nil
}

// Estimator returns the configured token estimator.
func (c Config) Estimator() mnemo.TokenEstimator {
	if c.WorkingSet.TokenEstimator == "whitespace_tokens" {
		return mnemo.EstimateWhitespaceTokens
	}
	return mnemo.EstimateCharsOver4
}
