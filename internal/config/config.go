package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Verdict policy values accepted by the executor section.
const (
	PolicyConfirmed     = "confirmed"
	PolicyFalsePositive = "false_positive"
)

// Embedding failure policy values.
const (
	EmbeddingFailError = "error"
	EmbeddingFailZero  = "zero"
)

type Config struct {
	Project struct {
		Root string `yaml:"root"`
	} `yaml:"project"`
	AI struct {
		Provider    string `yaml:"provider"`
		Model       string `yaml:"model"`        // embedding model
		OracleModel string `yaml:"oracle_model"` // LLM model for tree generation and judgments
		APIKey      string `yaml:"api_key"`
		BaseURL     string `yaml:"base_url"`
		Dimension   int    `yaml:"dimension"`
	} `yaml:"ai"`
	Retrieval struct {
		TopK          int     `yaml:"top_k"`
		MinSimilarity float64 `yaml:"min_similarity"`
	} `yaml:"retrieval"`
	Executor struct {
		MaxDepth            int    `yaml:"max_depth"`
		MaxExpansions       int    `yaml:"max_expansions"`
		MaxExpansionNodes   int    `yaml:"max_expansion_nodes"`
		MissingContinuation string `yaml:"missing_continuation"`
		MaxDepthVerdict     string `yaml:"max_depth_verdict"`
	} `yaml:"executor"`
	Oracle struct {
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`
		RetryDelay time.Duration `yaml:"retry_delay"`
		Language   string        `yaml:"language"` // prompt language for tree generation: en or zh
	} `yaml:"oracle"`
	Embedding struct {
		FailurePolicy string `yaml:"failure_policy"`
		Cache         bool   `yaml:"cache"`
	} `yaml:"embedding"`
	Batch struct {
		Workers int `yaml:"workers"`
	} `yaml:"batch"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Audit struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Project.Root = "."
	cfg.AI.Provider = "gemini"
	cfg.AI.Model = "gemini-embedding-001"
	cfg.AI.OracleModel = "gemini-2.5-flash"
	cfg.Retrieval.TopK = 5
	cfg.Retrieval.MinSimilarity = 0.1
	cfg.Executor.MaxDepth = 10
	cfg.Executor.MaxExpansions = 2
	cfg.Executor.MaxExpansionNodes = 4
	cfg.Executor.MissingContinuation = PolicyConfirmed
	cfg.Executor.MaxDepthVerdict = PolicyConfirmed
	cfg.Oracle.Timeout = 120 * time.Second
	cfg.Oracle.MaxRetries = 3
	cfg.Oracle.RetryDelay = 3 * time.Second
	cfg.Oracle.Language = "en"
	cfg.Embedding.FailurePolicy = EmbeddingFailError
	cfg.Embedding.Cache = true
	cfg.Batch.Workers = 4
	cfg.Storage.DBPath = "vulnverify.db"
	cfg.Audit.Path = "audit.jsonl"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return &cfg
}

// LoadConfig reads path on top of the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	// 1. Load .env if exists
	_ = godotenv.Load()

	cfg := Default()

	// 2. Load YAML config
	file, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	// 3. Override with Environment Variables if present
	if apiKey := os.Getenv("VULNVERIFY_API_KEY"); apiKey != "" {
		cfg.AI.APIKey = apiKey
	}
	if provider := os.Getenv("VULNVERIFY_AI_PROVIDER"); provider != "" {
		cfg.AI.Provider = provider
	}
	if db := os.Getenv("VULNVERIFY_DB"); db != "" {
		cfg.Storage.DBPath = db
	}
	if auditPath := os.Getenv("VULNVERIFY_AUDIT_LOG"); auditPath != "" {
		cfg.Audit.Path = auditPath
	}

	cfg.Executor.MissingContinuation = strings.ToLower(strings.TrimSpace(cfg.Executor.MissingContinuation))
	cfg.Executor.MaxDepthVerdict = strings.ToLower(strings.TrimSpace(cfg.Executor.MaxDepthVerdict))
	cfg.Embedding.FailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Embedding.FailurePolicy))
	cfg.Oracle.Language = strings.ToLower(strings.TrimSpace(cfg.Oracle.Language))
	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and policy names.
func (c *Config) Validate() error {
	var errs []error
	switch c.AI.Provider {
	case "gemini", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("ai.provider must be gemini, openai or ollama, got %q", c.AI.Provider))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_similarity must be within [0,1], got %g", c.Retrieval.MinSimilarity))
	}
	if c.Executor.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("executor.max_depth must be >= 1, got %d", c.Executor.MaxDepth))
	}
	if c.Executor.MaxExpansions < 0 {
		errs = append(errs, fmt.Errorf("executor.max_expansions must be >= 0, got %d", c.Executor.MaxExpansions))
	}
	if c.Executor.MaxExpansionNodes < 1 {
		errs = append(errs, fmt.Errorf("executor.max_expansion_nodes must be >= 1, got %d", c.Executor.MaxExpansionNodes))
	}
	if !validPolicy(c.Executor.MissingContinuation) {
		errs = append(errs, fmt.Errorf("executor.missing_continuation: unknown policy %q", c.Executor.MissingContinuation))
	}
	if !validPolicy(c.Executor.MaxDepthVerdict) {
		errs = append(errs, fmt.Errorf("executor.max_depth_verdict: unknown policy %q", c.Executor.MaxDepthVerdict))
	}
	if c.Embedding.FailurePolicy != EmbeddingFailError && c.Embedding.FailurePolicy != EmbeddingFailZero {
		errs = append(errs, fmt.Errorf("embedding.failure_policy: unknown policy %q", c.Embedding.FailurePolicy))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers must be >= 1, got %d", c.Batch.Workers))
	}
	if c.Oracle.Language != "en" && c.Oracle.Language != "zh" {
		errs = append(errs, fmt.Errorf("oracle.language must be en or zh, got %q", c.Oracle.Language))
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_retries must be >= 0, got %d", c.Oracle.MaxRetries))
	}
	return errors.Join(errs...)
}

func validPolicy(p string) bool {
	return p == PolicyConfirmed || p == PolicyFalsePositive
}
