package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("VULNVERIFY_API_KEY", "")
	t.Setenv("VULNVERIFY_AI_PROVIDER", "")
	t.Setenv("VULNVERIFY_DB", "")
	t.Setenv("VULNVERIFY_AUDIT_LOG", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 10, cfg.Executor.MaxDepth)
	assert.Equal(t, PolicyConfirmed, cfg.Executor.MissingContinuation)
	assert.Equal(t, EmbeddingFailError, cfg.Embedding.FailurePolicy)
	assert.Equal(t, 4, cfg.Batch.Workers)
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
ai:
  provider: openai
  model: text-embedding-3-large
  dimension: 3072
retrieval:
  top_k: 3
  min_similarity: 0.3
executor:
  max_depth: 6
  missing_continuation: FALSE_POSITIVE
oracle:
  timeout: 30s
batch:
  workers: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("VULNVERIFY_API_KEY", "sk-test")
	t.Setenv("VULNVERIFY_AI_PROVIDER", "")
	t.Setenv("VULNVERIFY_DB", "/tmp/x.db")
	t.Setenv("VULNVERIFY_AUDIT_LOG", "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, 3072, cfg.AI.Dimension)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DBPath)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.3, cfg.Retrieval.MinSimilarity, 1e-9)
	assert.Equal(t, 6, cfg.Executor.MaxDepth)
	assert.Equal(t, PolicyFalsePositive, cfg.Executor.MissingContinuation)
	assert.Equal(t, 30*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, 2, cfg.Batch.Workers)
	// untouched sections keep defaults
	assert.Equal(t, 2, cfg.Executor.MaxExpansions)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Retrieval.TopK = 0
	cfg.Retrieval.MinSimilarity = 1.5
	cfg.Executor.MissingContinuation = "maybe"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top_k")
	assert.Contains(t, err.Error(), "min_similarity")
	assert.Contains(t, err.Error(), "missing_continuation")
}

func TestValidate_Provider(t *testing.T) {
	for _, p := range []string{"gemini", "openai", "ollama"} {
		cfg := Default()
		cfg.AI.Provider = p
		assert.NoError(t, cfg.Validate(), p)
	}

	cfg := Default()
	cfg.AI.Provider = "anthropic"
	assert.ErrorContains(t, cfg.Validate(), "ai.provider")
}
