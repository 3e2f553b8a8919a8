package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "1", cfg.Version)
	assert.True(t, cfg.Project.Languages.Auto)
	assert.Equal(t, 512, cfg.Ingestion.MaxTokensPerChunk)
	assert.Equal(t, ProviderNativeLocal, cfg.Embedding.Provider)
	assert.Equal(t, 10, cfg.Search.TopK)
	assert.Equal(t, 0.7, cfg.Search.VectorWeight)
	assert.Equal(t, 0.3, cfg.Search.BM25Weight)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: "1"
project:
  name: myproject
  languages:
    - go
    - typescript
ingestion:
  max_tokens_per_chunk: 256
  exclude:
    - "**/generated/**"
embedding:
  provider: openai-compatible
  model: nomic-embed-text
  dimensions: 768
search:
  top_k: 20
  vector_weight: 0.6
  bm25_weight: 0.4
storage:
  path: .cache/coderag
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "myproject", cfg.Project.Name)
	assert.False(t, cfg.Project.Languages.Auto)
	assert.Equal(t, []string{"go", "typescript"}, cfg.Project.Languages.Names)
	assert.Equal(t, 256, cfg.Ingestion.MaxTokensPerChunk)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 20, cfg.Search.TopK)
	assert.Equal(t, 0.6, cfg.Search.VectorWeight)
	assert.Equal(t, filepath.Join(".cache/coderag", "bm25.json"), cfg.BM25Path())
}

func TestLoad_LanguagesAutoLiteral(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: "1"
project:
  languages: auto
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Project.Languages.Auto)
}

func TestLoad_RejectsBadLanguagesScalar(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: "1"
project:
  languages: everything
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), ConfigFileName))

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeConfigNotFound, ragerr.GetCode(err))
}

func TestLoadOrDefault_FallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, Default().Search.TopK, cfg.Search.TopK)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad version", func(c *Config) { c.Version = "2" }},
		{"bad provider", func(c *Config) { c.Embedding.Provider = "magic" }},
		{"weight above one", func(c *Config) { c.Search.VectorWeight = 1.5 }},
		{"negative weight", func(c *Config) { c.Search.BM25Weight = -0.1 }},
		{"top_k too large", func(c *Config) { c.Search.TopK = 500 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODERAG_EMBEDDING_MODEL", "env-model")
	t.Setenv("CODERAG_VECTOR_WEIGHT", "0.9")

	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: "1"
embedding:
  model: file-model
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Embedding.Model)
	assert.Equal(t, 0.9, cfg.Search.VectorWeight)
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := Default()
	cfg.Project.Name = "roundtrip"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Project.Name)
	assert.True(t, loaded.Project.Languages.Auto)
}
