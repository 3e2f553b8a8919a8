// Package config loads and validates the .coderag.yaml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// ConfigFileName is the project configuration file name.
const ConfigFileName = ".coderag.yaml"

// CurrentVersion is the only configuration schema version accepted.
const CurrentVersion = "1"

// Embedding provider identifiers.
const (
	ProviderNativeLocal      = "native-local"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderCloudA           = "cloud-a"
	ProviderCloudB           = "cloud-b"
)

// Config represents the complete .coderag.yaml configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Project   ProjectConfig   `yaml:"project"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ProjectConfig names the project and its languages.
type ProjectConfig struct {
	Name string `yaml:"name"`
	// Languages is a list of language identifiers, or the literal "auto".
	Languages LanguageList `yaml:"languages"`
}

// LanguageList unmarshals either a YAML sequence or the scalar "auto".
type LanguageList struct {
	Auto  bool
	Names []string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LanguageList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "auto" {
			return fmt.Errorf("project.languages scalar must be %q, got %q", "auto", s)
		}
		l.Auto = true
		l.Names = nil
		return nil
	case yaml.SequenceNode:
		l.Auto = false
		return node.Decode(&l.Names)
	default:
		return fmt.Errorf("project.languages must be a list or %q", "auto")
	}
}

// MarshalYAML implements yaml.Marshaler.
func (l LanguageList) MarshalYAML() (any, error) {
	if l.Auto {
		return "auto", nil
	}
	return l.Names, nil
}

// IngestionConfig controls the ingestion collaborator.
type IngestionConfig struct {
	MaxTokensPerChunk int      `yaml:"max_tokens_per_chunk"`
	Exclude           []string `yaml:"exclude"`
}

// EmbeddingConfig selects the embedding provider and model.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// SearchConfig configures hybrid search defaults.
type SearchConfig struct {
	TopK         int     `yaml:"top_k"`
	VectorWeight float64 `yaml:"vector_weight"`
	BM25Weight   float64 `yaml:"bm25_weight"`
}

// StorageConfig locates the serialized indexes on disk.
type StorageConfig struct {
	// Path is the directory root for the BM25 index, dependency graph,
	// and index-state file.
	Path string `yaml:"path"`
}

// Default returns a Config with documented defaults.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Project: ProjectConfig{
			Languages: LanguageList{Auto: true},
		},
		Ingestion: IngestionConfig{
			MaxTokensPerChunk: 512,
			Exclude: []string{
				"**/node_modules/**",
				"**/.git/**",
				"**/vendor/**",
				"**/dist/**",
				"**/build/**",
			},
		},
		Embedding: EmbeddingConfig{
			Provider: ProviderNativeLocal,
			Model:    "qwen3-embedding:0.6b",
		},
		Search: SearchConfig{
			TopK:         10,
			VectorWeight: 0.7,
			BM25Weight:   0.3,
		},
		Storage: StorageConfig{
			Path: ".coderag",
		},
	}
}

// Load reads the configuration file at path, applies defaults for unset
// fields, env overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigNotFound,
				fmt.Sprintf("config file not found: %s", path), err)
		}
		return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("cannot read config: %s", path), err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid YAML in %s: %v", path, err), err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads .coderag.yaml from dir, falling back to defaults
// when the file does not exist.
func LoadOrDefault(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	cfg, err := Load(path)
	if err != nil {
		if ragerr.GetCode(err) == ragerr.ErrCodeConfigNotFound {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid, "marshal config", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv applies CODERAG_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CODERAG_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("CODERAG_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CODERAG_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.VectorWeight = f
		}
	}
	if v := os.Getenv("CODERAG_BM25_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.BM25Weight = f
		}
	}
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Ingestion.MaxTokensPerChunk <= 0 {
		c.Ingestion.MaxTokensPerChunk = 512
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = ProviderNativeLocal
	}
	if c.Search.TopK <= 0 {
		c.Search.TopK = 10
	}
	if c.Search.VectorWeight == 0 && c.Search.BM25Weight == 0 {
		c.Search.VectorWeight = 0.7
		c.Search.BM25Weight = 0.3
	}
	if c.Storage.Path == "" {
		c.Storage.Path = ".coderag"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("unsupported config version %q (want %q)", c.Version, CurrentVersion), nil)
	}

	switch c.Embedding.Provider {
	case ProviderNativeLocal, ProviderOpenAICompatible, ProviderCloudA, ProviderCloudB:
	default:
		return ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embedding.provider %q", c.Embedding.Provider), nil)
	}

	if c.Search.VectorWeight < 0 || c.Search.VectorWeight > 1 {
		return ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("search.vector_weight %v out of range [0,1]", c.Search.VectorWeight), nil)
	}
	if c.Search.BM25Weight < 0 || c.Search.BM25Weight > 1 {
		return ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("search.bm25_weight %v out of range [0,1]", c.Search.BM25Weight), nil)
	}
	if c.Search.TopK > 100 {
		return ragerr.New(ragerr.KindInternal, ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("search.top_k %d exceeds maximum 100", c.Search.TopK), nil)
	}

	return nil
}

// BM25Path returns the BM25 index file path under the storage root.
func (c *Config) BM25Path() string {
	return filepath.Join(c.Storage.Path, "bm25.json")
}

// VectorPath returns the vector store file path under the storage root.
func (c *Config) VectorPath() string {
	return filepath.Join(c.Storage.Path, "vectors.hnsw")
}

// GraphPath returns the dependency graph file path under the storage root.
func (c *Config) GraphPath() string {
	return filepath.Join(c.Storage.Path, "graph.json")
}

// StatePath returns the index-state file path under the storage root.
func (c *Config) StatePath() string {
	return filepath.Join(c.Storage.Path, "index-state.json")
}

// MetadataPath returns the chunk metadata database path.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Storage.Path, "chunks.db")
}
