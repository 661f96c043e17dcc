// Package config provides configuration loading and structs for the stylematch
// builder and server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Index      IndexConfig      `yaml:"index"`
	Recommend  RecommendConfig  `yaml:"recommend"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Artifact   ArtifactConfig   `yaml:"artifact"`
	Reload     ReloadConfig     `yaml:"reload"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
	MaxUploadMB        int    `yaml:"max_upload_mb"`
}

// StorageConfig holds where built artifacts live and how metadata is persisted.
type StorageConfig struct {
	ArtifactDir    string `yaml:"artifact_dir"`
	MetadataFormat string `yaml:"metadata_format"` // json or sqlite
}

// IndexConfig holds ANN build and query settings.
type IndexConfig struct {
	Type            string  `yaml:"type"` // forest or memory
	Metric          string  `yaml:"metric"`
	Trees           int     `yaml:"trees"`
	LeafSize        int     `yaml:"leaf_size"`
	SearchK         int     `yaml:"search_k"`
	Dimensions      int     `yaml:"dimensions"` // 0 accepts whatever the artifact declares
	Seed            *uint64 `yaml:"seed"`
	EmbeddingColumn string  `yaml:"embedding_column"`
}

// RecommendConfig holds candidate selection settings.
type RecommendConfig struct {
	DefaultK   int     `yaml:"default_k"`
	MaxK       int     `yaml:"max_k"`
	Strategy   string  `yaml:"strategy"` // deterministic, proportional or semirandom
	Randomness float64 `yaml:"randomness"`
	Presort    bool    `yaml:"presort"`
	Seed       *uint64 `yaml:"seed"`
}

// ClassifierConfig holds the model server connection.
type ClassifierConfig struct {
	URL         string  `yaml:"url"`
	Token       string  `yaml:"token"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	MaxRPS      float64 `yaml:"max_rps"` // 0 disables client-side rate limiting
	Burst       int     `yaml:"burst"`
	CacheSize   int     `yaml:"cache_size"` // predictions kept by image hash; 0 disables
}

// ArtifactConfig selects where the server fetches artifacts from.
type ArtifactConfig struct {
	Source    string `yaml:"source"` // local or minio
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// ReloadConfig holds hot-reload settings.
type ReloadConfig struct {
	Watch          *bool `yaml:"watch"`
	DebounceMillis int   `yaml:"debounce_millis"`
}

// WatchOrDefault returns whether to watch the artifact directory; defaults to true when unset.
func (r *ReloadConfig) WatchOrDefault() bool {
	if r.Watch != nil {
		return *r.Watch
	}
	return true
}

// Load reads and parses the config file at path, applies environment overrides
// and defaults, expands paths and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.ArtifactDir = expandPath(cfg.Storage.ArtifactDir, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Environment variables that override file values. Secrets are expected here
// rather than in the YAML file.
const (
	EnvClassifierURL   = "TORCHSERVE_URL"
	EnvClassifierToken = "TORCHSERVE_TOKEN"
	EnvMinioAccessKey  = "STYLEMATCH_MINIO_ACCESS_KEY"
	EnvMinioSecretKey  = "STYLEMATCH_MINIO_SECRET_KEY"
	EnvArtifactDir     = "STYLEMATCH_ARTIFACT_DIR"
)

// ApplyEnv overrides cfg with values from the environment when set.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvClassifierURL); v != "" {
		cfg.Classifier.URL = v
	}
	if v := os.Getenv(EnvClassifierToken); v != "" {
		cfg.Classifier.Token = v
	}
	if v := os.Getenv(EnvMinioAccessKey); v != "" {
		cfg.Artifact.AccessKey = v
	}
	if v := os.Getenv(EnvMinioSecretKey); v != "" {
		cfg.Artifact.SecretKey = v
	}
	if v := os.Getenv(EnvArtifactDir); v != "" {
		cfg.Storage.ArtifactDir = v
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.MetadataFormat {
	case "json", "sqlite":
	default:
		return fmt.Errorf("invalid storage.metadata_format %q (supported: json, sqlite)", c.Storage.MetadataFormat)
	}
	if c.Index.Trees <= 0 {
		return fmt.Errorf("index.trees must be positive, got %d", c.Index.Trees)
	}
	if c.Index.Metric != "angular" {
		return fmt.Errorf("invalid index.metric %q (supported: angular)", c.Index.Metric)
	}
	if c.Index.Dimensions < 0 {
		return fmt.Errorf("index.dimensions must not be negative, got %d", c.Index.Dimensions)
	}
	if c.Recommend.Randomness < 0 || c.Recommend.Randomness > 1 {
		return fmt.Errorf("recommend.randomness must be within [0, 1], got %g", c.Recommend.Randomness)
	}
	if c.Recommend.DefaultK > c.Recommend.MaxK {
		return fmt.Errorf("recommend.default_k (%d) exceeds recommend.max_k (%d)", c.Recommend.DefaultK, c.Recommend.MaxK)
	}
	switch c.Artifact.Source {
	case "local":
	case "minio":
		if c.Artifact.Endpoint == "" || c.Artifact.Bucket == "" {
			return fmt.Errorf("artifact source minio requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("invalid artifact.source %q (supported: local, minio)", c.Artifact.Source)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
