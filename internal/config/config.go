// Package config provides unified configuration for the Timon engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration.
type Config struct {
	// StorageRoot is the base directory for all local data.
	StorageRoot string `json:"storage_root" yaml:"storage_root"`

	// TimestampField overrides the reserved timestamp field name.
	// Leave empty for the default ("timestamp", alias "ts").
	TimestampField string `json:"timestamp_field" yaml:"timestamp_field"`

	// Query configuration.
	Query QueryConfig `json:"query" yaml:"query"`

	// Bucket is the remote object store configuration. Credentials are
	// usually supplied at runtime through InitBucket rather than here.
	Bucket BucketConfig `json:"bucket" yaml:"bucket"`
}

// QueryConfig holds query execution configuration.
type QueryConfig struct {
	// Concurrency is the number of partition files decoded in parallel.
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// BucketConfig holds S3-compatible object store configuration.
type BucketConfig struct {
	// Endpoint is the store endpoint (MinIO, LocalStack, or AWS).
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Name is the bucket name.
	Name string `json:"name" yaml:"name"`

	// Region is the region passed to the SDK.
	Region string `json:"region" yaml:"region"`

	// AccessKey and SecretKey are static credentials.
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`

	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot: "./data/timon",
		Query: QueryConfig{
			Concurrency: 8,
		},
		Bucket: BucketConfig{
			Region:       "us-east-1",
			UsePathStyle: true,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if c.Query.Concurrency <= 0 {
		return fmt.Errorf("query.concurrency must be positive, got %d", c.Query.Concurrency)
	}
	return nil
}

// EnsureDirectories creates the storage root.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.StorageRoot, 0755); err != nil {
		return fmt.Errorf("failed to create storage root %s: %w", c.StorageRoot, err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file, layered on
// top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies TIMON_-prefixed environment variables on top of cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TIMON_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("TIMON_TIMESTAMP_FIELD"); v != "" {
		cfg.TimestampField = v
	}
	if v := os.Getenv("TIMON_QUERY_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.Concurrency)
	}
	if v := os.Getenv("TIMON_BUCKET_ENDPOINT"); v != "" {
		cfg.Bucket.Endpoint = v
	}
	if v := os.Getenv("TIMON_BUCKET_NAME"); v != "" {
		cfg.Bucket.Name = v
	}
	if v := os.Getenv("TIMON_BUCKET_REGION"); v != "" {
		cfg.Bucket.Region = v
	}
	if v := os.Getenv("TIMON_BUCKET_ACCESS_KEY"); v != "" {
		cfg.Bucket.AccessKey = v
	}
	if v := os.Getenv("TIMON_BUCKET_SECRET_KEY"); v != "" {
		cfg.Bucket.SecretKey = v
	}
	if v := os.Getenv("TIMON_BUCKET_PATH_STYLE"); v != "" {
		cfg.Bucket.UsePathStyle = v == "true" || v == "1"
	}
}
