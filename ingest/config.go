package ingest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/propknow/propknow/embedder"
)

// AppConfig is the application-level configuration loaded at startup.
type AppConfig struct {
	// Listen is the HTTP bind address. Default: ":8080".
	Listen string `yaml:"listen"`

	// DBPath is the SQLite database file. Default: "propknow.db".
	DBPath string `yaml:"db_path"`

	// BlobDir is the content-addressed blob root. Default: "blobs".
	BlobDir string `yaml:"blob_dir"`

	// MaxUploadBytes caps upload size. Default: 50 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Embedding configures the embedding backend.
	Embedding embedder.Config `yaml:"embedding"`

	// Workers bounds concurrent extraction jobs. Default: 4.
	Workers int `yaml:"workers"`

	// JobTimeoutSeconds is the per-attempt wall-clock budget. Default: 90.
	JobTimeoutSeconds int `yaml:"job_timeout_seconds"`

	// MaxAttempts caps delivery attempts per job. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// FieldMapPath points to a YAML field map overriding the built-in
	// mapping. Empty uses the default.
	FieldMapPath string `yaml:"field_map"`
}

func (c *AppConfig) defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "propknow.db"
	}
	if c.BlobDir == "" {
		c.BlobDir = "blobs"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 50 * 1024 * 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.JobTimeoutSeconds <= 0 {
		c.JobTimeoutSeconds = 90
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// LoadConfig reads a YAML config file and applies defaults. A missing path
// returns the defaults unchanged.
func LoadConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("ingest: parse config: %w", err)
		}
	}
	cfg.defaults()
	return &cfg, nil
}
