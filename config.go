package branchbase

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the store-level settings. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// Path is the SQLite database file. ":memory:" works for tests.
	Path string `yaml:"path"`

	// Dimensions is the embedding vector size enforced on writes when
	// an embedder is configured.
	Dimensions int `yaml:"dimensions"`

	// LogLevel is a zap level string: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MaxInflightEmbeds bounds concurrent calls to the embedder.
	MaxInflightEmbeds int64 `yaml:"max_inflight_embeds"`

	// WriteDeadline applies to single-row mutations.
	WriteDeadline time.Duration `yaml:"write_deadline"`
	// SearchDeadline applies to searches and queries.
	SearchDeadline time.Duration `yaml:"search_deadline"`
	// MergeDeadline applies to branch merges.
	MergeDeadline time.Duration `yaml:"merge_deadline"`
	// ConsolidationDeadline applies to consolidation runs.
	ConsolidationDeadline time.Duration `yaml:"consolidation_deadline"`
}

// DefaultConfig returns the settings used when the caller supplies
// nothing else.
func DefaultConfig(path string) Config {
	return Config{
		Path:                  path,
		Dimensions:            256,
		LogLevel:              "info",
		MaxInflightEmbeds:     16,
		WriteDeadline:         5 * time.Second,
		SearchDeadline:        15 * time.Second,
		MergeDeadline:         60 * time.Second,
		ConsolidationDeadline: 120 * time.Second,
	}
}

// LoadConfig reads a YAML config file and fills unset fields with
// defaults.
func LoadConfig(file string) (Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", file, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Path)
	if c.Dimensions <= 0 {
		c.Dimensions = def.Dimensions
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxInflightEmbeds <= 0 {
		c.MaxInflightEmbeds = def.MaxInflightEmbeds
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = def.WriteDeadline
	}
	if c.SearchDeadline <= 0 {
		c.SearchDeadline = def.SearchDeadline
	}
	if c.MergeDeadline <= 0 {
		c.MergeDeadline = def.MergeDeadline
	}
	if c.ConsolidationDeadline <= 0 {
		c.ConsolidationDeadline = def.ConsolidationDeadline
	}
	return c
}
