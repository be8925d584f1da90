// Package config provides configuration loading and management for rasterstream.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"rasterstream/internal/logging"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/executor"
	"rasterstream/pkg/rawio"
	"rasterstream/pkg/streaming"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Streaming controls how the written image is divided
	Streaming struct {
		// MemoryBudget bounds the size of one piece, e.g. "64MiB"
		MemoryBudget string `yaml:"memoryBudget"`

		// Strategy is one of stripped, tiled, divisions, tiled-divisions,
		// lines or tile-dimension
		Strategy string `yaml:"strategy"`

		// Divisions is used by the divisions strategies
		Divisions int `yaml:"divisions"`

		// Lines is used by the lines strategy
		Lines int `yaml:"lines"`

		// TileSize is used by the tile-dimension strategy
		TileSize int `yaml:"tileSize"`
	} `yaml:"streaming"`

	// Execution parameters
	Execution struct {
		// NumThreads specifies how many workers split each piece
		NumThreads int `yaml:"numThreads"`
	} `yaml:"execution"`

	// Logging parameters
	Logging struct {
		// Level is a logrus level name
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Output parameters
	Output struct {
		// PixelType is the on-disk sample type of raw outputs
		PixelType string `yaml:"pixelType"`

		// QuicklookFactor is the subsampling of preview images
		QuicklookFactor int `yaml:"quicklookFactor"`

		// QuicklookMaxSide bounds the longest side of preview images
		QuicklookMaxSide int `yaml:"quicklookMaxSide"`
	} `yaml:"output"`

	// Metrics parameters
	Metrics struct {
		// Addr is where /metrics is served; empty disables it
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Streaming.MemoryBudget = "64MiB"
	cfg.Streaming.Strategy = string(streaming.StrategyStripped)
	cfg.Streaming.Divisions = 8
	cfg.Streaming.Lines = 256
	cfg.Streaming.TileSize = 512

	cfg.Execution.NumThreads = runtime.NumCPU() // Use all available cores by default

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Output.PixelType = string(rawio.Float32)
	cfg.Output.QuicklookFactor = 8
	cfg.Output.QuicklookMaxSide = 1024

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks every setting; the first problem is returned as an
// errdefs.ConfigurationError.
func (c *Config) Validate() error {
	if _, err := c.MemoryBudgetBytes(); err != nil {
		return err
	}
	if _, err := c.StreamingManager(); err != nil {
		return err
	}
	if c.Execution.NumThreads <= 0 {
		return errdefs.Configuration("execution.numThreads", "must be positive, got %d", c.Execution.NumThreads)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return errdefs.Configuration("logging.level", "%v", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errdefs.Configuration("logging.format", "unknown format %q", c.Logging.Format)
	}
	if _, err := rawio.ParsePixelType(c.Output.PixelType); err != nil {
		return err
	}
	if c.Output.QuicklookFactor <= 0 {
		return errdefs.Configuration("output.quicklookFactor", "must be positive, got %d", c.Output.QuicklookFactor)
	}
	if c.Output.QuicklookMaxSide < 0 {
		return errdefs.Configuration("output.quicklookMaxSide", "must not be negative, got %d", c.Output.QuicklookMaxSide)
	}
	return nil
}

// MemoryBudgetBytes parses Streaming.MemoryBudget ("64MiB", "500 MB", "1048576").
func (c *Config) MemoryBudgetBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.Streaming.MemoryBudget)
	if err != nil {
		return 0, errdefs.Configuration("streaming.memoryBudget", "%v", err)
	}
	if n == 0 {
		return 0, errdefs.Configuration("streaming.memoryBudget", "must be positive")
	}
	return n, nil
}

// StreamingManager builds the splitting manager described by Streaming.
func (c *Config) StreamingManager() (*streaming.Manager, error) {
	strategy, err := streaming.ParseStrategy(c.Streaming.Strategy)
	if err != nil {
		return nil, err
	}
	budget, err := c.MemoryBudgetBytes()
	if err != nil {
		return nil, err
	}
	m := &streaming.Manager{
		Strategy:     strategy,
		MemoryBudget: budget,
		Divisions:    c.Streaming.Divisions,
		Lines:        c.Streaming.Lines,
		TileSize:     c.Streaming.TileSize,
	}
	switch strategy {
	case streaming.StrategyDivisions, streaming.StrategyTiledDivisions:
		if m.Divisions <= 0 {
			return nil, errdefs.Configuration("streaming.divisions", "must be positive, got %d", m.Divisions)
		}
	case streaming.StrategyLines:
		if m.Lines <= 0 {
			return nil, errdefs.Configuration("streaming.lines", "must be positive, got %d", m.Lines)
		}
	case streaming.StrategyTileDimension:
		if m.TileSize <= 0 {
			return nil, errdefs.Configuration("streaming.tileSize", "must be positive, got %d", m.TileSize)
		}
	}
	return m, nil
}

// Logger builds the logger described by Logging.
func (c *Config) Logger() (*logrus.Logger, error) {
	return logging.New(c.Logging.Level, c.Logging.Format, os.Stderr)
}

// Executor builds the worker pool described by Execution.
func (c *Config) Executor(log logrus.FieldLogger) (*executor.Executor, error) {
	return executor.New(c.Execution.NumThreads, executor.WithLogger(log))
}
