package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/streaming"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
	if cfg.Execution.NumThreads != runtime.NumCPU() {
		t.Errorf("Expected %d threads, got %d", runtime.NumCPU(), cfg.Execution.NumThreads)
	}
	budget, err := cfg.MemoryBudgetBytes()
	if err != nil {
		t.Fatalf("Failed to parse budget: %v", err)
	}
	if budget != 64<<20 {
		t.Errorf("Expected 64MiB, got %d", budget)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(os.TempDir(), "rasterstream-does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Streaming.Strategy != string(streaming.StrategyStripped) {
		t.Errorf("Expected default strategy, got %q", cfg.Streaming.Strategy)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rasterstream-config-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "conf", "rasterstream.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}

	partial := []byte("streaming:\n  memoryBudget: 1 MB\n  strategy: tile-dimension\n  tileSize: 100\n")
	if err := os.WriteFile(path, partial, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	m, err := cfg.StreamingManager()
	if err != nil {
		t.Fatalf("Failed to build manager: %v", err)
	}
	if m.Strategy != streaming.StrategyTileDimension || m.TileSize != 100 || m.MemoryBudget != 1000000 {
		t.Errorf("Unexpected manager %+v", m)
	}
	// keys absent from the file keep their defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default level, got %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"budget", func(c *Config) { c.Streaming.MemoryBudget = "lots" }},
		{"zero budget", func(c *Config) { c.Streaming.MemoryBudget = "0" }},
		{"strategy", func(c *Config) { c.Streaming.Strategy = "spiral" }},
		{"lines", func(c *Config) { c.Streaming.Strategy = "lines"; c.Streaming.Lines = 0 }},
		{"divisions", func(c *Config) { c.Streaming.Strategy = "divisions"; c.Streaming.Divisions = -1 }},
		{"tile size", func(c *Config) { c.Streaming.Strategy = "tile-dimension"; c.Streaming.TileSize = 0 }},
		{"threads", func(c *Config) { c.Execution.NumThreads = 0 }},
		{"level", func(c *Config) { c.Logging.Level = "loud" }},
		{"format", func(c *Config) { c.Logging.Format = "xml" }},
		{"pixel type", func(c *Config) { c.Output.PixelType = "complex" }},
		{"quicklook", func(c *Config) { c.Output.QuicklookFactor = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, errdefs.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rasterstream-config-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "bad.yaml")
	os.WriteFile(path, []byte("execution:\n  numThreads: -2\n"), 0644)
	if _, err := LoadConfig(path); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}

	os.WriteFile(path, []byte("streaming: [1, 2"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestBuilders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.NumThreads = 3
	cfg.Logging.Format = "json"

	log, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Failed to build logger: %v", err)
	}
	ex, err := cfg.Executor(log)
	if err != nil {
		t.Fatalf("Failed to build executor: %v", err)
	}
	if ex.Workers() != 3 {
		t.Errorf("Expected 3 workers, got %d", ex.Workers())
	}
}
