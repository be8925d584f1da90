package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"rasterstream/internal/logging"
	"rasterstream/pkg/config"
	"rasterstream/pkg/rawio"
	"rasterstream/pkg/region"
)

func TestParseSynthetic(t *testing.T) {
	extent, bands, err := parseSynthetic("64x32x3")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !extent.Equal(region.New2D(0, 0, 64, 32)) || bands != 3 {
		t.Errorf("Got %v with %d bands", extent, bands)
	}
	if _, bands, _ = parseSynthetic("8X8"); bands != 1 {
		t.Errorf("Expected one band by default, got %d", bands)
	}
	for _, bad := range []string{"", "8", "8x0", "axb", "1x2x3x4"} {
		if _, _, err := parseSynthetic(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestParseBoxAndRange(t *testing.T) {
	box, err := parseBox("10, 20, 30, 40")
	if err != nil || !box.Equal(region.New2D(10, 20, 30, 40)) {
		t.Errorf("Got %v, %v", box, err)
	}
	if _, err := parseBox("1,2,3"); err == nil {
		t.Error("Expected error for three values")
	}
	if _, err := parseBox("1,2,-3,4"); err == nil {
		t.Error("Expected error for negative size")
	}

	lo, hi, err := parseRange("0,255")
	if err != nil || lo != 0 || hi != 255 {
		t.Errorf("Got %f %f %v", lo, hi, err)
	}
	if _, _, err := parseRange("0"); err == nil {
		t.Error("Expected error for a single value")
	}
}

func TestRunWritesVerifiedRaster(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rasterstream-cmd-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := config.DefaultConfig()
	opts := options{
		synthetic: "40x30x2",
		radius:    1,
		output:    filepath.Join(tmpDir, "out.yaml"),
		quicklook: filepath.Join(tmpDir, "out.png"),
		box:       "5,5,20,20",
		ram:       "4KiB",
		threads:   3,
		verify:    true,
	}
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("Invalid options: %v", err)
	}

	if err := run(context.Background(), cfg, opts, logging.Discard()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	h, err := rawio.LoadHeader(opts.output)
	if err != nil {
		t.Fatalf("Failed to load header: %v", err)
	}
	if h.Size[0] != 20 || h.Size[1] != 20 || h.Bands != 2 {
		t.Errorf("Unexpected header %+v", h)
	}
	if _, err := os.Stat(opts.quicklook); err != nil {
		t.Errorf("Preview missing: %v", err)
	}
}

func TestRunRejectsInvalidPipeline(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := options{synthetic: "10x10", rescale: "0"}
	if err := run(context.Background(), cfg, opts, logging.Discard()); err == nil {
		t.Error("Expected error for invalid rescale range")
	}
}
