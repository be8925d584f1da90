// Package filters holds the sources and filters shipped with the engine:
// small, well understood algorithms that exercise the pipeline protocol.
package filters

import (
	"context"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

// Generator returns the value of one sample.
type Generator func(idx []int, band int) float64

// SyntheticSource produces an image from a Generator.
type SyntheticSource struct {
	pipeline.Parameters

	extent region.Region
	bands  int
	gen    Generator
}

// NewSyntheticSource builds a source covering extent with the given bands.
func NewSyntheticSource(extent region.Region, bands int, gen Generator) (*SyntheticSource, error) {
	if bands <= 0 {
		return nil, errdefs.Configuration("bands", "must be positive, got %d", bands)
	}
	if extent.IsEmpty() {
		return nil, errdefs.Configuration("extent", "must not be empty")
	}
	return &SyntheticSource{extent: extent, bands: bands, gen: gen}, nil
}

// Gradient is a deterministic test pattern mixing position and band.
func Gradient(idx []int, band int) float64 {
	v := float64(band) * 7
	scale := 1.0
	for _, i := range idx {
		v += float64(i) * scale
		scale *= 3
	}
	return v
}

// SetGenerator replaces the pattern.
func (s *SyntheticSource) SetGenerator(gen Generator) {
	s.gen = gen
	s.Touch()
}

func (s *SyntheticSource) GenerateOutputInformation([]pipeline.Information) (pipeline.Information, error) {
	return pipeline.Information{LargestPossibleRegion: s.extent, NumberOfBands: s.bands}, nil
}

func (s *SyntheticSource) GenerateInputRequestedRegion(region.Region, []pipeline.Information) ([]region.Region, error) {
	return nil, nil
}

func (s *SyntheticSource) ThreadedGenerateData(ctx context.Context, job pipeline.Job) error {
	job.Tile.ForEachIndex(func(idx []int) {
		for b := 0; b < job.OutputBands; b++ {
			job.Output.Set(idx, b, s.gen(idx, b))
		}
	})
	return ctx.Err()
}

// BufferSource exposes an in-memory buffer as the head of a pipeline.
type BufferSource struct {
	pipeline.Parameters

	data *buffer.Buffer
}

// NewBufferSource wraps data; its allocated region becomes the extent.
func NewBufferSource(data *buffer.Buffer) (*BufferSource, error) {
	if data == nil || data.Region().IsEmpty() {
		return nil, errdefs.Configuration("buffer", "source buffer is not allocated")
	}
	return &BufferSource{data: data}, nil
}

// SetBuffer swaps the wrapped data.
func (s *BufferSource) SetBuffer(data *buffer.Buffer) {
	s.data = data
	s.Touch()
}

func (s *BufferSource) GenerateOutputInformation([]pipeline.Information) (pipeline.Information, error) {
	return pipeline.Information{LargestPossibleRegion: s.data.Region(), NumberOfBands: s.data.Bands()}, nil
}

func (s *BufferSource) GenerateInputRequestedRegion(region.Region, []pipeline.Information) ([]region.Region, error) {
	return nil, nil
}

func (s *BufferSource) ThreadedGenerateData(_ context.Context, job pipeline.Job) error {
	buffer.CopyRegion(job.Output, s.data, job.Tile)
	return nil
}
