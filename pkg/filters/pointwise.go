package filters

import (
	"context"

	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

// ShiftScaleFilter computes (v + Shift) * Scale on every sample.
type ShiftScaleFilter struct {
	pipeline.Parameters

	shift, scale float64
}

// NewShiftScaleFilter builds the filter.
func NewShiftScaleFilter(shift, scale float64) *ShiftScaleFilter {
	f := &ShiftScaleFilter{}
	f.Set(shift, scale)
	return f
}

// Set changes both parameters.
func (f *ShiftScaleFilter) Set(shift, scale float64) {
	f.shift, f.scale = shift, scale
	f.Touch()
}

func (f *ShiftScaleFilter) GenerateOutputInformation(in []pipeline.Information) (pipeline.Information, error) {
	if len(in) != 1 {
		return pipeline.Information{}, errdefs.Configuration("inputs", "shift-scale takes one input, got %d", len(in))
	}
	return in[0], nil
}

func (f *ShiftScaleFilter) GenerateInputRequestedRegion(out region.Region, in []pipeline.Information) ([]region.Region, error) {
	return pipeline.PassThroughRegions(out, in), nil
}

func (f *ShiftScaleFilter) ThreadedGenerateData(_ context.Context, job pipeline.Job) error {
	in := job.Inputs[0]
	job.Tile.ForEachIndex(func(idx []int) {
		for b := 0; b < job.OutputBands; b++ {
			job.Output.Set(idx, b, (in.At(idx, b)+f.shift)*f.scale)
		}
	})
	return nil
}

// PixelFunc combines the pixels of every input into out. in[i] holds all
// bands of input i.
type PixelFunc func(in [][]float64, out []float64) error

// FunctorFilter applies a PixelFunc to inputs sharing the same extent.
type FunctorFilter struct {
	pipeline.Parameters

	bands int
	fn    PixelFunc
}

// NewFunctorFilter builds an N-ary pointwise filter with outBands bands.
func NewFunctorFilter(outBands int, fn PixelFunc) (*FunctorFilter, error) {
	if outBands <= 0 {
		return nil, errdefs.Configuration("bands", "must be positive, got %d", outBands)
	}
	return &FunctorFilter{bands: outBands, fn: fn}, nil
}

func (f *FunctorFilter) GenerateOutputInformation(in []pipeline.Information) (pipeline.Information, error) {
	if len(in) == 0 {
		return pipeline.Information{}, errdefs.Configuration("inputs", "functor filter needs at least one input")
	}
	for i := 1; i < len(in); i++ {
		if !in[i].LargestPossibleRegion.Equal(in[0].LargestPossibleRegion) {
			return pipeline.Information{}, errdefs.Configuration("inputs", "input %d extent %v differs from %v",
				i, in[i].LargestPossibleRegion, in[0].LargestPossibleRegion)
		}
	}
	return pipeline.Information{LargestPossibleRegion: in[0].LargestPossibleRegion, NumberOfBands: f.bands}, nil
}

func (f *FunctorFilter) GenerateInputRequestedRegion(out region.Region, in []pipeline.Information) ([]region.Region, error) {
	return pipeline.PassThroughRegions(out, in), nil
}

func (f *FunctorFilter) ThreadedGenerateData(_ context.Context, job pipeline.Job) error {
	pixels := make([][]float64, len(job.Inputs))
	out := make([]float64, job.OutputBands)

	var err error
	job.Tile.ForEachIndex(func(idx []int) {
		if err != nil {
			return
		}
		for i, in := range job.Inputs {
			pixels[i] = in.Pixel(idx, pixels[i])
		}
		if err = f.fn(pixels, out); err != nil {
			return
		}
		job.Output.SetPixel(idx, out)
	})
	return err
}
