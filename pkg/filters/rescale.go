package filters

import (
	"context"
	"math"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

// RescaleFilter maps each band linearly from its global [min, max] onto
// [OutMin, OutMax]. Finding the global range needs the whole input, so this
// filter defeats streaming upstream of it.
type RescaleFilter struct {
	pipeline.Parameters

	outMin, outMax float64

	lo, hi []float64

	// inputTime is the data time of the input; scannedTime the one lo and
	// hi were computed from
	inputTime, scannedTime uint64
	scans                  int
}

// NewRescaleFilter builds the filter for the output range [outMin, outMax].
func NewRescaleFilter(outMin, outMax float64) (*RescaleFilter, error) {
	if outMax < outMin {
		return nil, errdefs.Configuration("range", "empty output range [%g, %g]", outMin, outMax)
	}
	f := &RescaleFilter{outMin: outMin, outMax: outMax}
	f.Touch()
	return f, nil
}

func (f *RescaleFilter) RequiresFullInput() bool { return true }

func (f *RescaleFilter) GenerateOutputInformation(in []pipeline.Information) (pipeline.Information, error) {
	if len(in) != 1 {
		return pipeline.Information{}, errdefs.Configuration("inputs", "rescale takes one input, got %d", len(in))
	}
	return in[0], nil
}

func (f *RescaleFilter) GenerateInputRequestedRegion(out region.Region, in []pipeline.Information) ([]region.Region, error) {
	reqs := make([]region.Region, len(in))
	for i := range in {
		reqs[i] = in[i].LargestPossibleRegion
	}
	return reqs, nil
}

func (f *RescaleFilter) SetInputDataTime(t uint64) { f.inputTime = t }

// BeforeThreadedGenerateData finds the band ranges of the whole input. The
// scan is skipped while the input has not been recomputed.
func (f *RescaleFilter) BeforeThreadedGenerateData(_ int, inputs []buffer.ReadOnly) error {
	if f.lo != nil && f.inputTime != 0 && f.inputTime == f.scannedTime {
		return nil
	}
	in := inputs[0]
	if in == nil || in.Region().IsEmpty() {
		return errdefs.Configuration("input", "rescale input is empty")
	}
	bands := in.Bands()
	lo, hi := make([]float64, bands), make([]float64, bands)
	for b := range lo {
		lo[b], hi[b] = math.Inf(1), math.Inf(-1)
	}
	px := make([]float64, bands)
	in.Region().ForEachIndex(func(idx []int) {
		px = in.Pixel(idx, px)
		for b, v := range px {
			lo[b] = math.Min(lo[b], v)
			hi[b] = math.Max(hi[b], v)
		}
	})
	f.lo, f.hi = lo, hi
	f.scannedTime = f.inputTime
	f.scans++
	return nil
}

func (f *RescaleFilter) AfterThreadedGenerateData() error { return nil }

func (f *RescaleFilter) ThreadedGenerateData(_ context.Context, job pipeline.Job) error {
	in := job.Inputs[0]
	span := f.outMax - f.outMin
	job.Tile.ForEachIndex(func(idx []int) {
		for b := 0; b < job.OutputBands; b++ {
			v := f.outMin
			if d := f.hi[b] - f.lo[b]; d > 0 {
				v += (in.At(idx, b) - f.lo[b]) / d * span
			}
			job.Output.Set(idx, b, v)
		}
	})
	return nil
}
