package filters

import (
	"context"

	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

// MeanFilter replaces every sample by the mean of the (2r+1)^N window around
// it. Window positions outside the image repeat the nearest edge pixel.
type MeanFilter struct {
	pipeline.Parameters

	radius int
}

// NewMeanFilter builds a mean filter with the given radius.
func NewMeanFilter(radius int) (*MeanFilter, error) {
	f := &MeanFilter{}
	if err := f.SetRadius(radius); err != nil {
		return nil, err
	}
	return f, nil
}

// Radius is the half width of the window.
func (f *MeanFilter) Radius() int { return f.radius }

// SetRadius changes the window half width.
func (f *MeanFilter) SetRadius(radius int) error {
	if radius < 0 {
		return errdefs.Configuration("radius", "must not be negative, got %d", radius)
	}
	f.radius = radius
	f.Touch()
	return nil
}

func (f *MeanFilter) GenerateOutputInformation(in []pipeline.Information) (pipeline.Information, error) {
	if len(in) != 1 {
		return pipeline.Information{}, errdefs.Configuration("inputs", "mean filter takes one input, got %d", len(in))
	}
	return in[0], nil
}

// GenerateInputRequestedRegion pads the request by the radius on every side.
func (f *MeanFilter) GenerateInputRequestedRegion(out region.Region, _ []pipeline.Information) ([]region.Region, error) {
	return []region.Region{out.Pad(f.radius)}, nil
}

func (f *MeanFilter) ThreadedGenerateData(ctx context.Context, job pipeline.Job) error {
	in := job.Inputs[0]
	lpr := job.InputInfo[0].LargestPossibleRegion
	dim := lpr.Dimension()
	bands := job.OutputBands

	side := 2*f.radius + 1
	offsets := region.MustNew(filled(dim, -f.radius), filled(dim, side))
	norm := 1 / float64(offsets.NumberOfPixels())

	sums := make([]float64, bands)
	probe := make([]int, dim)
	px := make([]float64, bands)

	var err error
	job.Tile.ForEachIndex(func(idx []int) {
		if err != nil {
			return
		}
		if idx[0] == job.Tile.Index(0) {
			err = ctx.Err()
		}
		clear(sums)
		offsets.ForEachIndex(func(off []int) {
			for a := range probe {
				probe[a] = min(max(idx[a]+off[a], lpr.Index(a)), lpr.Upper(a)-1)
			}
			px = in.Pixel(probe, px)
			for b := range sums {
				sums[b] += px[b]
			}
		})
		for b := range sums {
			job.Output.Set(idx, b, sums[b]*norm)
		}
	})
	return err
}

func filled(n, v int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
