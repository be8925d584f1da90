package filters

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

// BandStatistics summarises one band.
type BandStatistics struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
	Count  int
}

type accumulator struct {
	min, max   []float64
	sum, sumSq []float64
	count      []int
}

func newAccumulator(bands int) *accumulator {
	a := &accumulator{
		min:   make([]float64, bands),
		max:   make([]float64, bands),
		sum:   make([]float64, bands),
		sumSq: make([]float64, bands),
		count: make([]int, bands),
	}
	for b := range a.min {
		a.min[b] = math.Inf(1)
		a.max[b] = math.Inf(-1)
	}
	return a
}

// StatisticsFilter passes its input through unchanged and accumulates per
// band statistics over every pixel it sees during a streamed pass. Each
// thread owns one accumulator; Synthesize merges them.
type StatisticsFilter struct {
	pipeline.Parameters

	mu sync.Mutex

	threads []*accumulator
	results []BandStatistics

	noData    float64
	hasNoData bool
}

// NewStatisticsFilter returns an empty statistics filter.
func NewStatisticsFilter() *StatisticsFilter {
	f := &StatisticsFilter{}
	f.Touch()
	return f
}

// SetNoData excludes samples equal to v from the statistics.
func (f *StatisticsFilter) SetNoData(v float64) {
	f.noData, f.hasNoData = v, true
	f.Touch()
}

// Reset drops the accumulated state.
func (f *StatisticsFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads = nil
	f.results = nil
}

// Synthesize merges the per-thread accumulators into Results.
func (f *StatisticsFilter) Synthesize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bands := 0
	for _, t := range f.threads {
		bands = max(bands, len(t.sum))
	}
	f.results = make([]BandStatistics, bands)
	for b := range f.results {
		var mins, maxs, sums, sumSqs []float64
		n := 0
		for _, t := range f.threads {
			if t.count[b] == 0 {
				continue
			}
			mins = append(mins, t.min[b])
			maxs = append(maxs, t.max[b])
			sums = append(sums, t.sum[b])
			sumSqs = append(sumSqs, t.sumSq[b])
			n += t.count[b]
		}
		if n == 0 {
			f.results[b] = BandStatistics{Min: math.NaN(), Max: math.NaN(), Mean: math.NaN(), StdDev: math.NaN()}
			continue
		}
		sum := floats.Sum(sums)
		mean := sum / float64(n)
		variance := 0.0
		if n > 1 {
			variance = (floats.Sum(sumSqs) - sum*mean) / float64(n-1)
		}
		f.results[b] = BandStatistics{
			Min:    floats.Min(mins),
			Max:    floats.Max(maxs),
			Mean:   mean,
			StdDev: math.Sqrt(max(variance, 0)),
			Count:  n,
		}
	}
	return nil
}

// Results are the statistics of the last synthesized pass, one per band.
func (f *StatisticsFilter) Results() []BandStatistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BandStatistics(nil), f.results...)
}

func (f *StatisticsFilter) GenerateOutputInformation(in []pipeline.Information) (pipeline.Information, error) {
	if len(in) != 1 {
		return pipeline.Information{}, errdefs.Configuration("inputs", "statistics takes one input, got %d", len(in))
	}
	return in[0], nil
}

func (f *StatisticsFilter) GenerateInputRequestedRegion(out region.Region, in []pipeline.Information) ([]region.Region, error) {
	return pipeline.PassThroughRegions(out, in), nil
}

// BeforeThreadedGenerateData makes sure one accumulator exists per thread.
// Existing accumulators keep their content across the pieces of a pass.
func (f *StatisticsFilter) BeforeThreadedGenerateData(numThreads int, inputs []buffer.ReadOnly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bands := inputs[0].Bands()
	for len(f.threads) < numThreads {
		f.threads = append(f.threads, newAccumulator(bands))
	}
	return nil
}

func (f *StatisticsFilter) AfterThreadedGenerateData() error { return nil }

func (f *StatisticsFilter) ThreadedGenerateData(_ context.Context, job pipeline.Job) error {
	in := job.Inputs[0]
	acc := f.threads[job.ThreadID]
	px := make([]float64, job.OutputBands)

	job.Tile.ForEachIndex(func(idx []int) {
		px = in.Pixel(idx, px)
		job.Output.SetPixel(idx, px)
		for b, v := range px {
			if math.IsNaN(v) || (f.hasNoData && v == f.noData) {
				continue
			}
			acc.min[b] = math.Min(acc.min[b], v)
			acc.max[b] = math.Max(acc.max[b], v)
			acc.sum[b] += v
			acc.sumSq[b] += v * v
			acc.count[b]++
		}
	})
	return nil
}
