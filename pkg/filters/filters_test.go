package filters_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/executor"
	"rasterstream/pkg/filters"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

func node(t *testing.T, name string, f pipeline.Filter, inputs ...*pipeline.ProcessObject) *pipeline.ProcessObject {
	t.Helper()
	exec, err := executor.New(3)
	require.NoError(t, err)
	po := pipeline.NewProcessObject(name, f, pipeline.WithExecutor(exec))
	for i, in := range inputs {
		require.NoError(t, po.SetInput(i, in.Output()))
	}
	return po
}

func synthetic(t *testing.T, extent region.Region, bands int, gen filters.Generator) *pipeline.ProcessObject {
	t.Helper()
	src, err := filters.NewSyntheticSource(extent, bands, gen)
	require.NoError(t, err)
	return node(t, "source", src)
}

func TestMeanOfConstantIsConstant(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 12, 9), 2, func(_ []int, band int) float64 { return float64(band + 4) })
	mean, err := filters.NewMeanFilter(2)
	require.NoError(t, err)
	po := node(t, "mean", mean, src)

	require.NoError(t, po.Update(context.Background()))
	out := po.Output().Buffer()
	for _, idx := range [][]int{{0, 0}, {11, 8}, {5, 4}} {
		assert.InDelta(t, 4.0, out.At(idx, 0), 1e-12)
		assert.InDelta(t, 5.0, out.At(idx, 1), 1e-12)
	}
}

func TestMeanOfRampKeepsInteriorAndReplicatesEdges(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 10, 10), 1, func(idx []int, _ int) float64 { return float64(idx[0]) })
	mean, _ := filters.NewMeanFilter(1)
	po := node(t, "mean", mean, src)

	require.NoError(t, po.Update(context.Background()))
	out := po.Output().Buffer()
	assert.InDelta(t, 5.0, out.At2(5, 5, 0), 1e-12)
	// at x=0 the window sees columns {0,0,1}
	assert.InDelta(t, 1.0/3, out.At2(0, 5, 0), 1e-12)
}

func TestMeanRequestsPaddedInput(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 100, 100), 1, filters.Gradient)
	mean, _ := filters.NewMeanFilter(2)
	po := node(t, "mean", mean, src)

	po.Output().SetRequestedRegion(region.New2D(10, 10, 20, 20))
	require.NoError(t, po.Update(context.Background()))
	assert.True(t, src.Output().RequestedRegion().Equal(region.New2D(8, 8, 24, 24)))

	_, err := filters.NewMeanFilter(-1)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestMeanRadiusChangeRecomputes(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 6, 6), 1, filters.Gradient)
	mean, _ := filters.NewMeanFilter(0)
	po := node(t, "mean", mean, src)
	ctx := context.Background()

	require.NoError(t, po.Update(ctx))
	assert.Equal(t, filters.Gradient([]int{0, 0}, 0), po.Output().Buffer().At2(0, 0, 0))

	require.NoError(t, mean.SetRadius(1))
	require.NoError(t, po.Update(ctx))
	assert.NotEqual(t, filters.Gradient([]int{0, 0}, 0), po.Output().Buffer().At2(0, 0, 0))
}

func TestShiftScale(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 4, 4), 1, filters.Gradient)
	po := node(t, "shift", filters.NewShiftScaleFilter(1, 2), src)

	require.NoError(t, po.Update(context.Background()))
	assert.Equal(t, (filters.Gradient([]int{3, 2}, 0)+1)*2, po.Output().Buffer().At2(3, 2, 0))
}

func TestFunctorCombinesInputs(t *testing.T) {
	extent := region.New2D(0, 0, 5, 5)
	a := synthetic(t, extent, 2, filters.Gradient)
	b := synthetic(t, extent, 1, func([]int, int) float64 { return 10 })

	fn, err := filters.NewFunctorFilter(1, func(in [][]float64, out []float64) error {
		out[0] = in[0][0] + in[0][1] + in[1][0]
		return nil
	})
	require.NoError(t, err)
	po := node(t, "sum", fn, a, b)

	require.NoError(t, po.Update(context.Background()))
	idx := []int{2, 3}
	want := filters.Gradient(idx, 0) + filters.Gradient(idx, 1) + 10
	assert.Equal(t, want, po.Output().Buffer().At(idx, 0))
	assert.Equal(t, 1, po.Output().NumberOfBands())
}

func TestFunctorRejectsMismatchedExtents(t *testing.T) {
	a := synthetic(t, region.New2D(0, 0, 5, 5), 1, filters.Gradient)
	b := synthetic(t, region.New2D(0, 0, 6, 5), 1, filters.Gradient)
	fn, _ := filters.NewFunctorFilter(1, func(in [][]float64, out []float64) error { return nil })
	po := node(t, "sum", fn, a, b)

	assert.ErrorIs(t, po.Update(context.Background()), errdefs.ErrConfiguration)
}

func TestFunctorErrorFailsTile(t *testing.T) {
	a := synthetic(t, region.New2D(0, 0, 5, 5), 1, filters.Gradient)
	boom := errors.New("bad pixel")
	fn, _ := filters.NewFunctorFilter(1, func(in [][]float64, out []float64) error {
		if in[0][0] == filters.Gradient([]int{4, 4}, 0) {
			return boom
		}
		return nil
	})
	po := node(t, "fn", fn, a)

	err := po.Update(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrComputation)
	assert.ErrorIs(t, err, boom)
}

func TestStatisticsAcrossPieces(t *testing.T) {
	extent := region.New2D(0, 0, 20, 16)
	src := synthetic(t, extent, 2, filters.Gradient)
	stats := filters.NewStatisticsFilter()
	po := node(t, "stats", stats, src)
	ctx := context.Background()

	nodes := pipeline.ResetPersistent(po.Output())
	require.Len(t, nodes, 1)
	for y := 0; y < 16; y += 4 {
		po.Output().SetRequestedRegion(region.New2D(0, y, 20, 4))
		require.NoError(t, po.Update(ctx))
	}
	require.NoError(t, pipeline.SynthesizePersistent(nodes))

	res := stats.Results()
	require.Len(t, res, 2)
	for b := 0; b < 2; b++ {
		var all []float64
		extent.ForEachIndex(func(idx []int) { all = append(all, filters.Gradient(idx, b)) })
		mean, std := stat.MeanStdDev(all, nil)

		assert.Equal(t, len(all), res[b].Count)
		assert.InDelta(t, mean, res[b].Mean, 1e-9)
		assert.InDelta(t, std, res[b].StdDev, 1e-9)
		assert.Equal(t, filters.Gradient([]int{0, 0}, b), res[b].Min)
		assert.Equal(t, filters.Gradient([]int{19, 15}, b), res[b].Max)
	}

	// a second pass starts from scratch
	pipeline.ResetPersistent(po.Output())
	po.Output().SetRequestedRegion(region.New2D(0, 0, 20, 4))
	require.NoError(t, po.Update(ctx))
	require.NoError(t, pipeline.SynthesizePersistent(nodes))
	assert.Equal(t, 80, stats.Results()[0].Count)
}

func TestStatisticsIgnoresNoData(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 4, 4), 1, func(idx []int, _ int) float64 {
		if idx[0] == 0 {
			return -9999
		}
		return 1
	})
	stats := filters.NewStatisticsFilter()
	stats.SetNoData(-9999)
	po := node(t, "stats", stats, src)

	nodes := pipeline.ResetPersistent(po.Output())
	require.NoError(t, po.Update(context.Background()))
	require.NoError(t, pipeline.SynthesizePersistent(nodes))

	res := stats.Results()[0]
	assert.Equal(t, 12, res.Count)
	assert.Equal(t, 1.0, res.Min)
	assert.Equal(t, 0.0, res.StdDev)
	assert.Equal(t, -9999.0, po.Output().Buffer().At2(0, 0, 0), "pixels pass through unchanged")
}

func TestStatisticsNoDataChangeRecomputes(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 4, 4), 1, func(idx []int, _ int) float64 {
		if idx[0] == 0 {
			return -9999
		}
		return 1
	})
	stats := filters.NewStatisticsFilter()
	po := node(t, "stats", stats, src)
	ctx := context.Background()

	require.NoError(t, po.Update(ctx))
	require.NoError(t, stats.Synthesize())
	assert.Equal(t, 16, stats.Results()[0].Count)

	stats.Reset()
	stats.SetNoData(-9999)
	require.NoError(t, po.Update(ctx))
	require.NoError(t, stats.Synthesize())
	require.Len(t, stats.Results(), 1)
	assert.Equal(t, 12, stats.Results()[0].Count)
}

func TestStatisticsWithoutPassIsEmpty(t *testing.T) {
	stats := filters.NewStatisticsFilter()
	require.NoError(t, stats.Synthesize())
	assert.Empty(t, stats.Results())
}

func TestRescaleUsesGlobalRange(t *testing.T) {
	src := synthetic(t, region.New2D(0, 0, 10, 10), 1, filters.Gradient)
	rescale, err := filters.NewRescaleFilter(0, 1)
	require.NoError(t, err)
	po := node(t, "rescale", rescale, src)

	po.Output().SetRequestedRegion(region.New2D(0, 0, 2, 2))
	require.NoError(t, po.Update(context.Background()))

	assert.True(t, src.Output().RequestedRegion().Equal(region.New2D(0, 0, 10, 10)))
	assert.True(t, po.DefeatsStreaming())

	lo, hi := filters.Gradient([]int{0, 0}, 0), filters.Gradient([]int{9, 9}, 0)
	out := po.Output().Buffer()
	assert.Equal(t, 0.0, out.At2(0, 0, 0))
	assert.InDelta(t, (filters.Gradient([]int{1, 1}, 0)-lo)/(hi-lo), out.At2(1, 1, 0), 1e-12)

	_, err = filters.NewRescaleFilter(1, 0)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestBufferSource(t *testing.T) {
	data, _ := buffer.New(1)
	data.Allocate(region.New2D(3, 3, 4, 4))
	region.New2D(3, 3, 4, 4).ForEachIndex(func(idx []int) { data.Set(idx, 0, float64(idx[0]*idx[1])) })

	src, err := filters.NewBufferSource(data)
	require.NoError(t, err)
	po := node(t, "memory", src)

	require.NoError(t, po.Update(context.Background()))
	assert.True(t, po.Output().LargestPossibleRegion().Equal(region.New2D(3, 3, 4, 4)))
	assert.Equal(t, 24.0, po.Output().Buffer().At2(4, 6, 0))

	empty, _ := buffer.New(1)
	_, err = filters.NewBufferSource(empty)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestGradientIsDistinct(t *testing.T) {
	assert.NotEqual(t, filters.Gradient([]int{1, 0}, 0), filters.Gradient([]int{0, 1}, 0))
	assert.False(t, math.IsNaN(filters.Gradient([]int{0, 0}, 3)))
}
