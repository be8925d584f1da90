// Package verify compares two images sample by sample. It is used to check
// that a streamed pass reproduces a single block computation.
package verify

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/region"
)

// Metrics holds the per-band similarity of two images over a region.
type Metrics struct {
	Band int

	// RMSE is the root mean square difference. Zero for identical images.
	RMSE float64

	// MaxAbsDiff is the largest absolute difference of any sample.
	MaxAbsDiff float64

	// PSNR in dB, using the reference dynamic range as peak. +Inf when the
	// images are identical.
	PSNR float64

	// SSIM is a global structural similarity index; 1 for identical images.
	SSIM float64

	// EntropyDiff is the absolute difference of the 256-bin Shannon entropies.
	EntropyDiff float64
}

// Identical reports whether the band matched within tolerance.
func (m Metrics) Identical(tolerance float64) bool {
	return m.MaxAbsDiff <= tolerance
}

func (m Metrics) String() string {
	return fmt.Sprintf("band %d: rmse=%.6g max=%.6g psnr=%.2fdB ssim=%.4f entropy=%.4f",
		m.Band, m.RMSE, m.MaxAbsDiff, m.PSNR, m.SSIM, m.EntropyDiff)
}

// Compare computes one Metrics per band of reference and candidate over r.
// Both images must buffer r and carry the same number of bands.
func Compare(reference, candidate buffer.ReadOnly, r region.Region) ([]Metrics, error) {
	if reference == nil || candidate == nil {
		return nil, errdefs.Configuration("input", "nothing to compare")
	}
	if reference.Bands() != candidate.Bands() {
		return nil, errdefs.Configuration("bands", "reference has %d bands, candidate %d", reference.Bands(), candidate.Bands())
	}
	if r.IsEmpty() {
		return nil, errdefs.Configuration("region", "empty comparison region")
	}
	for _, img := range []buffer.ReadOnly{reference, candidate} {
		if !img.Region().Contains(r) {
			return nil, &errdefs.RegionUnavailableError{Node: "verify", Requested: r, Largest: img.Region()}
		}
	}

	bands := reference.Bands()
	n := r.NumberOfPixels()
	ref := make([][]float64, bands)
	cand := make([][]float64, bands)
	for b := range ref {
		ref[b] = make([]float64, 0, n)
		cand[b] = make([]float64, 0, n)
	}
	r.ForEachIndex(func(idx []int) {
		for b := 0; b < bands; b++ {
			ref[b] = append(ref[b], reference.At(idx, b))
			cand[b] = append(cand[b], candidate.At(idx, b))
		}
	})

	out := make([]Metrics, bands)
	for b := range out {
		out[b] = compareBand(b, ref[b], cand[b])
	}
	return out, nil
}

func compareBand(band int, ref, cand []float64) Metrics {
	m := Metrics{Band: band}
	diff := make([]float64, len(ref))
	floats.SubTo(diff, ref, cand)
	m.RMSE = floats.Norm(diff, 2) / math.Sqrt(float64(len(diff)))
	m.MaxAbsDiff = floats.Norm(diff, math.Inf(1))

	peak := floats.Max(ref) - floats.Min(ref)
	switch {
	case m.RMSE == 0:
		m.PSNR = math.Inf(1)
	case peak == 0:
		m.PSNR = math.Inf(-1)
	default:
		m.PSNR = 20 * math.Log10(peak/m.RMSE)
	}

	m.SSIM = ssim(ref, cand, peak)
	m.EntropyDiff = math.Abs(entropy(ref) - entropy(cand))
	return m
}

// ssim is the single window structural similarity of x and y
func ssim(x, y []float64, dynamicRange float64) float64 {
	const k1, k2 = 0.01, 0.03
	if dynamicRange <= 0 {
		dynamicRange = 1
	}
	c1 := (k1 * dynamicRange) * (k1 * dynamicRange)
	c2 := (k2 * dynamicRange) * (k2 * dynamicRange)

	muX, muY := stat.Mean(x, nil), stat.Mean(y, nil)
	var sigmaX, sigmaY, sigmaXY float64
	if len(x) > 1 {
		sigmaX = stat.Variance(x, nil)
		sigmaY = stat.Variance(y, nil)
		sigmaXY = stat.Covariance(x, y, nil)
	}

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// entropy computes the Shannon entropy of data over 256 bins
func entropy(data []float64) float64 {
	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	const numBins = 256
	hist := make([]float64, numBins)
	binWidth := (hi - lo) / numBins
	for _, v := range data {
		bin := min(int((v-lo)/binWidth), numBins-1)
		hist[max(bin, 0)]++
	}

	n := float64(len(data))
	var h float64
	for _, count := range hist {
		if count > 0 {
			p := count / n
			h -= p * math.Log2(p)
		}
	}
	return h
}
