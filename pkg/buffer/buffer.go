// Package buffer holds pixel storage for one data object.
package buffer

import (
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/region"
)

// SampleSize is the in-memory size in bytes of one sample.
const SampleSize = 8

// ReadOnly is the view of a buffer handed to filters for their inputs.
type ReadOnly interface {
	Region() region.Region
	Bands() int
	At(idx []int, band int) float64
	At2(x, y, band int) float64
	Pixel(idx []int, dst []float64) []float64
}

// Buffer is a contiguous, pixel interleaved store of float64 samples covering
// an allocated region. Pixels are stored row-major with axis 0 fastest and
// addressed by absolute index.
type Buffer struct {
	bands     int
	allocated region.Region
	samples   []float64
}

// New returns an unallocated buffer with the given number of bands.
func New(bands int) (*Buffer, error) {
	if bands <= 0 {
		return nil, errdefs.Configuration("bands", "must be positive, got %d", bands)
	}
	return &Buffer{bands: bands}, nil
}

// Allocate makes sure r is backed by storage. Nothing happens if the current
// allocation already contains r; otherwise the old content is dropped and
// storage for exactly r is acquired. The return value reports whether a new
// allocation happened.
func (b *Buffer) Allocate(r region.Region) bool {
	if b.samples != nil && b.allocated.Dimension() == r.Dimension() && b.allocated.Contains(r) {
		return false
	}
	b.allocated = r
	b.samples = make([]float64, r.NumberOfPixels()*b.bands)
	return true
}

// Release drops the storage.
func (b *Buffer) Release() {
	b.samples = nil
	b.allocated = region.Region{}
}

// Region is the allocated region.
func (b *Buffer) Region() region.Region { return b.allocated }

// Bands is the number of samples per pixel.
func (b *Buffer) Bands() int { return b.bands }

// Len is the number of samples held.
func (b *Buffer) Len() int { return len(b.samples) }

// SizeInBytes is the memory held by the samples.
func (b *Buffer) SizeInBytes() uint64 { return uint64(len(b.samples)) * SampleSize }

// Samples exposes the raw storage.
func (b *Buffer) Samples() []float64 { return b.samples }

func (b *Buffer) offset(idx []int, band int) int {
	if b.samples == nil || band < 0 || band >= b.bands || !b.allocated.ContainsIndex(idx) {
		panic(&errdefs.OutOfRangeError{Index: append([]int(nil), idx...), Band: band, Allocated: b.allocated})
	}
	return b.allocated.Offset(idx)*b.bands + band
}

func (b *Buffer) offset2(x, y, band int) int {
	r := b.allocated
	if b.samples == nil || r.Dimension() != 2 || band < 0 || band >= b.bands ||
		x < r.Index(0) || x >= r.Upper(0) || y < r.Index(1) || y >= r.Upper(1) {
		panic(&errdefs.OutOfRangeError{Index: []int{x, y}, Band: band, Allocated: r})
	}
	return ((y-r.Index(1))*r.Size(0)+(x-r.Index(0)))*b.bands + band
}

// At returns one sample. Access outside the allocation panics.
func (b *Buffer) At(idx []int, band int) float64 { return b.samples[b.offset(idx, band)] }

// Set stores one sample. Access outside the allocation panics.
func (b *Buffer) Set(idx []int, band int, v float64) { b.samples[b.offset(idx, band)] = v }

// At2 is At for two dimensional buffers.
func (b *Buffer) At2(x, y, band int) float64 { return b.samples[b.offset2(x, y, band)] }

// Set2 is Set for two dimensional buffers.
func (b *Buffer) Set2(x, y, band int, v float64) { b.samples[b.offset2(x, y, band)] = v }

// Pixel copies every band of idx into dst, growing it if needed.
func (b *Buffer) Pixel(idx []int, dst []float64) []float64 {
	off := b.offset(idx, 0)
	if cap(dst) < b.bands {
		dst = make([]float64, b.bands)
	}
	dst = dst[:b.bands]
	copy(dst, b.samples[off:off+b.bands])
	return dst
}

// SetPixel stores every band of idx from src.
func (b *Buffer) SetPixel(idx []int, src []float64) {
	off := b.offset(idx, 0)
	copy(b.samples[off:off+b.bands], src)
}

// Fill sets every sample of r, which must be allocated, to v.
func (b *Buffer) Fill(r region.Region, v float64) {
	r.ForEachIndex(func(idx []int) {
		off := b.offset(idx, 0)
		for c := 0; c < b.bands; c++ {
			b.samples[off+c] = v
		}
	})
}

// CopyRegion copies the pixels of r from src into dst. Both must contain r
// and carry the same number of bands.
func CopyRegion(dst *Buffer, src ReadOnly, r region.Region) {
	if src.Bands() != dst.bands {
		panic(errdefs.Configuration("bands", "copy between %d and %d bands", src.Bands(), dst.bands))
	}
	if r.IsEmpty() {
		return
	}
	if sb, ok := src.(*Buffer); ok {
		copyRows(dst, sb, r)
		return
	}
	px := make([]float64, dst.bands)
	r.ForEachIndex(func(idx []int) {
		px = src.Pixel(idx, px)
		dst.SetPixel(idx, px)
	})
}

// copyRows copies contiguous runs along axis 0.
func copyRows(dst, src *Buffer, r region.Region) {
	if !dst.allocated.Contains(r) || !src.allocated.Contains(r) {
		panic(&errdefs.OutOfRangeError{Index: r.IndexSlice(), Allocated: dst.allocated})
	}
	run := r.Size(0) * dst.bands
	rows := region.MustNew(r.IndexSlice(), append([]int{1}, r.SizeSlice()[1:]...))
	rows.ForEachIndex(func(idx []int) {
		so := src.allocated.Offset(idx) * src.bands
		do := dst.allocated.Offset(idx) * dst.bands
		copy(dst.samples[do:do+run], src.samples[so:so+run])
	})
}
