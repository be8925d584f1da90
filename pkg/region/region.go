// Package region provides the N-dimensional box used to describe image
// extents, requests and tiles.
package region

import (
	"fmt"
	"strings"

	"rasterstream/pkg/errdefs"
)

// Region is an axis-aligned box: a start index and a size per axis.
// Axis 0 is the fastest varying (columns), the last axis the slowest.
// A Region is immutable once built; accessors return copies.
type Region struct {
	index []int
	size  []int
}

// New builds a Region. Sizes must be non-negative and both slices must have
// the same length.
func New(index, size []int) (Region, error) {
	if len(index) != len(size) {
		return Region{}, errdefs.Configuration("region", "index has %d axes, size has %d", len(index), len(size))
	}
	for i, s := range size {
		if s < 0 {
			return Region{}, errdefs.Configuration("region", "negative size %d on axis %d", s, i)
		}
	}
	r := Region{index: make([]int, len(index)), size: make([]int, len(size))}
	copy(r.index, index)
	copy(r.size, size)
	return r, nil
}

// MustNew is New for literals known to be valid.
func MustNew(index, size []int) Region {
	r, err := New(index, size)
	if err != nil {
		panic(err)
	}
	return r
}

// New2D builds a two dimensional region.
func New2D(x, y, width, height int) Region {
	return MustNew([]int{x, y}, []int{width, height})
}

// Empty returns the canonical empty region of the given dimension.
func Empty(dim int) Region {
	return Region{index: make([]int, dim), size: make([]int, dim)}
}

// Dimension is the number of axes.
func (r Region) Dimension() int { return len(r.size) }

// Index returns the start index along axis.
func (r Region) Index(axis int) int { return r.index[axis] }

// Size returns the extent along axis.
func (r Region) Size(axis int) int { return r.size[axis] }

// Upper returns the exclusive end along axis.
func (r Region) Upper(axis int) int { return r.index[axis] + r.size[axis] }

// IndexSlice returns a copy of the start index.
func (r Region) IndexSlice() []int { return append([]int(nil), r.index...) }

// SizeSlice returns a copy of the size.
func (r Region) SizeSlice() []int { return append([]int(nil), r.size...) }

// IsEmpty reports whether any axis has zero extent.
func (r Region) IsEmpty() bool {
	if len(r.size) == 0 {
		return true
	}
	for _, s := range r.size {
		if s == 0 {
			return true
		}
	}
	return false
}

// NumberOfPixels is the product of the sizes.
func (r Region) NumberOfPixels() int {
	if r.IsEmpty() {
		return 0
	}
	n := 1
	for _, s := range r.size {
		n *= s
	}
	return n
}

// Equal reports whether both regions cover the same pixels. Empty regions of
// the same dimension are equal regardless of their index.
func (r Region) Equal(o Region) bool {
	if r.Dimension() != o.Dimension() {
		return false
	}
	if r.IsEmpty() || o.IsEmpty() {
		return r.IsEmpty() && o.IsEmpty()
	}
	for i := range r.size {
		if r.index[i] != o.index[i] || r.size[i] != o.size[i] {
			return false
		}
	}
	return true
}

// ContainsIndex reports whether idx lies inside r.
func (r Region) ContainsIndex(idx []int) bool {
	if len(idx) != len(r.size) {
		return false
	}
	for i, v := range idx {
		if v < r.index[i] || v >= r.index[i]+r.size[i] {
			return false
		}
	}
	return true
}

// Contains reports whether o is fully inside r. An empty o is contained in
// every region of the same dimension.
func (r Region) Contains(o Region) bool {
	r.mustMatch(o)
	if o.IsEmpty() {
		return true
	}
	if r.IsEmpty() {
		return false
	}
	for i := range r.size {
		if o.index[i] < r.index[i] || o.Upper(i) > r.Upper(i) {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of r and o, or the canonical empty region
// when they are disjoint on any axis.
func (r Region) Intersect(o Region) Region {
	r.mustMatch(o)
	if r.IsEmpty() || o.IsEmpty() {
		return Empty(r.Dimension())
	}
	out := Region{index: make([]int, len(r.size)), size: make([]int, len(r.size))}
	for i := range r.size {
		lo := max(r.index[i], o.index[i])
		hi := min(r.Upper(i), o.Upper(i))
		if hi <= lo {
			return Empty(r.Dimension())
		}
		out.index[i] = lo
		out.size[i] = hi - lo
	}
	return out
}

// Crop restricts r to bounds. The boolean is false when nothing of r lies
// inside bounds, in which case the empty region is returned.
func (r Region) Crop(bounds Region) (Region, bool) {
	c := r.Intersect(bounds)
	return c, !c.IsEmpty()
}

// Pad grows r by radius[i] on both sides of axis i. A single radius value
// applies to every axis; no value leaves r unchanged.
func (r Region) Pad(radius ...int) Region {
	out := Region{index: r.IndexSlice(), size: r.SizeSlice()}
	for i := range out.size {
		rad := 0
		switch len(radius) {
		case 0:
		case 1:
			rad = radius[0]
		default:
			rad = radius[i]
		}
		out.index[i] -= rad
		out.size[i] = max(0, out.size[i]+2*rad)
	}
	return out
}

// Translate shifts the start index by offset.
func (r Region) Translate(offset []int) Region {
	out := Region{index: r.IndexSlice(), size: r.SizeSlice()}
	for i := range out.index {
		out.index[i] += offset[i]
	}
	return out
}

// Union returns the bounding box of r and o. exact is true when the box
// covers no pixel outside r and o.
func (r Region) Union(o Region) (box Region, exact bool) {
	r.mustMatch(o)
	switch {
	case o.IsEmpty() || r.Contains(o):
		return r, true
	case r.IsEmpty() || o.Contains(r):
		return o, true
	}
	box = Region{index: make([]int, len(r.size)), size: make([]int, len(r.size))}
	differing := 0
	for i := range r.size {
		lo := min(r.index[i], o.index[i])
		hi := max(r.Upper(i), o.Upper(i))
		box.index[i] = lo
		box.size[i] = hi - lo
		if r.index[i] != o.index[i] || r.size[i] != o.size[i] {
			differing++
			// the two intervals must overlap or touch on the axis that grows
			if max(r.index[i], o.index[i]) > min(r.Upper(i), o.Upper(i)) {
				differing = len(r.size) + 1
			}
		}
	}
	return box, differing <= 1
}

// Offset returns the linear, row-major position of idx inside r, axis 0
// fastest. idx must lie inside r.
func (r Region) Offset(idx []int) int {
	off, stride := 0, 1
	for i := range r.size {
		off += (idx[i] - r.index[i]) * stride
		stride *= r.size[i]
	}
	return off
}

// ForEachIndex calls fn with every index of r in row-major order. The slice
// passed to fn is reused between calls.
func (r Region) ForEachIndex(fn func(idx []int)) {
	if r.IsEmpty() {
		return
	}
	idx := r.IndexSlice()
	for {
		fn(idx)
		axis := 0
		for ; axis < len(idx); axis++ {
			idx[axis]++
			if idx[axis] < r.Upper(axis) {
				break
			}
			idx[axis] = r.index[axis]
		}
		if axis == len(idx) {
			return
		}
	}
}

func (r Region) String() string {
	if r.IsEmpty() {
		return fmt.Sprintf("empty[%dD]", r.Dimension())
	}
	var idx, sz []string
	for i := range r.size {
		idx = append(idx, fmt.Sprint(r.index[i]))
		sz = append(sz, fmt.Sprint(r.size[i]))
	}
	return fmt.Sprintf("{index:(%s) size:(%s)}", strings.Join(idx, ","), strings.Join(sz, ","))
}

func (r Region) mustMatch(o Region) {
	if r.Dimension() != o.Dimension() {
		panic(fmt.Sprintf("region: dimension mismatch %d vs %d", r.Dimension(), o.Dimension()))
	}
}
