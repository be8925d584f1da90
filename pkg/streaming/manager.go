// Package streaming splits a region into the pieces a writer pulls one at a
// time, under a memory budget or a fixed division scheme.
package streaming

import (
	"fmt"
	"iter"
	"math"
	"strings"

	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/region"
)

// Strategy selects how a region is divided.
type Strategy string

const (
	// StrategyStripped divides along the slowest axis so each piece fits the
	// memory budget, descending into a row when a single row does not fit.
	StrategyStripped Strategy = "stripped"
	// StrategyTiled uses square tiles on the first two axes sized to the budget.
	StrategyTiled Strategy = "tiled"
	// StrategyDivisions cuts the slowest axis into a number of strips.
	StrategyDivisions Strategy = "divisions"
	// StrategyTiledDivisions cuts the first two axes into about N square tiles.
	StrategyTiledDivisions Strategy = "tiled-divisions"
	// StrategyLines uses strips of a fixed number of lines.
	StrategyLines Strategy = "lines"
	// StrategyTileDimension uses square tiles of a fixed side.
	StrategyTileDimension Strategy = "tile-dimension"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyStripped, StrategyTiled, StrategyDivisions, StrategyTiledDivisions, StrategyLines, StrategyTileDimension:
		return st, nil
	case "":
		return StrategyStripped, nil
	}
	return "", errdefs.Configuration("strategy", "unknown streaming strategy %q", s)
}

// Manager holds the parameters of one splitting scheme.
type Manager struct {
	Strategy Strategy

	// MemoryBudget in bytes, for the RAM driven strategies.
	MemoryBudget uint64

	// Divisions for StrategyDivisions and StrategyTiledDivisions.
	Divisions int

	// Lines per strip for StrategyLines.
	Lines int

	// TileSize is the tile side for StrategyTileDimension.
	TileSize int
}

// NewRAMManager returns a stripped manager bounded by budget bytes.
func NewRAMManager(budget uint64) *Manager {
	return &Manager{Strategy: StrategyStripped, MemoryBudget: budget}
}

func (m *Manager) String() string {
	switch m.Strategy {
	case StrategyDivisions, StrategyTiledDivisions:
		return fmt.Sprintf("%s(%d)", m.Strategy, m.Divisions)
	case StrategyLines:
		return fmt.Sprintf("%s(%d)", m.Strategy, m.Lines)
	case StrategyTileDimension:
		return fmt.Sprintf("%s(%d)", m.Strategy, m.TileSize)
	}
	return fmt.Sprintf("%s(%dB)", m.Strategy, m.MemoryBudget)
}

// Prepare computes the splitting of full. bands and bytesPerSample describe
// one pixel of the data that will be held in memory per piece.
func (m *Manager) Prepare(full region.Region, bands, bytesPerSample int) (*Splitting, error) {
	if bands <= 0 {
		return nil, errdefs.Configuration("bands", "must be positive, got %d", bands)
	}
	if bytesPerSample <= 0 {
		return nil, errdefs.Configuration("bytesPerSample", "must be positive, got %d", bytesPerSample)
	}
	pixelBytes := uint64(bands) * uint64(bytesPerSample)

	switch m.Strategy {
	case StrategyStripped, "":
		return stripped(full, m.MemoryBudget, pixelBytes)
	case StrategyTiled:
		if err := checkBudget(m.MemoryBudget, pixelBytes); err != nil {
			return nil, err
		}
		side := int(math.Sqrt(float64(m.MemoryBudget / pixelBytes)))
		return newSplitting(full, squareShape(full, max(side, 1))), nil
	case StrategyDivisions:
		if m.Divisions <= 0 {
			return nil, errdefs.Configuration("divisions", "must be positive, got %d", m.Divisions)
		}
		return byDivisions(full, m.Divisions), nil
	case StrategyTiledDivisions:
		if m.Divisions <= 0 {
			return nil, errdefs.Configuration("divisions", "must be positive, got %d", m.Divisions)
		}
		pixels := planePixels(full)
		side := int(math.Ceil(math.Sqrt(float64(pixels) / float64(m.Divisions))))
		return newSplitting(full, squareShape(full, max(side, 1))), nil
	case StrategyLines:
		if m.Lines <= 0 {
			return nil, errdefs.Configuration("lines", "must be positive, got %d", m.Lines)
		}
		return newSplitting(full, linesShape(full, m.Lines)), nil
	case StrategyTileDimension:
		if m.TileSize <= 0 {
			return nil, errdefs.Configuration("tileSize", "must be positive, got %d", m.TileSize)
		}
		return newSplitting(full, squareShape(full, m.TileSize)), nil
	}
	return nil, errdefs.Configuration("strategy", "unknown streaming strategy %q", m.Strategy)
}

// Split divides full into pieces of at most budget bytes, each pixel holding
// bands samples of bytesPerSample bytes. Pieces are taken along the slowest
// axis first.
func Split(full region.Region, budget uint64, bands, bytesPerSample int) (*Splitting, error) {
	return NewRAMManager(budget).Prepare(full, bands, bytesPerSample)
}

// SplitByDivisions cuts r into at most n strips along its slowest non
// trivial axis. Fewer pieces come back when the axis is shorter than n.
func SplitByDivisions(r region.Region, n int) []region.Region {
	if n < 1 {
		n = 1
	}
	return byDivisions(r, n).Tiles()
}

func checkBudget(budget, pixelBytes uint64) error {
	if budget == 0 {
		return errdefs.Configuration("memoryBudget", "must be positive")
	}
	if budget < pixelBytes {
		return errdefs.Configuration("memoryBudget", "%d bytes cannot hold a single %d byte pixel", budget, pixelBytes)
	}
	return nil
}

func stripped(full region.Region, budget, pixelBytes uint64) (*Splitting, error) {
	if err := checkBudget(budget, pixelBytes); err != nil {
		return nil, err
	}
	dim := full.Dimension()
	shape := make([]int, dim)
	if full.IsEmpty() {
		return newSplitting(full, shape), nil
	}

	// unit is the byte size of one slab of thickness 1 along axis a
	unit := make([]uint64, dim)
	unit[0] = pixelBytes
	for a := 1; a < dim; a++ {
		unit[a] = unit[a-1] * uint64(full.Size(a-1))
	}
	a := dim - 1
	for a > 0 && unit[a] > budget {
		a--
	}
	for i := range shape {
		switch {
		case i < a:
			shape[i] = full.Size(i)
		case i == a:
			shape[i] = int(min(uint64(full.Size(i)), budget/unit[a]))
		default:
			shape[i] = 1
		}
	}
	return newSplitting(full, shape), nil
}

func byDivisions(full region.Region, n int) *Splitting {
	dim := full.Dimension()
	shape := full.SizeSlice()
	if full.IsEmpty() {
		return newSplitting(full, shape)
	}
	a := dim - 1
	for a > 0 && full.Size(a) == 1 {
		a--
	}
	shape[a] = (full.Size(a) + n - 1) / n
	return newSplitting(full, shape)
}

func planePixels(full region.Region) int {
	p := full.Size(0)
	if full.Dimension() > 1 {
		p *= full.Size(1)
	}
	return p
}

func squareShape(full region.Region, side int) []int {
	shape := make([]int, full.Dimension())
	for i := range shape {
		if i < 2 {
			shape[i] = min(side, full.Size(i))
		} else {
			shape[i] = 1
		}
	}
	return shape
}

func linesShape(full region.Region, lines int) []int {
	shape := make([]int, full.Dimension())
	for i := range shape {
		switch {
		case full.Dimension() == 1:
			shape[i] = min(lines, full.Size(i))
		case i == 0:
			shape[i] = full.Size(0)
		case i == 1:
			shape[i] = min(lines, full.Size(1))
		default:
			shape[i] = 1
		}
	}
	return shape
}

// Splitting is a regular grid of pieces over a region. Pieces are computed on
// demand; iterating twice yields the same sequence.
type Splitting struct {
	full   region.Region
	shape  []int
	counts []int
	total  int
}

func newSplitting(full region.Region, shape []int) *Splitting {
	s := &Splitting{full: full, shape: shape, counts: make([]int, full.Dimension())}
	if full.IsEmpty() {
		return s
	}
	s.total = 1
	for i := range shape {
		shape[i] = max(shape[i], 1)
		s.counts[i] = (full.Size(i) + shape[i] - 1) / shape[i]
		s.total *= s.counts[i]
	}
	return s
}

// Region is the region being split.
func (s *Splitting) Region() region.Region { return s.full }

// NumberOfSplits is the number of pieces.
func (s *Splitting) NumberOfSplits() int { return s.total }

// TileShape is the nominal size of a piece; pieces on the far edges may be smaller.
func (s *Splitting) TileShape() []int { return append([]int(nil), s.shape...) }

// Split returns piece i, 0 <= i < NumberOfSplits. Axis 0 varies fastest.
func (s *Splitting) Split(i int) region.Region {
	if i < 0 || i >= s.total {
		panic(fmt.Sprintf("streaming: split %d out of [0,%d)", i, s.total))
	}
	dim := s.full.Dimension()
	index := make([]int, dim)
	size := make([]int, dim)
	for a := 0; a < dim; a++ {
		c := i % s.counts[a]
		i /= s.counts[a]
		index[a] = s.full.Index(a) + c*s.shape[a]
		size[a] = min(s.shape[a], s.full.Upper(a)-index[a])
	}
	return region.MustNew(index, size)
}

// All yields every piece with its position.
func (s *Splitting) All() iter.Seq2[int, region.Region] {
	return func(yield func(int, region.Region) bool) {
		for i := 0; i < s.total; i++ {
			if !yield(i, s.Split(i)) {
				return
			}
		}
	}
}

// Tiles materializes every piece.
func (s *Splitting) Tiles() []region.Region {
	out := make([]region.Region, 0, s.total)
	for _, r := range s.All() {
		out = append(out, r)
	}
	return out
}
