package models

import (
	"time"

	"rasterstream/pkg/region"
)

// Tile is one piece of a streamed write.
type Tile struct {
	// Index is the position of the piece in the splitting order
	Index int

	// Region is the extent of the piece in image coordinates
	Region region.Region

	// Offset is the position of the piece inside the written extent
	Offset []int
}

// RunStats summarises one writer pass.
type RunStats struct {
	// RunID identifies the pass in logs
	RunID string

	// Extent is the written region, in image coordinates
	Extent region.Region

	// Strategy describes the splitting used
	Strategy string

	// Tiles is the number of pieces the extent was split into
	Tiles int

	// TilesWritten counts the pieces handed to the sink
	TilesWritten int

	// Bytes is the amount of pixel memory streamed through the pipeline
	Bytes uint64

	// Duration is the wall time of the pass
	Duration time.Duration

	// Err is the error ending the pass, if any
	Err error
}

// Progress is the fraction of pieces written, in [0, 1].
func (s RunStats) Progress() float64 {
	if s.Tiles == 0 {
		return 1
	}
	return float64(s.TilesWritten) / float64(s.Tiles)
}
