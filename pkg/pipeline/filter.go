package pipeline

import (
	"context"
	"sync/atomic"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/region"
)

// clock hands out modification times. Every Touch, Modified and generated
// output takes a fresh value so times are totally ordered.
var clock atomic.Uint64

func tick() uint64 { return clock.Add(1) }

// Information is what a node knows about its output before computing any pixel.
type Information struct {
	LargestPossibleRegion region.Region
	NumberOfBands         int
}

// Job is one piece of work handed to ThreadedGenerateData. Output is shared
// between threads; a job may only write the pixels of Tile. Inputs are read only.
type Job struct {
	Tile     region.Region
	ThreadID int

	Inputs      []buffer.ReadOnly
	InputInfo   []Information
	Output      *buffer.Buffer
	OutputBands int
}

// Filter is the algorithm side of a ProcessObject. Readers are filters with
// no inputs.
type Filter interface {
	// GenerateOutputInformation derives the output extent and band count
	// from the inputs' information.
	GenerateOutputInformation(inputs []Information) (Information, error)

	// GenerateInputRequestedRegion maps the region requested on the output
	// to one region per input. The engine clips each to its input's extent.
	GenerateInputRequestedRegion(output region.Region, inputs []Information) ([]region.Region, error)

	// ThreadedGenerateData computes the output pixels of job.Tile. It is
	// called concurrently for disjoint tiles.
	ThreadedGenerateData(ctx context.Context, job Job) error
}

// FullInputRequirer is implemented by filters that need their whole input
// whatever the requested output is. Such filters defeat streaming upstream.
type FullInputRequirer interface {
	RequiresFullInput() bool
}

// ThreadHooks lets a filter prepare and merge per-thread state around an
// executor run. Before sees the same read only inputs as the jobs.
type ThreadHooks interface {
	BeforeThreadedGenerateData(numThreads int, inputs []buffer.ReadOnly) error
	AfterThreadedGenerateData() error
}

// InputTimer is told, before each threaded run, the latest data time of
// the filter's inputs. The time only moves when an input was recomputed, so
// state derived from whole inputs can be kept while it stays the same.
type InputTimer interface {
	SetInputDataTime(t uint64)
}

// Accumulator is implemented by filters whose output buffer should keep
// previously computed pixels across updates, growing the buffered region
// when the new request extends it into a larger box.
type Accumulator interface {
	AccumulatesOutput() bool
}

// ModificationTimer exposes the time of the last parameter change of a
// filter. Embed Parameters to get it.
type ModificationTimer interface {
	MTime() uint64
}

// Persistent filters carry state across the pieces of a streamed pass.
// Reset is called before the first piece, Synthesize after the last.
type Persistent interface {
	Reset()
	Synthesize() error
}

// Parameters tracks the modification time of a filter's parameters. Call
// Touch from every setter.
type Parameters struct {
	mtime atomic.Uint64
}

// Touch records a parameter change.
func (p *Parameters) Touch() { p.mtime.Store(tick()) }

// MTime is the time of the last Touch.
func (p *Parameters) MTime() uint64 { return p.mtime.Load() }

// PassThroughRegions requests on every input the same region requested on
// the output. It suits pointwise filters.
func PassThroughRegions(output region.Region, inputs []Information) []region.Region {
	out := make([]region.Region, len(inputs))
	for i := range out {
		out[i] = output
	}
	return out
}
