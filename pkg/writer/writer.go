// Package writer drives a pipeline piece by piece into a Sink so images
// larger than memory can be produced under a fixed budget.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"rasterstream/internal/logging"
	"rasterstream/internal/models"
	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
	"rasterstream/pkg/streaming"
)

// DefaultMemoryBudget bounds each piece when no manager is configured.
const DefaultMemoryBudget = 64 * humanize.MiByte

// Info describes the image a sink is about to receive.
type Info struct {
	RunID string

	// Extent is the written region in image coordinates. Tiles carry their
	// offset relative to Extent's index.
	Extent region.Region
	Bands  int
}

// Sink consumes the pieces of one pass. WriteTile is called once per piece,
// in splitting order, from the goroutine running Update.
type Sink interface {
	Open(ctx context.Context, info Info) error
	WriteTile(ctx context.Context, tile models.Tile, data buffer.ReadOnly) error
	Close(ctx context.Context) error
}

// Aborter is implemented by sinks able to discard a partial output. It is
// called instead of Close when a pass fails.
type Aborter interface {
	Abort() error
}

// StreamCapable is implemented by sinks that may refuse pieces; a sink
// returning false receives the whole extent at once.
type StreamCapable interface {
	CanStream() bool
}

// Writer streams one DataObject into a Sink.
type Writer struct {
	input     *pipeline.DataObject
	sink      Sink
	manager   *streaming.Manager
	box       region.Region
	hasBox    bool
	observers []Observer
	log       logrus.FieldLogger
}

// Option configures a Writer.
type Option func(*Writer)

// WithManager sets the splitting scheme.
func WithManager(m *streaming.Manager) Option {
	return func(w *Writer) { w.manager = m }
}

// WithBox restricts the write to a sub-region of the input.
func WithBox(box region.Region) Option {
	return func(w *Writer) { w.box, w.hasBox = box, true }
}

// WithObserver adds a progress observer.
func WithObserver(o Observer) Option {
	return func(w *Writer) { w.observers = append(w.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(w *Writer) { w.log = l }
}

// New returns a writer pulling input into sink.
func New(input *pipeline.DataObject, sink Sink, opts ...Option) (*Writer, error) {
	if input == nil {
		return nil, errdefs.Configuration("input", "writer needs an input")
	}
	if sink == nil {
		return nil, errdefs.Configuration("sink", "writer needs a sink")
	}
	w := &Writer{
		input:   input,
		sink:    sink,
		manager: streaming.NewRAMManager(DefaultMemoryBudget),
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Writer) extent() (region.Region, error) {
	lpr := w.input.LargestPossibleRegion()
	if !w.hasBox {
		return lpr, nil
	}
	if w.box.Dimension() != lpr.Dimension() {
		return region.Region{}, errdefs.Configuration("box", "box has %d axes, image has %d", w.box.Dimension(), lpr.Dimension())
	}
	cropped, ok := w.box.Crop(lpr)
	if !ok {
		return region.Region{}, &errdefs.RegionUnavailableError{Node: "writer", Requested: w.box, Largest: lpr}
	}
	return cropped, nil
}

func (w *Writer) splitting(extent region.Region, bands int) (*streaming.Splitting, string, error) {
	if sc, ok := w.sink.(StreamCapable); ok && !sc.CanStream() {
		s, err := streaming.NewRAMManager(^uint64(0)).Prepare(extent, bands, buffer.SampleSize)
		return s, "single(sink)", err
	}
	if w.input.HoldsCurrent(extent) {
		s, err := streaming.NewRAMManager(^uint64(0)).Prepare(extent, bands, buffer.SampleSize)
		return s, "single(buffered)", err
	}
	s, err := w.manager.Prepare(extent, bands, buffer.SampleSize)
	return s, w.manager.String(), err
}

// Update runs one pass: every piece of the extent is requested from the
// input, computed and handed to the sink. A sink error stops the pass with
// errdefs.ErrStreamingWrite, a cancelled ctx with errdefs.ErrAborted; in
// both cases the sink is aborted when it supports it.
func (w *Writer) Update(ctx context.Context) (models.RunStats, error) {
	start := time.Now()
	stats := models.RunStats{RunID: uuid.NewString()}
	log := w.log.WithField("run_id", stats.RunID)

	// persistent nodes are reset first so the information update below
	// carries their new modification time downstream
	persistent := pipeline.ResetPersistent(w.input)
	if err := w.input.UpdateOutputInformation(); err != nil {
		return stats, err
	}
	extent, err := w.extent()
	if err != nil {
		return stats, err
	}
	bands := w.input.NumberOfBands()
	split, strategy, err := w.splitting(extent, bands)
	if err != nil {
		return stats, err
	}
	stats.Extent = extent
	stats.Strategy = strategy
	stats.Tiles = split.NumberOfSplits()

	if src := w.input.Source(); src != nil && src.DefeatsStreaming() {
		log.WithField("node", src.Name()).Warn("pipeline requires a full input upstream, streaming will not bound memory")
	}
	log.WithFields(logrus.Fields{
		"extent":   extent,
		"bands":    bands,
		"strategy": strategy,
		"tiles":    stats.Tiles,
	}).Info("starting streamed write")

	if err := w.sink.Open(ctx, Info{RunID: stats.RunID, Extent: extent, Bands: bands}); err != nil {
		return w.finish(log, stats, start, &errdefs.StreamingWriteFailure{Tile: -1, Region: extent, Err: fmt.Errorf("open: %w", err)})
	}
	for _, o := range w.observers {
		o.Started(stats)
	}

	var runErr error
	for i, piece := range split.All() {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w: before tile %d: %w", errdefs.ErrAborted, i, err)
			break
		}
		w.input.SetRequestedRegion(piece)
		if err := w.input.PropagateRequestedRegion(); err != nil {
			runErr = err
			break
		}
		if err := w.input.UpdateOutputData(ctx); err != nil {
			runErr = err
			break
		}

		tile := models.Tile{Index: i, Region: piece, Offset: offset(piece, extent)}
		if err := w.sink.WriteTile(ctx, tile, w.input.Buffer()); err != nil {
			runErr = &errdefs.StreamingWriteFailure{Tile: i, Region: piece, Err: err}
			break
		}
		stats.TilesWritten++
		stats.Bytes += uint64(piece.NumberOfPixels()*bands) * buffer.SampleSize
		log.WithFields(logrus.Fields{"tile": i, "region": piece}).Debug("tile written")
		for _, o := range w.observers {
			o.TileWritten(tile, stats)
		}
	}

	if runErr != nil {
		if a, ok := w.sink.(Aborter); ok {
			runErr = multierr.Append(runErr, a.Abort())
		}
		return w.finish(log, stats, start, runErr)
	}
	if err := w.sink.Close(ctx); err != nil {
		return w.finish(log, stats, start, &errdefs.StreamingWriteFailure{Tile: -1, Region: extent, Err: fmt.Errorf("close: %w", err)})
	}
	return w.finish(log, stats, start, pipeline.SynthesizePersistent(persistent))
}

func (w *Writer) finish(log logrus.FieldLogger, stats models.RunStats, start time.Time, err error) (models.RunStats, error) {
	stats.Duration = time.Since(start)
	stats.Err = err
	for _, o := range w.observers {
		o.Finished(stats)
	}
	entry := log.WithFields(logrus.Fields{
		"tiles":    stats.TilesWritten,
		"streamed": humanize.Bytes(stats.Bytes),
		"duration": stats.Duration,
	})
	if err != nil {
		entry.WithError(err).Error("streamed write failed")
		return stats, err
	}
	entry.Info("streamed write done")
	return stats, nil
}

func offset(piece, extent region.Region) []int {
	off := make([]int, piece.Dimension())
	for a := range off {
		off[a] = piece.Index(a) - extent.Index(a)
	}
	return off
}
