package writer

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"rasterstream/internal/models"
	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
)

// MemorySink assembles every piece into one buffer covering the extent.
type MemorySink struct {
	info   Info
	buf    *buffer.Buffer
	closed bool
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Open(_ context.Context, info Info) error {
	b, err := buffer.New(info.Bands)
	if err != nil {
		return err
	}
	b.Allocate(info.Extent)
	s.info, s.buf, s.closed = info, b, false
	return nil
}

func (s *MemorySink) WriteTile(_ context.Context, tile models.Tile, data buffer.ReadOnly) error {
	if s.buf == nil {
		return errdefs.Configuration("sink", "memory sink is not open")
	}
	buffer.CopyRegion(s.buf, data, tile.Region)
	return nil
}

func (s *MemorySink) Close(context.Context) error {
	s.closed = true
	return nil
}

// Buffer is the assembled image, in image coordinates. It is nil before Open.
func (s *MemorySink) Buffer() *buffer.Buffer { return s.buf }

// Closed reports whether the last pass completed.
func (s *MemorySink) Closed() bool { return s.closed }

// DiscardSink drops the pixels. It is used to run persistent filters over
// a whole image without keeping any output.
type DiscardSink struct {
	mu    sync.Mutex
	tiles int
}

func (s *DiscardSink) Open(context.Context, Info) error {
	s.mu.Lock()
	s.tiles = 0
	s.mu.Unlock()
	return nil
}

func (s *DiscardSink) WriteTile(context.Context, models.Tile, buffer.ReadOnly) error {
	s.mu.Lock()
	s.tiles++
	s.mu.Unlock()
	return nil
}

func (s *DiscardSink) Close(context.Context) error { return nil }

// Tiles is the number of pieces received in the last pass.
func (s *DiscardSink) Tiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tiles
}

// TeeSink hands every piece to several sinks in order. The pass streams
// only if every sink does.
type TeeSink struct {
	sinks  []Sink
	opened int
}

// NewTeeSink fans out to sinks.
func NewTeeSink(sinks ...Sink) *TeeSink { return &TeeSink{sinks: sinks} }

func (t *TeeSink) CanStream() bool {
	for _, s := range t.sinks {
		if sc, ok := s.(StreamCapable); ok && !sc.CanStream() {
			return false
		}
	}
	return true
}

// Open opens the sinks in order; on failure the ones already open are
// aborted.
func (t *TeeSink) Open(ctx context.Context, info Info) error {
	t.opened = 0
	for _, s := range t.sinks {
		if err := s.Open(ctx, info); err != nil {
			return multierr.Append(err, t.Abort())
		}
		t.opened++
	}
	return nil
}

func (t *TeeSink) WriteTile(ctx context.Context, tile models.Tile, data buffer.ReadOnly) error {
	for _, s := range t.sinks {
		if err := s.WriteTile(ctx, tile, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *TeeSink) Close(ctx context.Context) error {
	var err error
	for _, s := range t.sinks[:t.opened] {
		err = multierr.Append(err, s.Close(ctx))
	}
	t.opened = 0
	return err
}

// Abort aborts the open sinks supporting it and closes the others.
func (t *TeeSink) Abort() error {
	var err error
	for _, s := range t.sinks[:t.opened] {
		if a, ok := s.(Aborter); ok {
			err = multierr.Append(err, a.Abort())
		} else {
			err = multierr.Append(err, s.Close(context.Background()))
		}
	}
	t.opened = 0
	return err
}
