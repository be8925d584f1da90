package rawio

import (
	"context"
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"

	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
)

// Reader is a pipeline source reading the requested pieces of a raw raster.
type Reader struct {
	pipeline.Parameters

	path   string
	header Header
	extent region.Region
	order  binary.ByteOrder

	mu   sync.Mutex
	file *os.File
}

// NewReader returns a reader for the raster described by headerPath. The
// header is read when the pipeline asks for output information.
func NewReader(headerPath string) *Reader {
	r := &Reader{path: headerPath}
	r.Touch()
	return r
}

// Header is the header of the last opened raster.
func (r *Reader) Header() Header { return r.header }

// SetPath points the reader at another raster.
func (r *Reader) SetPath(headerPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	r.path = headerPath
	r.Touch()
}

func (r *Reader) GenerateOutputInformation([]pipeline.Information) (pipeline.Information, error) {
	h, err := LoadHeader(r.path)
	if err != nil {
		return pipeline.Information{}, err
	}
	extent, err := h.Region()
	if err != nil {
		return pipeline.Information{}, err
	}
	order, err := h.Order()
	if err != nil {
		return pipeline.Information{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	f, err := os.Open(DataPath(r.path, h))
	if err != nil {
		return pipeline.Information{}, errors.Wrap(err, "error opening raster data")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return pipeline.Information{}, errors.Wrap(err, "error reading raster data size")
	}
	if st.Size() < h.DataSize() {
		f.Close()
		return pipeline.Information{}, errors.Errorf("raster data %s holds %d bytes, header needs %d", f.Name(), st.Size(), h.DataSize())
	}
	r.header, r.extent, r.order, r.file = h, extent, order, f
	return pipeline.Information{LargestPossibleRegion: extent, NumberOfBands: h.Bands}, nil
}

func (r *Reader) GenerateInputRequestedRegion(region.Region, []pipeline.Information) ([]region.Region, error) {
	return nil, nil
}

// ThreadedGenerateData reads the tile one row at a time. ReadAt is safe for
// concurrent use on the same file.
func (r *Reader) ThreadedGenerateData(ctx context.Context, job pipeline.Job) error {
	r.mu.Lock()
	f := r.file
	r.mu.Unlock()
	if f == nil {
		return errors.New("raster data is not open")
	}

	pt := r.header.PixelType
	ss := pt.Size()
	bands := r.header.Bands
	run := job.Tile.Size(0)
	raw := make([]byte, run*bands*ss)
	rows := region.MustNew(job.Tile.IndexSlice(), append([]int{1}, job.Tile.SizeSlice()[1:]...))

	var err error
	idx := make([]int, job.Tile.Dimension())
	rows.ForEachIndex(func(start []int) {
		if err != nil {
			return
		}
		if err = ctx.Err(); err != nil {
			return
		}
		off := int64(r.extent.Offset(start)) * int64(bands*ss)
		if _, rerr := f.ReadAt(raw, off); rerr != nil {
			err = errors.Wrapf(rerr, "error reading row %v", start)
			return
		}
		copy(idx, start)
		for x := 0; x < run; x++ {
			idx[0] = start[0] + x
			for b := 0; b < bands; b++ {
				p := (x*bands + b) * ss
				job.Output.Set(idx, b, pt.decode(raw[p:p+ss], r.order))
			}
		}
	})
	return err
}

// Close releases the data file.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Reader) closeLocked() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
