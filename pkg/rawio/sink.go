package rawio

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"rasterstream/internal/models"
	"rasterstream/pkg/buffer"
	"rasterstream/pkg/region"
	"rasterstream/pkg/writer"
)

// Sink writes a raw raster. Pieces land in a temporary file next to the
// target; Close renames it and writes the header, Abort removes it, so a
// failed pass never leaves a raster that looks complete.
type Sink struct {
	headerPath string
	pixelType  PixelType
	order      binary.ByteOrder

	header Header
	extent region.Region
	tmp    *os.File
}

// NewSink writes to headerPath, with the data file alongside it using the
// ".raw" extension.
func NewSink(headerPath string, pixelType PixelType) (*Sink, error) {
	if _, err := ParsePixelType(string(pixelType)); err != nil {
		return nil, err
	}
	return &Sink{headerPath: headerPath, pixelType: pixelType, order: binary.LittleEndian}, nil
}

// HeaderPath is where the header is written on Close.
func (s *Sink) HeaderPath() string { return s.headerPath }

// DataPath is where the data file is written on Close.
func (s *Sink) DataPath() string { return DataPath(s.headerPath, s.header) }

func dataFileName(headerPath string) string {
	base := filepath.Base(headerPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".raw"
}

func (s *Sink) Open(_ context.Context, info writer.Info) error {
	s.extent = info.Extent
	s.header = Header{
		Size:      info.Extent.SizeSlice(),
		Origin:    info.Extent.IndexSlice(),
		Bands:     info.Bands,
		PixelType: s.pixelType,
		ByteOrder: "little",
		DataFile:  dataFileName(s.headerPath),
	}

	dir := filepath.Dir(s.headerPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "error creating output directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+s.header.DataFile+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "error creating temporary data file")
	}
	if err := tmp.Truncate(s.header.DataSize()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "error sizing temporary data file")
	}
	s.tmp = tmp
	return nil
}

func (s *Sink) WriteTile(_ context.Context, tile models.Tile, data buffer.ReadOnly) error {
	if s.tmp == nil {
		return errors.New("raw sink is not open")
	}
	ss := s.pixelType.Size()
	bands := s.header.Bands
	run := tile.Region.Size(0)
	raw := make([]byte, run*bands*ss)
	rows := region.MustNew(tile.Region.IndexSlice(), append([]int{1}, tile.Region.SizeSlice()[1:]...))

	var err error
	idx := make([]int, tile.Region.Dimension())
	px := make([]float64, bands)
	rows.ForEachIndex(func(start []int) {
		if err != nil {
			return
		}
		copy(idx, start)
		for x := 0; x < run; x++ {
			idx[0] = start[0] + x
			px = data.Pixel(idx, px)
			for b, v := range px {
				p := (x*bands + b) * ss
				s.pixelType.encode(raw[p:p+ss], s.order, v)
			}
		}
		off := int64(s.extent.Offset(start)) * int64(bands*ss)
		if _, werr := s.tmp.WriteAt(raw, off); werr != nil {
			err = errors.Wrapf(werr, "error writing row %v", start)
		}
	})
	return err
}

func (s *Sink) Close(context.Context) error {
	if s.tmp == nil {
		return errors.New("raw sink is not open")
	}
	tmp := s.tmp
	s.tmp = nil
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "error syncing data file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "error closing data file")
	}
	if err := os.Rename(tmp.Name(), s.DataPath()); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "error moving data file into place")
	}
	return SaveHeader(s.headerPath, s.header)
}

// Abort discards the partial data file.
func (s *Sink) Abort() error {
	if s.tmp == nil {
		return nil
	}
	tmp := s.tmp
	s.tmp = nil
	tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil {
		return errors.Wrap(err, "error removing partial data file")
	}
	return nil
}
