// Package quicklook renders a small preview of a streamed image: one band,
// subsampled on the fly, stretched to 16-bit grey and saved as PNG, TIFF or
// JPEG according to the file extension.
package quicklook

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"rasterstream/internal/models"
	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/writer"
)

// Sink builds the preview while the pass streams by.
type Sink struct {
	// path is where the preview is saved on Close
	path string

	// factor keeps one pixel out of factor along each axis
	factor int

	// band is the band rendered
	band int

	// maxSide bounds the saved image; 0 keeps the subsampled size
	maxSide int

	originX, originY int
	width, height    int
	samples          []float64
	img              *image.Gray16
}

// NewSink previews band of the written image into path, keeping one pixel
// out of factor along each axis.
func NewSink(path string, factor, band int) (*Sink, error) {
	if factor <= 0 {
		return nil, errdefs.Configuration("factor", "must be positive, got %d", factor)
	}
	if band < 0 {
		return nil, errdefs.Configuration("band", "must not be negative, got %d", band)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".tif", ".tiff", ".jpg", ".jpeg":
	default:
		return nil, errdefs.Configuration("path", "unsupported preview format %q", filepath.Ext(path))
	}
	return &Sink{path: path, factor: factor, band: band}, nil
}

// SetMaxSide resizes the saved preview so its longest side is at most n.
func (s *Sink) SetMaxSide(n int) { s.maxSide = n }

// Image is the rendered preview, available after Close.
func (s *Sink) Image() *image.Gray16 { return s.img }

func (s *Sink) Open(_ context.Context, info writer.Info) error {
	if info.Extent.Dimension() < 2 {
		return errdefs.Configuration("extent", "preview needs at least two axes, got %d", info.Extent.Dimension())
	}
	if s.band >= info.Bands {
		return errdefs.Configuration("band", "band %d of a %d band image", s.band, info.Bands)
	}
	s.originX, s.originY = info.Extent.Index(0), info.Extent.Index(1)
	s.width = (info.Extent.Size(0) + s.factor - 1) / s.factor
	s.height = (info.Extent.Size(1) + s.factor - 1) / s.factor
	s.samples = make([]float64, s.width*s.height)
	for i := range s.samples {
		s.samples[i] = math.NaN()
	}
	s.img = nil
	return nil
}

// WriteTile keeps the grid pixels falling inside the tile. Axes beyond the
// second are sampled at their first plane only.
func (s *Sink) WriteTile(_ context.Context, tile models.Tile, data buffer.ReadOnly) error {
	r := tile.Region
	for a := 2; a < r.Dimension(); a++ {
		if tile.Offset[a] != 0 {
			return nil
		}
	}
	idx := r.IndexSlice()
	firstX := ceilDiv(r.Index(0)-s.originX, s.factor)
	firstY := ceilDiv(r.Index(1)-s.originY, s.factor)
	for py := firstY; py < s.height; py++ {
		y := s.originY + py*s.factor
		if y >= r.Upper(1) {
			break
		}
		for px := firstX; px < s.width; px++ {
			x := s.originX + px*s.factor
			if x >= r.Upper(0) {
				break
			}
			idx[0], idx[1] = x, y
			s.samples[py*s.width+px] = data.At(idx, s.band)
		}
	}
	return nil
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Close stretches the collected samples between their min and max and
// saves the preview.
func (s *Sink) Close(context.Context) error {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range s.samples {
		if !math.IsNaN(v) {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	span := hi - lo
	img := image.NewGray16(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			v := s.samples[y*s.width+x]
			if math.IsNaN(v) || span <= 0 {
				continue
			}
			value := uint16(math.Max(0, math.Min(65535, (v-lo)/span*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	s.img = img

	out := image.Image(img)
	if s.maxSide > 0 && max(s.width, s.height) > s.maxSide {
		scale := float64(s.maxSide) / float64(max(s.width, s.height))
		w := max(1, int(float64(s.width)*scale))
		h := max(1, int(float64(s.height)*scale))
		dst := image.NewGray16(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		out = dst
	}
	return save(out, s.path)
}

// save encodes img according to the extension of filename
func save(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		err = png.Encode(file, img)
	case ".tif", ".tiff":
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = fmt.Errorf("unsupported preview format %q", filepath.Ext(filename))
	}
	if err != nil {
		return fmt.Errorf("error encoding preview %s: %w", filename, err)
	}
	return file.Close()
}
