// Package rawio reads and writes uncompressed rasters: a binary data file
// holding pixel interleaved samples plus a YAML header describing it.
package rawio

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/region"
)

// PixelType is the on-disk sample encoding.
type PixelType string

const (
	Uint8   PixelType = "uint8"
	Uint16  PixelType = "uint16"
	Int16   PixelType = "int16"
	Int32   PixelType = "int32"
	Float32 PixelType = "float32"
	Float64 PixelType = "float64"
)

// Size is the number of bytes of one sample.
func (p PixelType) Size() int {
	switch p {
	case Uint8:
		return 1
	case Uint16, Int16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// ParsePixelType validates a type name.
func ParsePixelType(s string) (PixelType, error) {
	p := PixelType(strings.ToLower(strings.TrimSpace(s)))
	if p.Size() == 0 {
		return "", errdefs.Configuration("pixelType", "unsupported pixel type %q", s)
	}
	return p, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func (p PixelType) encode(dst []byte, order binary.ByteOrder, v float64) {
	switch p {
	case Uint8:
		dst[0] = uint8(clamp(v, 0, math.MaxUint8))
	case Uint16:
		order.PutUint16(dst, uint16(clamp(v, 0, math.MaxUint16)))
	case Int16:
		order.PutUint16(dst, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	case Int32:
		order.PutUint32(dst, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	case Float32:
		order.PutUint32(dst, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(dst, math.Float64bits(v))
	}
}

func (p PixelType) decode(src []byte, order binary.ByteOrder) float64 {
	switch p {
	case Uint8:
		return float64(src[0])
	case Uint16:
		return float64(order.Uint16(src))
	case Int16:
		return float64(int16(order.Uint16(src)))
	case Int32:
		return float64(int32(order.Uint32(src)))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(src)))
	case Float64:
		return math.Float64frombits(order.Uint64(src))
	}
	return math.NaN()
}

// Header describes a raw raster. Size and Origin are per axis, axis 0
// fastest; samples of one pixel are stored together.
type Header struct {
	Size      []int     `yaml:"size"`
	Origin    []int     `yaml:"origin,omitempty"`
	Bands     int       `yaml:"bands"`
	PixelType PixelType `yaml:"pixelType"`
	ByteOrder string    `yaml:"byteOrder"`

	// DataFile is relative to the header's directory.
	DataFile string `yaml:"dataFile"`
}

// Region is the extent described by the header.
func (h Header) Region() (region.Region, error) {
	origin := h.Origin
	if len(origin) == 0 {
		origin = make([]int, len(h.Size))
	}
	return region.New(origin, h.Size)
}

// Order resolves ByteOrder; little endian is the default.
func (h Header) Order() (binary.ByteOrder, error) {
	switch strings.ToLower(h.ByteOrder) {
	case "", "little", "le":
		return binary.LittleEndian, nil
	case "big", "be":
		return binary.BigEndian, nil
	}
	return nil, errdefs.Configuration("byteOrder", "unknown byte order %q", h.ByteOrder)
}

// Validate checks every field.
func (h Header) Validate() error {
	r, err := h.Region()
	if err != nil {
		return err
	}
	if r.IsEmpty() {
		return errdefs.Configuration("size", "empty raster %v", h.Size)
	}
	if h.Bands <= 0 {
		return errdefs.Configuration("bands", "must be positive, got %d", h.Bands)
	}
	if _, err := ParsePixelType(string(h.PixelType)); err != nil {
		return err
	}
	if _, err := h.Order(); err != nil {
		return err
	}
	if h.DataFile == "" {
		return errdefs.Configuration("dataFile", "missing")
	}
	return nil
}

// DataSize is the expected size of the data file.
func (h Header) DataSize() int64 {
	n := int64(h.Bands * h.PixelType.Size())
	for _, s := range h.Size {
		n *= int64(s)
	}
	return n
}

// LoadHeader reads and validates a header file.
func LoadHeader(path string) (Header, error) {
	var h Header
	data, err := os.ReadFile(path)
	if err != nil {
		return h, errors.Wrapf(err, "error reading header %s", path)
	}
	if err := yaml.Unmarshal(data, &h); err != nil {
		return h, errors.Wrapf(err, "error parsing header %s", path)
	}
	if err := h.Validate(); err != nil {
		return h, errors.Wrapf(err, "invalid header %s", path)
	}
	return h, nil
}

// SaveHeader writes h to path.
func SaveHeader(path string, h Header) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "error marshaling header")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "error writing header %s", path)
	}
	return nil
}

// DataPath resolves the data file of a header stored at headerPath.
func DataPath(headerPath string, h Header) string {
	if filepath.IsAbs(h.DataFile) {
		return h.DataFile
	}
	return filepath.Join(filepath.Dir(headerPath), h.DataFile)
}
