package rawio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"rasterstream/internal/models"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/filters"
	"rasterstream/pkg/pipeline"
	"rasterstream/pkg/region"
	"rasterstream/pkg/streaming"
	"rasterstream/pkg/writer"
)

// createTempDir creates a temporary directory for test files
func createTempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "rasterstream-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	return dir
}

// writeSynthetic streams a gradient image into sink
func writeSynthetic(t *testing.T, sink writer.Sink, extent region.Region, bands int, opts ...writer.Option) {
	src, err := filters.NewSyntheticSource(extent, bands, filters.Gradient)
	if err != nil {
		t.Fatalf("Failed to create source: %v", err)
	}
	po := pipeline.NewProcessObject("source", src)
	opts = append(opts, writer.WithManager(&streaming.Manager{Strategy: streaming.StrategyLines, Lines: 3}))
	w, err := writer.New(po.Output(), sink, opts...)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if _, err := w.Update(context.Background()); err != nil {
		t.Fatalf("Streamed write failed: %v", err)
	}
}

// readAll reads a raster back through a pipeline
func readAll(t *testing.T, headerPath string) *pipeline.DataObject {
	reader := NewReader(headerPath)
	t.Cleanup(func() { reader.Close() })
	po := pipeline.NewProcessObject("reader", reader)
	if err := po.Update(context.Background()); err != nil {
		t.Fatalf("Failed to read %s: %v", headerPath, err)
	}
	return po.Output()
}

func TestRoundTripFloat64(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	headerPath := filepath.Join(tmpDir, "out", "image.yaml")
	sink, err := NewSink(headerPath, Float64)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	extent := region.New2D(0, 0, 17, 11)
	writeSynthetic(t, sink, extent, 3)

	if _, err := os.Stat(filepath.Join(tmpDir, "out", "image.raw")); err != nil {
		t.Fatalf("Data file missing: %v", err)
	}

	out := readAll(t, headerPath)
	if !out.LargestPossibleRegion().Equal(extent) {
		t.Fatalf("Extent mismatch: got %v, want %v", out.LargestPossibleRegion(), extent)
	}
	if out.NumberOfBands() != 3 {
		t.Fatalf("Expected 3 bands, got %d", out.NumberOfBands())
	}
	extent.ForEachIndex(func(idx []int) {
		for b := 0; b < 3; b++ {
			if got, want := out.Buffer().At(idx, b), filters.Gradient(idx, b); got != want {
				t.Errorf("Pixel %v band %d: got %f, want %f", idx, b, got, want)
			}
		}
	})
}

func TestStreamedAndSingleBlockFilesMatch(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	extent := region.New2D(0, 0, 23, 19)
	streamedPath := filepath.Join(tmpDir, "streamed.yaml")
	singlePath := filepath.Join(tmpDir, "single.yaml")

	streamed, _ := NewSink(streamedPath, Float32)
	writeSynthetic(t, streamed, extent, 2)

	src, _ := filters.NewSyntheticSource(extent, 2, filters.Gradient)
	single, _ := NewSink(singlePath, Float32)
	w, err := writer.New(pipeline.NewProcessObject("source", src).Output(), single,
		writer.WithManager(streaming.NewRAMManager(^uint64(0))))
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if _, err := w.Update(context.Background()); err != nil {
		t.Fatalf("Single block write failed: %v", err)
	}

	a, err := os.ReadFile(streamed.DataPath())
	if err != nil {
		t.Fatalf("Failed to read streamed data: %v", err)
	}
	b, err := os.ReadFile(single.DataPath())
	if err != nil {
		t.Fatalf("Failed to read single block data: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("Streamed and single block data files differ")
	}

	// read back piece by piece
	reader := NewReader(streamedPath)
	defer reader.Close()
	out := pipeline.NewProcessObject("reader", reader).Output()
	if err := out.UpdateOutputInformation(); err != nil {
		t.Fatalf("Failed to read information: %v", err)
	}
	split, err := (&streaming.Manager{Strategy: streaming.StrategyTileDimension, TileSize: 6}).Prepare(extent, 2, 8)
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	for _, piece := range split.All() {
		out.SetRequestedRegion(piece)
		if err := out.PropagateRequestedRegion(); err != nil {
			t.Fatalf("Propagation failed for %v: %v", piece, err)
		}
		if err := out.UpdateOutputData(context.Background()); err != nil {
			t.Fatalf("Read failed for %v: %v", piece, err)
		}
		piece.ForEachIndex(func(idx []int) {
			for band := 0; band < 2; band++ {
				if got, want := out.Buffer().At(idx, band), filters.Gradient(idx, band); got != want {
					t.Errorf("Pixel %v band %d: got %f, want %f", idx, band, got, want)
				}
			}
		})
	}
}

func TestUint8Clamps(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	headerPath := filepath.Join(tmpDir, "clamp.yaml")
	sink, _ := NewSink(headerPath, Uint8)
	writeSynthetic(t, sink, region.New2D(0, 0, 100, 3), 1)

	out := readAll(t, headerPath)
	if got := out.Buffer().At2(10, 0, 0); got != 10 {
		t.Errorf("Expected 10, got %f", got)
	}
	if got := out.Buffer().At2(99, 2, 0); got != 105 {
		t.Errorf("Expected 105, got %f", got)
	}

	sink, _ = NewSink(headerPath, Uint8)
	writeSynthetic(t, sink, region.New2D(0, 0, 300, 1), 1)
	out = readAll(t, headerPath)
	if got := out.Buffer().At2(299, 0, 0); got != 255 {
		t.Errorf("Expected clamped 255, got %f", got)
	}
}

func TestBoxOriginIsKept(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	headerPath := filepath.Join(tmpDir, "box.yaml")
	sink, _ := NewSink(headerPath, Int32)
	writeSynthetic(t, sink, region.New2D(0, 0, 40, 40), 1, writer.WithBox(region.New2D(5, 7, 10, 6)))

	h, err := LoadHeader(headerPath)
	if err != nil {
		t.Fatalf("Failed to load header: %v", err)
	}
	if h.Origin[0] != 5 || h.Origin[1] != 7 || h.Size[0] != 10 || h.Size[1] != 6 {
		t.Fatalf("Unexpected header geometry: origin %v size %v", h.Origin, h.Size)
	}

	out := readAll(t, headerPath)
	idx := []int{9, 12}
	if got := out.Buffer().At(idx, 0); got != filters.Gradient(idx, 0) {
		t.Errorf("Pixel %v: got %f, want %f", idx, got, filters.Gradient(idx, 0))
	}
}

func TestAbortLeavesNothing(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	headerPath := filepath.Join(tmpDir, "partial.yaml")
	sink, _ := NewSink(headerPath, Float32)
	ctx := context.Background()
	if err := sink.Open(ctx, writer.Info{Extent: region.New2D(0, 0, 4, 4), Bands: 1}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Errorf("Expected empty directory after abort, found %d entries", len(entries))
	}
	if err := sink.WriteTile(ctx, models.Tile{Region: region.New2D(0, 0, 1, 1)}, nil); err == nil {
		t.Error("Expected error writing to an aborted sink")
	}
}

func TestHeaderValidation(t *testing.T) {
	good := Header{Size: []int{4, 4}, Bands: 1, PixelType: Uint16, DataFile: "x.raw"}
	if err := good.Validate(); err != nil {
		t.Fatalf("Valid header rejected: %v", err)
	}
	if good.DataSize() != 32 {
		t.Errorf("Expected 32 bytes, got %d", good.DataSize())
	}

	bad := []Header{
		{Size: []int{4, 0}, Bands: 1, PixelType: Uint16, DataFile: "x.raw"},
		{Size: []int{4, 4}, Bands: 0, PixelType: Uint16, DataFile: "x.raw"},
		{Size: []int{4, 4}, Bands: 1, PixelType: "complex64", DataFile: "x.raw"},
		{Size: []int{4, 4}, Bands: 1, PixelType: Uint16, ByteOrder: "middle", DataFile: "x.raw"},
		{Size: []int{4, 4}, Bands: 1, PixelType: Uint16},
	}
	for i, h := range bad {
		if err := h.Validate(); !errors.Is(err, errdefs.ErrConfiguration) {
			t.Errorf("Header %d: expected configuration error, got %v", i, err)
		}
	}
}

func TestPixelTypesRoundTrip(t *testing.T) {
	order, _ := Header{}.Order()
	for _, pt := range []PixelType{Uint8, Uint16, Int16, Int32, Float32, Float64} {
		buf := make([]byte, pt.Size())
		pt.encode(buf, order, 100)
		if got := pt.decode(buf, order); got != 100 {
			t.Errorf("%s: got %f", pt, got)
		}
	}
	buf := make([]byte, 2)
	Int16.encode(buf, order, -40000)
	if got := Int16.decode(buf, order); got != -32768 {
		t.Errorf("Expected int16 clamp, got %f", got)
	}
}

func TestReaderRejectsShortData(t *testing.T) {
	tmpDir := createTempDir(t)
	defer os.RemoveAll(tmpDir)

	headerPath := filepath.Join(tmpDir, "short.yaml")
	if err := SaveHeader(headerPath, Header{Size: []int{10, 10}, Bands: 1, PixelType: Float64, DataFile: "short.raw"}); err != nil {
		t.Fatalf("Failed to save header: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "short.raw"), make([]byte, 10), 0644); err != nil {
		t.Fatalf("Failed to write data: %v", err)
	}

	po := pipeline.NewProcessObject("reader", NewReader(headerPath))
	if err := po.Update(context.Background()); err == nil {
		t.Fatal("Expected error for truncated data file")
	}
}

// mockS3 records uploaded objects
type mockS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failKey string
}

func (m *mockS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if aws.StringValue(in.Key) == m.failKey {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.StringValue(in.Key))
	delete(m.objects, aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3SinkUploadsObjects(t *testing.T) {
	api := &mockS3{objects: map[string][]byte{}}
	sink, err := NewS3Sink(api, "bucket", "results/scene.yaml", Uint16)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	writeSynthetic(t, sink, region.New2D(0, 0, 8, 5), 2)

	data, ok := api.objects["bucket/results/scene.raw"]
	if !ok {
		t.Fatalf("Data object missing, have %d objects", len(api.objects))
	}
	if len(data) != 8*5*2*2 {
		t.Errorf("Expected %d data bytes, got %d", 8*5*2*2, len(data))
	}
	header, ok := api.objects["bucket/results/scene.yaml"]
	if !ok || !bytes.Contains(header, []byte("pixelType: uint16")) {
		t.Errorf("Header object missing or wrong: %q", header)
	}
	if sink.dir != "" {
		t.Error("Staging directory not cleaned up")
	}
}

func TestS3SinkFailedUploadDeletesObjects(t *testing.T) {
	api := &mockS3{objects: map[string][]byte{}, failKey: "scene.raw"}
	sink, _ := NewS3Sink(api, "bucket", "scene.yaml", Float32)
	ctx := context.Background()

	if err := sink.Open(ctx, writer.Info{Extent: region.New2D(0, 0, 2, 2), Bands: 1}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := sink.Close(ctx); err == nil {
		t.Fatal("Expected upload error")
	}
	if len(api.objects) != 0 {
		t.Errorf("Expected no objects left, found %d", len(api.objects))
	}
	if len(api.deleted) != 2 {
		t.Errorf("Expected 2 deletes, got %v", api.deleted)
	}
}
