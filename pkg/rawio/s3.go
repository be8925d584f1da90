package rawio

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"rasterstream/internal/models"
	"rasterstream/pkg/buffer"
	"rasterstream/pkg/writer"
)

// S3Sink streams a raw raster into a local temporary directory and uploads
// the data and header objects once the pass completes.
type S3Sink struct {
	api       s3iface.S3API
	bucket    string
	key       string
	pixelType PixelType

	dir   string
	local *Sink
}

// NewS3Sink uploads the header to key in bucket; the data object sits next
// to it with the ".raw" extension.
func NewS3Sink(api s3iface.S3API, bucket, key string, pixelType PixelType) (*S3Sink, error) {
	if bucket == "" || key == "" {
		return nil, errors.New("s3 sink needs a bucket and a key")
	}
	if _, err := ParsePixelType(string(pixelType)); err != nil {
		return nil, err
	}
	return &S3Sink{api: api, bucket: bucket, key: key, pixelType: pixelType}, nil
}

// DataKey is the object key of the data file.
func (s *S3Sink) DataKey() string {
	return path.Join(path.Dir(s.key), dataFileName(s.key))
}

func (s *S3Sink) Open(ctx context.Context, info writer.Info) error {
	dir, err := os.MkdirTemp("", "rasterstream-s3-*")
	if err != nil {
		return errors.Wrap(err, "error creating staging directory")
	}
	local, err := NewSink(filepath.Join(dir, path.Base(s.key)), s.pixelType)
	if err == nil {
		err = local.Open(ctx, info)
	}
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	s.dir, s.local = dir, local
	return nil
}

func (s *S3Sink) WriteTile(ctx context.Context, tile models.Tile, data buffer.ReadOnly) error {
	if s.local == nil {
		return errors.New("s3 sink is not open")
	}
	return s.local.WriteTile(ctx, tile, data)
}

// Close finalizes the staged raster and uploads both objects concurrently.
// If either upload fails both objects are deleted.
func (s *S3Sink) Close(ctx context.Context) error {
	if s.local == nil {
		return errors.New("s3 sink is not open")
	}
	defer s.cleanup()
	if err := s.local.Close(ctx); err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error { return s.upload(ctx, s.DataKey(), s.local.DataPath()) })
	p.Go(func(ctx context.Context) error { return s.upload(ctx, s.key, s.local.HeaderPath()) })
	err := p.Wait()
	if err != nil {
		for _, key := range []string{s.DataKey(), s.key} {
			_, derr := s.api.DeleteObjectWithContext(context.WithoutCancel(ctx), &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			})
			err = multierr.Append(err, derr)
		}
	}
	return err
}

func (s *S3Sink) upload(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrapf(err, "error opening %s", file)
	}
	defer f.Close()

	_, err = s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return errors.Wrapf(err, "error uploading s3://%s/%s", s.bucket, key)
	}
	return nil
}

// Abort drops the staged files; nothing has been uploaded yet.
func (s *S3Sink) Abort() error {
	if s.local == nil {
		return nil
	}
	defer s.cleanup()
	return s.local.Abort()
}

func (s *S3Sink) cleanup() {
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	s.dir, s.local = "", nil
}
