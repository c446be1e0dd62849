package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores one result image of a completed job and returns a stable
// reference the job record carries in place of the raw bytes.
type Sink interface {
	Store(ctx context.Context, jobID string, index int, data []byte) (string, error)
}

// S3Options configures the optional S3 sink.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// DirSink writes result images under a base directory, one subdirectory per
// job.
type DirSink struct {
	baseDir string
}

// NewDirSink creates the base directory if needed.
func NewDirSink(baseDir string) (*DirSink, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &DirSink{baseDir: baseDir}, nil
}

func (d *DirSink) Store(_ context.Context, jobID string, index int, data []byte) (string, error) {
	name := fmt.Sprintf("%d.%s", index, sniffExtension(data))
	dir := filepath.Join(d.baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// S3Sink uploads result images to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink builds an S3-backed sink, honoring a custom endpoint for
// S3-compatible stores.
func NewS3Sink(ctx context.Context, opts S3Options) (*S3Sink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.Endpoint,
					HostnameImmutable: opts.PathStyle,
					SigningRegion:     opts.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	return &S3Sink{client: client, bucket: opts.Bucket}, nil
}

func (s *S3Sink) Store(ctx context.Context, jobID string, index int, data []byte) (string, error) {
	ext := sniffExtension(data)
	key := fmt.Sprintf("%s/%d.%s", jobID, index, ext)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeForExtension(ext)),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// MemSink keeps artifacts in memory. Test helper.
type MemSink struct {
	mu    sync.Mutex
	Blobs map[string][]byte
}

func NewMemSink() *MemSink {
	return &MemSink{Blobs: make(map[string][]byte)}
}

func (m *MemSink) Store(_ context.Context, jobID string, index int, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("mem://%s/%d", jobID, index)
	m.Blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	jpegMagic = []byte{0xFF, 0xD8}
	gifMagic  = []byte("GIF8")
)

func sniffExtension(data []byte) string {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return "png"
	case bytes.HasPrefix(data, jpegMagic):
		return "jpg"
	case bytes.HasPrefix(data, gifMagic):
		return "gif"
	default:
		return "bin"
	}
}

func mimeForExtension(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "jpg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
