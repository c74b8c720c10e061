package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/export"
)

// S3Sink uploads artifacts to an S3-compatible bucket.
type S3Sink struct {
	client *minio.Client
	bucket string
	region string
	prefix string
	logger *slog.Logger

	mu          sync.Mutex
	bucketReady bool
}

func NewS3Sink(cfg config.S3Config, logger *slog.Logger) (*S3Sink, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Sink{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// ObjectKey is where an artifact of exportID is stored in the bucket.
func (s *S3Sink) ObjectKey(exportID, name string) string {
	return path.Join(s.prefix, exportID, name)
}

func (s *S3Sink) Deliver(ctx context.Context, exportID string, a *export.Artifact) (*export.Delivery, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	key := s.ObjectKey(exportID, a.Name)
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{
		ContentType:      a.ContentType,
		DisableMultipart: true,
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	s.logger.Info("artifact uploaded", "export_id", exportID, "bucket", s.bucket, "key", key, "bytes", info.Size)
	return &export.Delivery{Location: fmt.Sprintf("s3://%s/%s", s.bucket, key)}, nil
}

// ensureBucket creates the bucket on first use. Failures are retried on
// the next delivery.
func (s *S3Sink) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		s.logger.Info("created bucket", "bucket", s.bucket)
	}
	s.bucketReady = true
	return nil
}
