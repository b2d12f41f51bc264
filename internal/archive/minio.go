package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	cfg        config.MinIOConfig
	log        recorderlog.Logger
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// MinIOMetrics tracks uploads since the store was created.
type MinIOMetrics struct {
	Uploads       atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

var _ ObjectStore = (*MinIOStore)(nil)

// NewMinIOStore connects to MinIO and creates the bucket if it is missing.
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig, log recorderlog.Logger) (*MinIOStore, error) {
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = 4
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if log == nil {
		log = recorderlog.L()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &MinIOStore{
		client:     client,
		bucket:     cfg.Bucket,
		cfg:        cfg,
		log:        log.Named("minio"),
		uploadPool: make(chan struct{}, cfg.MaxUploads),
	}
	for i := 0; i < cfg.MaxUploads; i++ {
		s.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		s.log.Info("created archive bucket", recorderlog.String("bucket", cfg.Bucket))
	}
	return s, nil
}

// Bucket returns the archive bucket name.
func (s *MinIOStore) Bucket() string { return s.bucket }

// Put uploads data under key, retrying transient failures.
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 200 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(s.cfg.MaxRetries)), ctx)

	op := func() error {
		info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			if code := statusCode(err); code == http.StatusForbidden || code == http.StatusBadRequest {
				return backoff.Permanent(err)
			}
			return err
		}
		s.metrics.Uploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.log.Debug("object uploaded",
			recorderlog.String("key", key),
			recorderlog.Int64("size", info.Size),
			recorderlog.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, StatusCode: statusCode(err), Retryable: true}
	}
	return nil
}

// Exists reports whether key is already stored.
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, &StorageError{Op: "stat", Key: key, Err: err, StatusCode: statusCode(err)}
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err, StatusCode: statusCode(err)}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket), StatusCode: http.StatusNotFound}
	}
	return nil
}

// Metrics returns a snapshot of the upload counters.
func (s *MinIOStore) Metrics() map[string]any {
	return map[string]any{
		"uploads":        s.metrics.Uploads.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}

// statusCode maps a MinIO error to an HTTP status.
func statusCode(err error) int {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return resp.StatusCode
	}
	switch resp.Code {
	case "":
		return 0
	case "NoSuchKey", "NoSuchBucket":
		return http.StatusNotFound
	case "AccessDenied":
		return http.StatusForbidden
	case "InvalidArgument":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
