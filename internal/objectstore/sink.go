package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sutaakar/topsail/internal/artifact"
	"github.com/sutaakar/topsail/pkg/backoff"
	"github.com/sutaakar/topsail/pkg/circuitbreaker"
)

const archiveContentType = "application/gzip"

// Sink uploads directories as tar.gz archives into one bucket. Replicas
// share a Sink; every upload targets a distinct key.
type Sink struct {
	store    Store
	bucket   string
	attempts int
	backoff  *backoff.Config
	breaker  *circuitbreaker.Breaker
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithRetry sets how many times an upload is attempted.
func WithRetry(attempts int, cfg *backoff.Config) SinkOption {
	return func(s *Sink) {
		s.attempts = attempts
		s.backoff = cfg
	}
}

// WithBreaker sets the breaker shared by every upload.
func WithBreaker(b *circuitbreaker.Breaker) SinkOption {
	return func(s *Sink) { s.breaker = b }
}

// NewSink creates a sink writing into bucket. By default an upload is tried
// three times and the breaker opens after five consecutive failed attempts.
func NewSink(store Store, bucket string, opts ...SinkOption) *Sink {
	s := &Sink{
		store:    store,
		bucket:   bucket,
		attempts: 3,
		backoff:  &backoff.Config{Initial: 500 * time.Millisecond, Max: 5 * time.Second},
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check verifies the bucket exists.
func (s *Sink) Check(ctx context.Context) error {
	exists, err := s.store.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// Upload packs dir and stores it under key.
func (s *Sink) Upload(ctx context.Context, key, dir string) error {
	archive, err := os.CreateTemp("", "local-ci-upload-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	if err := artifact.PackTarGz(dir, archive); err != nil {
		return fmt.Errorf("failed to pack %s: %w", dir, err)
	}
	info, err := archive.Stat()
	if err != nil {
		return err
	}

	logger := slog.With("bucket", s.bucket, "key", key)
	err = backoff.Retry(ctx, s.attempts, s.backoff, func(ctx context.Context) error {
		err := s.breaker.Do(func() error {
			if _, err := archive.Seek(0, io.SeekStart); err != nil {
				return err
			}
			return s.store.Put(ctx, s.bucket, key, archive, info.Size(), archiveContentType)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Debug("Upload attempt failed", "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	logger.Debug("Artifacts uploaded", "bytes", info.Size())
	return nil
}
