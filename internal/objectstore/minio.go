package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sutaakar/topsail/pkg/backoff"
)

// Config locates a MinIO server.
type Config struct {
	Endpoint  string
	AccessKey string // Empty connects anonymously
	SecretKey string
	UseSSL    bool
	Region    string
}

// Validate reports missing connection settings.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.AccessKey != "" && c.SecretKey == "" {
		return errors.New("minio secret key is required with an access key")
	}
	return nil
}

// MinioStore implements Store with minio-go.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore connects to the server described by cfg.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	creds := credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// Put stores body under bucket/key. Errors that a retry cannot fix are
// marked permanent.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil && permanentCodes[minio.ToErrorResponse(err).Code] {
		return backoff.Permanent(err)
	}
	return err
}

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"NoSuchBucket":          true,
	"SignatureDoesNotMatch": true,
}

func (s *MinioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.client.BucketExists(ctx, bucket)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

var _ Store = (*MinioStore)(nil)
