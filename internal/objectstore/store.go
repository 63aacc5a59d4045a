// Package objectstore stores aggregated replica artifacts in an S3-compatible
// bucket.
package objectstore

import (
	"context"
	"io"
)

// Store is the subset of object storage the sink needs.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}
