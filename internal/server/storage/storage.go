// Package storage is the narrow boundary to the object store holding
// evidence bytes. The engine only presigns, inspects and reads objects;
// clients upload directly with the presigned URL.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo is what the store reports about an uploaded object.
// SHA256 is lowercase hex and empty when the store keeps no checksum.
type ObjectInfo struct {
	SizeBytes   int64
	ContentType string
	ETag        string
	SHA256      string
}

// Provider is implemented by S3Provider. Missing objects are reported as
// errors wrapping common.ErrNotFound.
type Provider interface {
	PresignUpload(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
