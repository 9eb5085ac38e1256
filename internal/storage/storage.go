// Package storage defines the object storage interface for file content.
package storage

import (
	"context"
	"io"
	"time"
)

// Backend stores file content addressed by opaque keys. Metadata, quota
// accounting, and partition membership live in the database; the backend
// only ever sees bytes.
type Backend interface {
	// PutObject uploads content under key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// GetObject retrieves an object. offset/length of 0 reads the whole
	// object; length 0 with a positive offset reads to the end.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// DeleteObject removes an object. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// PresignGet returns a time-limited URL for direct download.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)

	Close() error
}
