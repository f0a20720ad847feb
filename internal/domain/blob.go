package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies settled records to cold storage one UTC day at a time.
// Each call exports the records whose timestamp falls on day and returns how
// many it wrote; a day that is already archived is skipped with zero.
type Archiver interface {
	ArchiveTransactions(ctx context.Context, day time.Time) (int64, error)
	ArchiveRepayments(ctx context.Context, day time.Time) (int64, error)
}
