package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one object of the log archive.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads archive objects back. Get fails with ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies execution logs to cold storage and returns how many it
// copied.
type Archiver interface {
	ArchiveLogs(ctx context.Context) (int64, error)
}
