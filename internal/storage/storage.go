package storage

import (
	"context"
	"io"
)

// Reader provides read access to stored objects such as pipeline configs
type Reader interface {
	// GetReader returns a reader for the object at the given key
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Writer stores artifacts produced by a pipeline run, such as transformed frames
type Writer interface {
	// Put stores r under key and returns the location it was written to
	Put(ctx context.Context, key string, r io.Reader, meta map[string]string) (string, error)

	// Exists checks if an object exists at the given key
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
}
