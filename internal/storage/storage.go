package storage

import (
	"context"
	"io"
)

// Object is a stored submission file.
type Object struct {
	Name string
	Size int64
}

// ObjectStore holds the raw uploaded files. Implementations are scoped to a
// single bucket or base directory chosen at startup.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	// DownloadObject copies the object to a local file, creating parent
	// directories as needed.
	DownloadObject(ctx context.Context, key, filename string) error

	ListObjects(ctx context.Context, prefix string) ([]Object, error)

	// DeleteObjects removes every object under the prefix. Deleting a
	// prefix with no objects is not an error.
	DeleteObjects(ctx context.Context, prefix string) error
}
