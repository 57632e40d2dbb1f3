// Package archive provides object storage backends and the batch exporter
// used to archive retention-expired records before they are purged.
package archive

import (
	"context"
	"errors"
)

// Common errors for archive storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStore abstracts the archive backend. Implementations include the
// local filesystem and S3-compatible storage; archive batches are small
// enough that the API is byte-oriented.
type ObjectStore interface {
	// Put writes an object at the given path, replacing any existing one.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads an object. Returns ErrObjectNotFound when absent.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
