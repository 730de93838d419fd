// Package storage provides object storage abstractions for query logs and reports.
package storage

import (
	"context"
	"errors"
	"io"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidPath    = errors.New("invalid object path")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
)

// ObjectStorage is the slice of an object store the advisor needs: listing
// and streaming log objects, and writing run reports.
type ObjectStorage interface {
	// Get opens an object for streaming. The caller must close the reader.
	// Returns ErrObjectNotFound if the object does not exist.
	Get(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Put writes body to objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, body []byte) error

	// ListObjects returns all object paths under the given prefix in
	// lexicographic order. Paths use forward slashes.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
