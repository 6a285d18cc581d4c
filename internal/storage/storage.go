// Package storage provides object storage for audit export files.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the export destination. Implementations
// include S3 and local filesystem.
type ObjectStorage interface {
	// Upload writes the local file to objectPath in storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download fetches objectPath into localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether objectPath is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
