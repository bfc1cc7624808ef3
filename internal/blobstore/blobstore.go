// Package blobstore provides object storage with multipart upload
// primitives, ranged reads, and presigned URLs. Two backends are
// supported: S3-compatible services and a local filesystem emulation
// used for development and tests.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stowage-io/stowage/internal/config"
)

// Part identifies one completed part of a multipart upload.
type Part struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the object storage port. Implementations classify backend
// failures into fault kinds at this boundary: missing objects are
// KindNotFound, network and 5xx-class failures are KindTransient, and
// malformed multipart completions are KindValidation.
type Store interface {
	// CreateMultipartUpload starts a multipart upload for key and
	// returns its upload handle.
	CreateMultipartUpload(ctx context.Context, key string) (string, error)

	// UploadPart uploads one part (partNumber >= 1) and returns its
	// content tag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error)

	// CompleteMultipartUpload assembles the object from parts, which
	// must be contiguous from 1, in ascending order, with every
	// non-terminal part sharing one size.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error

	// AbortMultipartUpload discards a multipart upload. Idempotent:
	// aborting an unknown or already-aborted handle succeeds.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// PresignUploadPart returns a URL a client can PUT one part to.
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error)

	// NewRangeReader streams length bytes of key starting at offset.
	NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Head returns object metadata without reading the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Put writes a whole object from r.
	Put(ctx context.Context, key string, r io.Reader) error

	// Copy duplicates srcKey to dstKey server-side.
	Copy(ctx context.Context, srcKey, dstKey string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// PresignGet returns a URL the object can be downloaded from.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	Close() error
}

// New constructs a store for the configured backend.
func New(ctx context.Context, cfg config.BlobstoreConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.LocalDir, cfg.Prefix)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}
