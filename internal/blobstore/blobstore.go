// Package blobstore defines the narrow object-storage interface media
// blobs are read and written through (spec §6.2 "Object store:
// S3-compatible PUT/GET by opaque key; no listing"). The concrete
// implementation in package s3blob is the only thing that knows about
// AWS SDK types.
package blobstore

import (
	"context"
	"io"
)

// Store puts and gets opaque byte blobs by key. There is no listing or
// deletion operation because spec §1 treats object storage as an opaque
// external collaborator, not core scope.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
