package blobstore

import (
	"context"
	"io"
)

// Blobstore is write-once, content-opaque storage for package sources,
// compiled packages, job templates and stemcell images. Objects are named by
// ids the store assigns; callers keep the id and the SHA1 in the registry.
type Blobstore interface {
	// Put stores the stream and returns the new object's id and the SHA1 of
	// the stored bytes.
	Put(ctx context.Context, r io.Reader) (id, sha1 string, err error)
	// Get opens an object for reading.
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes an object. Deleting a missing object is not an error:
	// cleanup paths run after partial failures.
	Delete(ctx context.Context, id string) error
}
