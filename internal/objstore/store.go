// Package objstore abstracts the storage backends a dataset's chunks and
// index live on: local/network-mount filesystem, S3, GCS, and Azure Blob.
// Every backend implements the same narrow Store interface so the rest of
// the engine never branches on which one is in play.
package objstore

import (
	"context"
)

// Attrs is the subset of object metadata callers need: existence and size.
type Attrs struct {
	Size int64
}

// Store is the minimal object operations the engine needs against a
// dataset's root prefix: existence/size check, whole or ranged reads,
// writes, and prefix listing for discovering chunk files.
type Store interface {
	// Head returns Attrs for key, or errs.IO wrapping a not-found cause.
	Head(ctx context.Context, key string) (Attrs, error)
	// Get reads the full object at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange reads length bytes starting at offset. Implementations
	// return errs.RangeUnsatisfiable if the backend rejects the range.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	// Put writes body to key, overwriting any existing object.
	Put(ctx context.Context, key string, body []byte) error
	// Delete removes key. Deleting a key that doesn't exist is not an
	// error -- callers use this to clean up coordination objects (partial
	// indices, partial uploads) whose absence is the desired end state.
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix, with no delimiter filtering --
	// callers in this engine always want every key under a flat
	// chunk/coordination prefix, so implementations return the full
	// recursive listing.
	List(ctx context.Context, prefix string) ([]string, error)
}

// StoreRangeReader adapts a Store object to the chunk package's RangeReader
// interface, so ReadSampleRange can fetch a single sample straight from
// object storage without a local copy.
type StoreRangeReader struct {
	Ctx   context.Context
	Store Store
	Key   string
}

func (r StoreRangeReader) ReadRange(offset, length int64) ([]byte, error) {
	return r.Store.GetRange(r.Ctx, r.Key, offset, length)
}
