// Package storage abstracts the object store that finalized partitions
// are tiered to.
package storage

import (
	"context"
)

// ObjectStorage is the interface the sync and remote-query paths use to
// talk to a bucket. Implementations exist for S3-compatible stores and
// for a local directory used in tests.
type ObjectStorage interface {
	// Put uploads an object under key.
	Put(ctx context.Context, key string, data []byte) error

	// Get downloads the object at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object at key exists.
	Exists(ctx context.Context, key string) (bool, error)
}
