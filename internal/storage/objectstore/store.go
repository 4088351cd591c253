// Package objectstore provides the asynchronous key/value object store contract the
// relaxed VFS commits blocks to, together with memory, SQLite-table and S3
// implementations and a compressing codec wrapper.
package objectstore

import (
	"context"

	"github.com/pkg/errors"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// Store is a durable key/value store. Every method may suspend and is only ever
// called from installation or background commit, never from the dispatch path.
type Store interface {
	// Get returns the value stored under key, or a NotFound error.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the sorted keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func notFound(component, key string) error {
	return vfserrors.New(vfserrors.KindNotFound, "key does not exist").
		WithComponent(component).WithOperation("get").WithPath(key)
}

func storeError(component, op, key string, err error) error {
	return vfserrors.New(vfserrors.KindIO, op+" failed").
		WithComponent(component).
		WithOperation(op).
		WithPath(key).
		WithCause(errors.WithMessagef(err, "%s %s", op, key))
}
