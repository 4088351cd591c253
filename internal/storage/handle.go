// Package storage defines the Storage Handle contract shared by both backends.
//
// A Handle wraps one physical backing handle and never suspends once it has been
// obtained. Methods return *errors.VFSError values; engine result codes are the
// dispatch table's concern.
package storage

import "io"

// Handle is a synchronous byte-addressed backing handle.
type Handle interface {
	// ReadAt reads into p from off. A read that crosses the current size returns
	// the bytes up to the size and io.EOF; the caller owns sparse-region semantics.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p at off, extending the handle if needed. Gaps created by
	// writing past the current size read back as zero.
	WriteAt(p []byte, off int64) (int, error)

	Truncate(size int64) error

	// Flush makes prior writes durable (pooled) or schedules their commit (relaxed).
	Flush() error

	Size() (int64, error)

	io.Closer
}
