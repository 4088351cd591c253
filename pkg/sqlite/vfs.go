// Package sqlite describes the callback table an embedded SQLite engine drives when
// it performs file I/O through a pluggable VFS, and the process-wide registry the
// engine uses to find an installed VFS by name.
//
// The shapes here are fixed by the engine. Every method is called synchronously,
// may be called re-entrantly from one connection, and must not suspend.
package sqlite

// VFS is the engine-facing file system object.
type VFS interface {
	// Open opens or creates the named file. An empty name asks for an anonymous
	// temporary file. It returns the flags actually applied.
	Open(name string, flags OpenFlag) (File, OpenFlag, error)

	// Delete removes the named file.
	Delete(name string, syncDir bool) error

	// Access reports whether the named file exists (or is readable/writable).
	Access(name string, flags AccessFlag) (bool, error)

	// FullPathname canonicalises name.
	FullPathname(name string) (string, error)
}

// File is an open file returned by VFS.Open.
type File interface {
	Close() error

	// ReadAt fills p from off. A read that reaches the end of file zero-fills
	// the remainder of p and returns IOErrShortRead.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync(flags SyncFlag) error
	Size() (int64, error)

	Lock(level LockLevel) error
	Unlock(level LockLevel) error
	CheckReservedLock() (bool, error)

	// FileControl returns NotFound for opcodes the VFS does not handle.
	FileControl(op FileControlOp, arg int64) error
	SectorSize() int
	DeviceCharacteristics() DeviceCharacteristic
}
