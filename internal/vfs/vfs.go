// Package vfs implements the dispatch table the engine drives: every callback is a
// lock check followed by a backend call, and every backend failure is translated
// into the result code the engine expects for that callback. Nothing here retries
// or waits.
package vfs

import (
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/objectfs/sqlitevfs/internal/health"
	"github.com/objectfs/sqlitevfs/internal/lock"
	"github.com/objectfs/sqlitevfs/internal/metrics"
	"github.com/objectfs/sqlitevfs/internal/storage"
	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
	"github.com/objectfs/sqlitevfs/pkg/sqlite"
)

// Backend resolves paths to storage handles. Both the handle pool and the relaxed
// store implement it.
type Backend interface {
	// Acquire returns the handle of path, creating the file when create is set.
	// Each successful call takes a reference.
	Acquire(path string, create bool, flags uint32) (storage.Handle, error)
	// Release gives back a reference taken by Acquire.
	Release(h storage.Handle) error
	// Delete removes path. Open handles keep working until released.
	Delete(path string) error
	Exists(path string) bool
}

// Options configures a dispatch table.
type Options struct {
	Name    string
	Backend Backend
	Locks   *lock.Coordinator
	Metrics *metrics.Collector
	// Health, when set, is told about backend failures. The VFS must already be
	// registered with it.
	Health *health.Tracker
	// Characteristics is reported by every file.
	Characteristics sqlite.DeviceCharacteristic
	SectorSize      int
}

// VFS is the dispatch table of one installed backend.
type VFS struct {
	name    string
	backend Backend
	locks   *lock.Coordinator
	metrics *metrics.Collector
	health  *health.Tracker
	chars   sqlite.DeviceCharacteristic
	sector  int
	logger  *log.Entry

	mu     sync.Mutex
	files  map[*File]struct{}
	closed bool
}

var _ sqlite.VFS = (*VFS)(nil)

// New builds a dispatch table over a loaded backend.
func New(opts Options) *VFS {
	if opts.Locks == nil {
		opts.Locks = lock.NewCoordinator(lock.PolicyStrict, 0)
	}
	if opts.SectorSize <= 0 {
		opts.SectorSize = sqlite.DefaultSectorSize
	}
	return &VFS{
		name:    opts.Name,
		backend: opts.Backend,
		locks:   opts.Locks,
		metrics: opts.Metrics,
		health:  opts.Health,
		chars:   opts.Characteristics,
		sector:  opts.SectorSize,
		logger:  log.WithFields(log.Fields{"component": "vfs", "vfs": opts.Name}),
		files:   make(map[*File]struct{}),
	}
}

// Name returns the name the VFS is registered under.
func (v *VFS) Name() string {
	return v.name
}

// Open opens or creates name. An empty name opens an anonymous temporary file that
// is deleted when closed.
func (v *VFS) Open(name string, flags sqlite.OpenFlag) (sqlite.File, sqlite.OpenFlag, error) {
	start := time.Now()
	f, err := v.open(name, flags)
	if err != nil {
		err = fail(opOpen, name, err)
		v.record(opOpen, start, 0, err)
		return nil, 0, err
	}
	v.record(opOpen, start, 0, nil)
	return f, f.flags, nil
}

func (v *VFS) open(name string, flags sqlite.OpenFlag) (*File, error) {
	if flags.Has(sqlite.OpenWAL) {
		return nil, vfserrors.New(vfserrors.KindUnsupported, "WAL files are not supported").
			WithComponent("vfs").WithOperation(opOpen).WithPath(name)
	}

	if name == "" {
		name = "/sqlite-temp-" + uuid.NewString()
		flags |= sqlite.OpenDeleteOnClose | sqlite.OpenCreate
	}
	p, err := normalize(name)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, v.closedError(opOpen)
	}

	create := flags.Has(sqlite.OpenCreate)
	if create && flags.Has(sqlite.OpenExclusive) && v.backend.Exists(p) {
		return nil, vfserrors.New(vfserrors.KindIO, "file already exists").
			WithComponent("vfs").WithOperation(opOpen).WithPath(p)
	}

	h, err := v.backend.Acquire(p, create, uint32(flags))
	if err != nil {
		return nil, err
	}

	f := &File{
		vfs:    v,
		path:   p,
		flags:  flags,
		handle: h,
		owner:  v.locks.NewOwner(),
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		v.backend.Release(h)
		return nil, v.closedError(opOpen)
	}
	v.files[f] = struct{}{}
	return f, nil
}

// Delete removes name.
func (v *VFS) Delete(name string, syncDir bool) error {
	start := time.Now()
	p, err := normalize(name)
	if err == nil {
		err = v.checkOpen(opDelete)
	}
	if err == nil {
		err = v.backend.Delete(p)
	}
	if err != nil {
		err = fail(opDelete, name, err)
	}
	v.record(opDelete, start, 0, err)
	return err
}

// Access reports whether name exists. Every existing file is readable and
// writable.
func (v *VFS) Access(name string, flags sqlite.AccessFlag) (bool, error) {
	start := time.Now()
	p, err := normalize(name)
	if err == nil {
		err = v.checkOpen(opAccess)
	}
	if err != nil {
		err = fail(opAccess, name, err)
		v.record(opAccess, start, 0, err)
		return false, err
	}
	ok := v.backend.Exists(p)
	v.record(opAccess, start, 0, nil)
	return ok, nil
}

// FullPathname returns name as an absolute, clean path.
func (v *VFS) FullPathname(name string) (string, error) {
	p, err := normalize(name)
	if err != nil {
		return "", fail(opFullPathname, name, err)
	}
	return p, nil
}

// Close closes every open file and refuses further calls.
func (v *VFS) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	files := make([]*File, 0, len(v.files))
	for f := range v.files {
		files = append(files, f)
	}
	v.mu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(files) > 0 {
		v.logger.WithField("files", len(files)).Info("closed files left open")
	}
	return firstErr
}

// OpenFiles returns the number of open files.
func (v *VFS) OpenFiles() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.files)
}

func (v *VFS) checkOpen(op string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return v.closedError(op)
	}
	return nil
}

func (v *VFS) closedError(op string) error {
	return vfserrors.New(vfserrors.KindInvalidState, "vfs is closed").
		WithComponent("vfs").WithOperation(op)
}

// forget removes f from the open set and reports whether another open file still
// refers to the same path.
func (v *VFS) forget(f *File) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.files, f)
	for other := range v.files {
		if other.path == f.path {
			return true
		}
	}
	return false
}

func (v *VFS) record(op string, start time.Time, size int64, err error) {
	status := metrics.StatusOK
	if err != nil {
		status = sqlite.Code(err).String()
		var cause error
		if e, ok := err.(*Error); ok {
			cause = e.Err
		}
		v.metrics.RecordError(v.name, op, cause)
		if backendFailure(cause) {
			v.health.RecordError(v.name, cause)
		}
		v.logger.WithFields(log.Fields{"op": op, "err": err}).Debug("dispatch call failed")
	} else if dataOps[op] {
		v.health.RecordSuccess(v.name)
	}
	v.metrics.RecordOperation(v.name, op, time.Since(start), size, status)
}

// dataOps are the calls whose success shows the backend is working.
var dataOps = map[string]bool{opRead: true, opWrite: true, opTruncate: true, opSync: true}

// backendFailure reports causes that count against the VFS health. Lock conflicts
// and missing files are normal traffic.
func backendFailure(cause error) bool {
	if cause == nil {
		return false
	}
	switch vfserrors.KindOf(cause) {
	case vfserrors.KindIO, vfserrors.KindResourceExhausted:
		return true
	}
	return false
}

// normalize turns name into an absolute, clean path no longer than MaxPathname.
func normalize(name string) (string, error) {
	p := path.Clean("/" + strings.TrimPrefix(name, "/"))
	if len(p) > sqlite.MaxPathname {
		return "", vfserrors.Newf(vfserrors.KindResourceExhausted,
			"path is %d bytes, longer than %d", len(p), sqlite.MaxPathname).
			WithComponent("vfs").WithPath(name)
	}
	return p, nil
}

// File is one connection's open file.
type File struct {
	vfs    *VFS
	path   string
	flags  sqlite.OpenFlag
	handle storage.Handle
	owner  lock.Owner
	closed atomic.Bool
}

var _ sqlite.File = (*File)(nil)

// Path returns the normalized path of the file.
func (f *File) Path() string {
	return f.path
}

// Close drops the connection's locks and gives its handle back. A delete-on-close
// file is deleted when its last connection closes.
func (f *File) Close() error {
	start := time.Now()
	if !f.closed.CompareAndSwap(false, true) {
		err := fail(opClose, f.path, f.vfs.closedError(opClose))
		f.vfs.record(opClose, start, 0, err)
		return err
	}

	v := f.vfs
	v.locks.Forget(f.path, f.owner)
	shared := v.forget(f)

	var err error
	if f.flags.Has(sqlite.OpenDeleteOnClose) && !shared {
		if derr := v.backend.Delete(f.path); derr != nil && !vfserrors.IsKind(derr, vfserrors.KindNotFound) {
			err = derr
		}
	}
	if rerr := v.backend.Release(f.handle); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		err = fail(opClose, f.path, err)
	}
	v.record(opClose, start, 0, err)
	return err
}

// ReadAt reads from the backend. A read past the end of file zero-fills the rest
// of p and reports a short read.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	start := time.Now()
	if err := f.check(opRead); err != nil {
		return 0, err
	}

	n, err := f.handle.ReadAt(p, off)
	switch {
	case err == io.EOF || (err == nil && n < len(p)):
		clear(p[n:])
		err = &Error{Code: sqlite.IOErrShortRead, Op: opRead, Path: f.path}
	case err != nil:
		err = fail(opRead, f.path, err)
	}
	f.vfs.record(opRead, start, int64(n), err)
	return n, err
}

// WriteAt writes through to the backend. Writes to a main database file require
// the connection to hold at least RESERVED.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	start := time.Now()
	if err := f.check(opWrite); err != nil {
		return 0, err
	}

	err := f.checkWritable(opWrite)
	n := 0
	if err == nil {
		n, err = f.handle.WriteAt(p, off)
	}
	if err != nil {
		err = fail(opWrite, f.path, err)
	}
	f.vfs.record(opWrite, start, int64(n), err)
	return n, err
}

// Truncate resizes the file under the same rules as WriteAt.
func (f *File) Truncate(size int64) error {
	return f.do(opTruncate, func() error {
		if err := f.checkWritable(opTruncate); err != nil {
			return err
		}
		return f.handle.Truncate(size)
	})
}

// Sync flushes the backend handle. The relaxed backend only schedules a commit.
func (f *File) Sync(flags sqlite.SyncFlag) error {
	return f.do(opSync, f.handle.Flush)
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	var size int64
	err := f.do(opSize, func() error {
		var err error
		size, err = f.handle.Size()
		return err
	})
	return size, err
}

// Lock escalates the connection's lock.
func (f *File) Lock(level sqlite.LockLevel) error {
	return f.do(opLock, func() error {
		return f.vfs.locks.Lock(f.path, f.owner, lock.Level(level))
	})
}

// Unlock lowers the connection's lock to SHARED or NONE.
func (f *File) Unlock(level sqlite.LockLevel) error {
	return f.do(opUnlock, func() error {
		return f.vfs.locks.Unlock(f.path, f.owner, lock.Level(level))
	})
}

// CheckReservedLock reports whether any connection holds RESERVED or higher.
func (f *File) CheckReservedLock() (bool, error) {
	var held bool
	err := f.do(opCheckReserved, func() error {
		held = f.vfs.locks.CheckReserved(f.path)
		return nil
	})
	return held, err
}

// LockLevel returns the level the connection holds.
func (f *File) LockLevel() sqlite.LockLevel {
	return sqlite.LockLevel(f.vfs.locks.Level(f.path, f.owner))
}

// FileControl accepts size hints and reports every other opcode as not handled.
func (f *File) FileControl(op sqlite.FileControlOp, arg int64) error {
	return f.do(opFileControl, func() error {
		switch op {
		case sqlite.FcntlSizeHint:
			return nil
		default:
			return vfserrors.Newf(vfserrors.KindUnsupported, "file control %d", op).
				WithComponent("vfs").WithOperation(opFileControl).WithPath(f.path)
		}
	})
}

// SectorSize returns the sector size reported to the engine.
func (f *File) SectorSize() int {
	return f.vfs.sector
}

// DeviceCharacteristics returns the backend's characteristics.
func (f *File) DeviceCharacteristics() sqlite.DeviceCharacteristic {
	return f.vfs.chars
}

func (f *File) do(op string, fn func() error) error {
	start := time.Now()
	if err := f.check(op); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		err = fail(op, f.path, err)
	}
	f.vfs.record(op, start, 0, err)
	return err
}

// check fails calls on a closed file with Misuse.
func (f *File) check(op string) error {
	if !f.closed.Load() {
		return nil
	}
	err := fail(op, f.path, vfserrors.New(vfserrors.KindInvalidState, "file is closed").
		WithComponent("vfs").WithOperation(op).WithPath(f.path))
	f.vfs.record(op, time.Now(), 0, err)
	return err
}

func (f *File) checkWritable(op string) error {
	if f.flags.Has(sqlite.OpenReadOnly) {
		return vfserrors.New(vfserrors.KindUnsupported, "file is open read-only").
			WithComponent("vfs").WithOperation(op).WithPath(f.path)
	}
	if f.flags.Has(sqlite.OpenMainDB) && f.vfs.locks.Level(f.path, f.owner) < lock.Reserved {
		return vfserrors.New(vfserrors.KindBusy, "write without a RESERVED lock").
			WithComponent("vfs").WithOperation(op).WithPath(f.path)
	}
	return nil
}
