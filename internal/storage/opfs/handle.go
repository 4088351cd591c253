package opfs

import (
	"io"
	"sync"

	"github.com/spf13/afero"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// SyncAccessHandle is an open namespace entry. Every call completes without
// suspending; writes are durable once Flush returns.
type SyncAccessHandle struct {
	name string
	ns   *Namespace

	mu     sync.Mutex
	file   afero.File
	closed bool
}

// Name returns the entry name within the namespace.
func (h *SyncAccessHandle) Name() string {
	return h.name
}

// ReadAt implements storage.Handle.
func (h *SyncAccessHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("read"); err != nil {
		return 0, err
	}

	n, err := h.file.ReadAt(p, off)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return n, io.EOF
	case err != nil:
		return n, ioError(err, "read", h.name, "read failed")
	case n < len(p):
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements storage.Handle.
func (h *SyncAccessHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("write"); err != nil {
		return 0, err
	}

	n, err := h.file.WriteAt(p, off)
	if err != nil {
		return n, ioError(err, "write", h.name, "write failed")
	}
	return n, nil
}

// Truncate implements storage.Handle.
func (h *SyncAccessHandle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("truncate"); err != nil {
		return err
	}
	if err := h.file.Truncate(size); err != nil {
		return ioError(err, "truncate", h.name, "truncate failed")
	}
	return nil
}

// Flush implements storage.Handle.
func (h *SyncAccessHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("flush"); err != nil {
		return err
	}
	if err := h.file.Sync(); err != nil {
		return ioError(err, "flush", h.name, "flush failed")
	}
	return nil
}

// Size implements storage.Handle.
func (h *SyncAccessHandle) Size() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkOpen("size"); err != nil {
		return 0, err
	}
	info, err := h.file.Stat()
	if err != nil {
		return 0, ioError(err, "size", h.name, "stat failed")
	}
	return info.Size(), nil
}

// Close implements storage.Handle. Closing twice is a no-op.
func (h *SyncAccessHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	err := h.file.Close()
	h.mu.Unlock()

	h.ns.forget(h)
	if err != nil {
		return ioError(err, "close", h.name, "close failed")
	}
	return nil
}

func (h *SyncAccessHandle) checkOpen(op string) error {
	if h.closed {
		return vfserrors.New(vfserrors.KindInvalidState, "handle is closed").
			WithComponent("opfs").WithOperation(op).WithPath(h.name)
	}
	return nil
}
