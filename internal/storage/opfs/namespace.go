// Package opfs models an origin-private storage namespace: a directory of files that
// can each be held open as a synchronous access handle. The namespace lives on an
// afero.Fs so that the pool can run against the OS or an in-memory filesystem.
package opfs

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// LockFileName is the namespace entry used to hold the directory exclusively.
const LockFileName = ".lock"

// held tracks exclusively opened namespaces that have no OS lock file.
var held = struct {
	sync.Mutex
	keys map[string]bool
}{keys: make(map[string]bool)}

// Namespace is an opened storage directory.
type Namespace struct {
	fs  afero.Fs
	dir string

	flock   *flock.Flock
	heldKey string

	mu      sync.Mutex
	handles map[*SyncAccessHandle]struct{}
	closed  bool
	logger  *log.Entry
}

// Open creates dir if needed and opens it as a namespace. With exclusive set a second
// Open of the same directory fails with Busy until the first is closed.
func Open(ctx context.Context, fs afero.Fs, dir string, exclusive bool) (*Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir = filepath.Clean(dir)
	if err := fs.MkdirAll(dir, 0750); err != nil {
		return nil, ioError(err, "open", dir, "create namespace directory")
	}

	ns := &Namespace{
		fs:      afero.NewBasePathFs(fs, dir),
		dir:     dir,
		handles: make(map[*SyncAccessHandle]struct{}),
		logger:  log.WithFields(log.Fields{"component": "opfs", "dir": dir}),
	}

	if exclusive {
		if err := ns.acquireExclusive(fs); err != nil {
			return nil, err
		}
	}

	ns.logger.Debug("namespace opened")
	return ns, nil
}

func (ns *Namespace) acquireExclusive(fs afero.Fs) error {
	if _, ok := fs.(*afero.OsFs); ok {
		lock := flock.New(filepath.Join(ns.dir, LockFileName))
		locked, err := lock.TryLock()
		if err != nil {
			return ioError(err, "open", ns.dir, "lock namespace")
		}
		if !locked {
			return vfserrors.New(vfserrors.KindBusy, "namespace is held by another process").
				WithComponent("opfs").WithOperation("open").WithPath(ns.dir)
		}
		ns.flock = lock
	}

	key := fmt.Sprintf("%p|%s", fs, ns.dir)
	if _, ok := fs.(*afero.OsFs); ok {
		key = "os|" + ns.dir
	}

	held.Lock()
	defer held.Unlock()
	if held.keys[key] {
		if ns.flock != nil {
			_ = ns.flock.Unlock()
		}
		return vfserrors.New(vfserrors.KindBusy, "namespace is already open").
			WithComponent("opfs").WithOperation("open").WithPath(ns.dir)
	}
	held.keys[key] = true
	ns.heldKey = key
	return nil
}

// Dir returns the namespace directory.
func (ns *Namespace) Dir() string {
	return ns.dir
}

// OpenHandle opens name for synchronous access, creating it if needed.
func (ns *Namespace) OpenHandle(ctx context.Context, name string) (*SyncAccessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ns.checkOpen("open-handle"); err != nil {
		return nil, err
	}

	f, err := ns.fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, ioError(err, "open-handle", name, "open sync access handle")
	}

	h := &SyncAccessHandle{name: name, file: f, ns: ns}

	ns.mu.Lock()
	ns.handles[h] = struct{}{}
	ns.mu.Unlock()
	return h, nil
}

// Remove deletes name from the namespace. Removing an absent entry is not an error.
func (ns *Namespace) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ns.checkOpen("remove"); err != nil {
		return err
	}
	if err := ns.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		return ioError(err, "remove", name, "remove entry")
	}
	return nil
}

// List returns the sorted entry names, excluding the lock file.
func (ns *Namespace) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ns.checkOpen("list"); err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(ns.fs, string(filepath.Separator))
	if err != nil {
		return nil, ioError(err, "list", ns.dir, "read namespace directory")
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || info.Name() == LockFileName {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the contents of name, or a NotFound error.
func (ns *Namespace) ReadFile(name string) ([]byte, error) {
	if err := ns.checkOpen("read-file"); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(ns.fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vfserrors.New(vfserrors.KindNotFound, "entry does not exist").
				WithComponent("opfs").WithOperation("read-file").WithPath(name)
		}
		return nil, ioError(err, "read-file", name, "read entry")
	}
	return data, nil
}

// WriteFile replaces the contents of name atomically.
func (ns *Namespace) WriteFile(name string, data []byte) error {
	if err := ns.checkOpen("write-file"); err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := afero.WriteFile(ns.fs, tmp, data, 0600); err != nil {
		return ioError(err, "write-file", name, "write temporary entry")
	}
	if err := ns.fs.Rename(tmp, name); err != nil {
		return ioError(err, "write-file", name, "rename temporary entry")
	}
	return nil
}

// Close closes every handle still open and releases exclusivity.
func (ns *Namespace) Close() error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	handles := make([]*SyncAccessHandle, 0, len(ns.handles))
	for h := range ns.handles {
		handles = append(handles, h)
	}
	ns.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if ns.heldKey != "" {
		held.Lock()
		delete(held.keys, ns.heldKey)
		held.Unlock()
	}
	if ns.flock != nil {
		if err := ns.flock.Unlock(); err != nil && firstErr == nil {
			firstErr = ioError(err, "close", ns.dir, "unlock namespace")
		}
	}

	ns.logger.Debug("namespace closed")
	return firstErr
}

func (ns *Namespace) forget(h *SyncAccessHandle) {
	ns.mu.Lock()
	delete(ns.handles, h)
	ns.mu.Unlock()
}

func (ns *Namespace) checkOpen(op string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return vfserrors.New(vfserrors.KindInvalidState, "namespace is closed").
			WithComponent("opfs").WithOperation(op).WithPath(ns.dir)
	}
	return nil
}

func ioError(err error, op, path, msg string) error {
	kind := vfserrors.KindIO
	if stderrors.Is(err, syscall.ENOSPC) {
		kind = vfserrors.KindResourceExhausted
	}
	return vfserrors.New(kind, msg).
		WithComponent("opfs").
		WithOperation(op).
		WithPath(path).
		WithCause(errors.WithMessagef(err, "%s %s", op, path))
}
