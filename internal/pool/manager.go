// Package pool implements the Handle Pool Manager: a capacity-bounded set of
// pre-opened synchronous access handles, each of which can serve one virtual file
// path at a time, with the path to slot table persisted inside the namespace.
package pool

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/sqlitevfs/internal/storage"
	"github.com/objectfs/sqlitevfs/internal/storage/opfs"
	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// Options configures a Manager.
type Options struct {
	// InitialCapacity is the minimum number of slots after loading.
	InitialCapacity int
	// MaxCapacity bounds growth. Zero means unlimited.
	MaxCapacity int
	// Reset truncates every slot and clears every binding before any lookup.
	Reset bool
	// TransientFlags marks bindings that must not survive a restart. Slots whose
	// persisted flags intersect it are freed on load.
	TransientFlags uint32
}

// slot is one pre-opened backing handle.
type slot struct {
	index  int
	file   string
	handle *opfs.SyncAccessHandle

	path   string
	flags  uint32
	refs   int
	doomed bool
}

func (s *slot) free() bool {
	return s.path == "" && !s.doomed
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int
	Bound    int
	Open     int
}

// Manager owns the slots of one namespace.
type Manager struct {
	ns   *opfs.Namespace
	opts Options

	mu       sync.Mutex
	slots    []*slot
	byPath   map[string]*slot
	byHandle map[storage.Handle]*slot
	closed   bool
	logger   *log.Entry
}

// Load opens every slot file in ns, applies the persisted mapping (or a reset) and
// grows the pool to the initial capacity. It may suspend; nothing it returns does.
func Load(ctx context.Context, ns *opfs.Namespace, opts Options) (*Manager, error) {
	if opts.InitialCapacity < 1 {
		opts.InitialCapacity = 1
	}

	m := &Manager{
		ns:       ns,
		opts:     opts,
		byPath:   make(map[string]*slot),
		byHandle: make(map[storage.Handle]*slot),
		logger:   log.WithFields(log.Fields{"component": "pool", "dir": ns.Dir()}),
	}

	names, err := ns.List(ctx)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, ".") {
			files = append(files, name)
		}
	}

	var doc *mapping
	if !opts.Reset {
		data, err := ns.ReadFile(MappingName)
		switch {
		case err == nil:
			if doc, err = decodeMapping(data); err != nil {
				return nil, err
			}
		case vfserrors.IsKind(err, vfserrors.KindNotFound):
		default:
			return nil, err
		}
	}

	handles, err := openAll(ctx, ns, files)
	if err != nil {
		return nil, err
	}
	m.adopt(files, handles, doc)

	if opts.Reset {
		for _, s := range m.slots {
			if err := s.handle.Truncate(0); err != nil {
				m.Close()
				return nil, err
			}
		}
		m.logger.WithField("slots", len(m.slots)).Info("pool reset")
	}

	if missing := opts.InitialCapacity - len(m.slots); missing > 0 {
		if err := m.grow(ctx, missing); err != nil {
			m.Close()
			return nil, err
		}
	}

	m.mu.Lock()
	err = m.persistLocked()
	m.mu.Unlock()
	if err != nil {
		m.Close()
		return nil, err
	}

	m.logger.WithFields(log.Fields{
		"capacity": len(m.slots),
		"bound":    len(m.byPath),
	}).Info("pool loaded")
	return m, nil
}

func openAll(ctx context.Context, ns *opfs.Namespace, files []string) ([]*opfs.SyncAccessHandle, error) {
	handles := make([]*opfs.SyncAccessHandle, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			h, err := ns.OpenHandle(gctx, name)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				h.Close()
			}
		}
		return nil, err
	}
	return handles, nil
}

// adopt orders the opened files by the persisted mapping and binds its paths.
// Files the mapping does not mention become free slots; entries whose file is gone
// are dropped.
func (m *Manager) adopt(files []string, handles []*opfs.SyncAccessHandle, doc *mapping) {
	byFile := make(map[string]*opfs.SyncAccessHandle, len(files))
	for i, name := range files {
		byFile[name] = handles[i]
	}

	add := func(name string) *slot {
		s := &slot{index: len(m.slots), file: name, handle: byFile[name]}
		delete(byFile, name)
		m.slots = append(m.slots, s)
		m.byHandle[s.handle] = s
		return s
	}

	if doc != nil {
		for _, entry := range doc.Slots {
			if _, ok := byFile[entry.File]; !ok {
				m.logger.WithField("file", entry.File).Warn("dropping mapping entry with missing slot file")
				continue
			}
			s := add(entry.File)
			if entry.Path == "" {
				continue
			}
			if entry.Flags&m.opts.TransientFlags != 0 {
				s.handle.Truncate(0)
				continue
			}
			if _, dup := m.byPath[entry.Path]; dup {
				continue
			}
			s.path = entry.Path
			s.flags = entry.Flags
			m.byPath[entry.Path] = s
		}
	}

	for _, name := range files {
		if _, ok := byFile[name]; ok {
			add(name)
		}
	}
}

// grow opens n new slot files. Only called with the table consistent; the caller
// persists.
func (m *Manager) grow(ctx context.Context, n int) error {
	m.mu.Lock()
	capacity := len(m.slots)
	m.mu.Unlock()

	if m.opts.MaxCapacity > 0 && capacity+n > m.opts.MaxCapacity {
		return vfserrors.Newf(vfserrors.KindResourceExhausted,
			"pool capacity %d cannot grow by %d past %d", capacity, n, m.opts.MaxCapacity).
			WithComponent("pool").WithOperation("grow").
			WithDetail("capacity", capacity).
			WithDetail("max_capacity", m.opts.MaxCapacity)
	}

	names := make([]string, n)
	for i := range names {
		names[i] = uuid.NewString()
	}
	handles, err := openAll(ctx, m.ns, names)
	if err != nil {
		for _, name := range names {
			m.ns.Remove(context.Background(), name)
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, name := range names {
		s := &slot{index: len(m.slots), file: name, handle: handles[i]}
		m.slots = append(m.slots, s)
		m.byHandle[s.handle] = s
	}
	m.logger.WithFields(log.Fields{"added": n, "capacity": len(m.slots)}).Debug("pool grown")
	return nil
}

// Acquire resolves path to its bound slot, binding a free slot (or a newly opened
// one) when create is set. Every successful call takes a reference that Release
// gives back.
func (m *Manager) Acquire(path string, create bool, flags uint32) (storage.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("acquire"); err != nil {
		return nil, err
	}
	s, err := m.acquireLocked(path, create, flags)
	if err != nil {
		return nil, err
	}
	return s.handle, nil
}

func (m *Manager) acquireLocked(path string, create bool, flags uint32) (*slot, error) {
	if s, ok := m.byPath[path]; ok {
		s.refs++
		return s, nil
	}
	if !create {
		return nil, vfserrors.New(vfserrors.KindNotFound, "no such file").
			WithComponent("pool").WithOperation("acquire").WithPath(path)
	}

	s := m.freeSlotLocked()
	if s == nil {
		grown, err := m.growOneLocked()
		if err != nil {
			return nil, err
		}
		s = grown
	}

	s.path, s.flags, s.refs = path, flags, 1
	m.byPath[path] = s
	if err := m.persistLocked(); err != nil {
		s.path, s.flags, s.refs = "", 0, 0
		delete(m.byPath, path)
		return nil, err
	}

	m.logger.WithFields(log.Fields{"path": path, "slot": s.index}).Debug("slot bound")
	return s, nil
}

func (m *Manager) freeSlotLocked() *slot {
	for _, s := range m.slots {
		if s.free() {
			return s
		}
	}
	return nil
}

// growOneLocked is the exhaustion fallback on the dispatch path. Opening a handle
// against the namespace does not suspend.
func (m *Manager) growOneLocked() (*slot, error) {
	if m.opts.MaxCapacity > 0 && len(m.slots) >= m.opts.MaxCapacity {
		return nil, vfserrors.Newf(vfserrors.KindResourceExhausted,
			"all %d slots are bound", len(m.slots)).
			WithComponent("pool").WithOperation("acquire").
			WithDetail("capacity", len(m.slots))
	}

	name := uuid.NewString()
	h, err := m.ns.OpenHandle(context.Background(), name)
	if err != nil {
		return nil, err
	}
	s := &slot{index: len(m.slots), file: name, handle: h}
	m.slots = append(m.slots, s)
	m.byHandle[h] = s
	m.logger.WithField("capacity", len(m.slots)).Info("pool grown on exhaustion")
	return s, nil
}

// Release gives back a reference taken by Acquire. A slot whose path was deleted
// while open is unbound here, once its last reference is gone.
func (m *Manager) Release(h storage.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byHandle[h]
	if !ok || s.refs == 0 {
		return vfserrors.New(vfserrors.KindNotFound, "handle is not acquired").
			WithComponent("pool").WithOperation("release")
	}

	s.refs--
	if s.refs == 0 && s.doomed {
		m.logger.WithFields(log.Fields{"path": s.path, "slot": s.index}).Debug("deferred unbind")
		s.path, s.flags, s.doomed = "", 0, false
	}
	return nil
}

// Delete unbinds path and truncates its slot. If the file is still open the slot
// stays reserved until the last reference is released.
func (m *Manager) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("delete"); err != nil {
		return err
	}

	s, ok := m.byPath[path]
	if !ok {
		return vfserrors.New(vfserrors.KindNotFound, "no such file").
			WithComponent("pool").WithOperation("delete").WithPath(path)
	}

	if err := s.handle.Truncate(0); err != nil {
		return err
	}
	delete(m.byPath, path)
	if s.refs > 0 {
		s.doomed = true
	} else {
		s.path, s.flags = "", 0
	}
	return m.persistLocked()
}

// Exists reports whether path is bound.
func (m *Manager) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPath[path]
	return ok
}

// SlotIndex returns the slot path is bound to.
func (m *Manager) SlotIndex(path string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byPath[path]; ok {
		return s.index, true
	}
	return 0, false
}

// Capacity returns the number of slots.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// FileCount returns the number of bound paths.
func (m *Manager) FileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPath)
}

// FileNames returns the sorted bound paths.
func (m *Manager) FileNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.byPath))
	for path := range m.byPath {
		names = append(names, path)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot for metrics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Capacity: len(m.slots), Bound: len(m.byPath)}
	for _, s := range m.slots {
		if s.refs > 0 {
			st.Open++
		}
	}
	return st
}

// Close closes every slot handle. The namespace is left to its owner.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, s := range m.slots {
		if err := s.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) checkOpen(op string) error {
	if m.closed {
		return vfserrors.New(vfserrors.KindInvalidState, "pool is closed").
			WithComponent("pool").WithOperation(op)
	}
	return nil
}
