// Package relaxed implements the deferred-durability backend: every file lives in an
// in-memory block cache loaded from an object store at installation, and dirty
// blocks are committed back in the background. A clean close drains; an abrupt
// termination may lose the last uncommitted writes.
package relaxed

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/sqlitevfs/internal/buffer"
	"github.com/objectfs/sqlitevfs/internal/circuit"
	"github.com/objectfs/sqlitevfs/internal/storage"
	"github.com/objectfs/sqlitevfs/internal/storage/objectstore"
	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

const (
	// DefaultBlockSize is used when Options.BlockSize is zero.
	DefaultBlockSize = 4096

	loadParallelism   = 16
	commitParallelism = 8
)

// Options configures a Manager.
type Options struct {
	BlockSize     int
	FlushInterval time.Duration
	DrainTimeout  time.Duration
	// TransientFlags marks files that must not survive a restart.
	TransientFlags uint32
	Breaker        circuit.Config
}

func (o *Options) setDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
}

// Stats is a point-in-time view of the cache and the committer.
type Stats struct {
	Files          int
	Open           int
	DirtyBlocks    int
	PendingRemoval int
	Commits        uint64
	CommitFailures uint64
	LastCommit     time.Time
	Breaker        circuit.State
}

// Manager owns the cached files of one store.
type Manager struct {
	store     objectstore.Store
	opts      Options
	blockSize int
	buffers   *buffer.BytePool
	breaker   *circuit.Breaker
	logger    *log.Entry

	mu         sync.Mutex
	files      map[string]*file
	graveyard  map[string]map[int64]bool
	version    uint64
	indexDirty bool
	closed     bool
	commits    uint64
	failures   uint64
	lastCommit time.Time

	commitMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	flushCh  chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Load reads the index and every block it references from store, then starts the
// background committer. It is the only Manager call that waits on the store
// besides draining and Commit.
func Load(ctx context.Context, store objectstore.Store, opts Options) (*Manager, error) {
	opts.setDefaults()

	m := &Manager{
		store:     store,
		opts:      opts,
		blockSize: opts.BlockSize,
		buffers:   buffer.NewBytePool(),
		files:     make(map[string]*file),
		graveyard: make(map[string]map[int64]bool),
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    log.WithField("component", "relaxed"),
	}
	m.breaker = circuit.NewBreaker("relaxed-commit", m.breakerConfig(opts.Breaker))

	if err := m.load(ctx); err != nil {
		return nil, err
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.commitLoop()

	m.logger.WithFields(log.Fields{
		"files":      len(m.files),
		"block_size": m.blockSize,
	}).Info("relaxed store loaded")
	return m, nil
}

func (m *Manager) breakerConfig(cfg circuit.Config) circuit.Config {
	next := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to circuit.State) {
		m.logger.WithFields(log.Fields{"from": from, "to": to}).Warn("commit breaker changed state")
		if next != nil {
			next(name, from, to)
		}
	}
	return cfg
}

func (m *Manager) load(ctx context.Context) error {
	idx := &index{}
	data, err := m.store.Get(ctx, IndexKey)
	switch {
	case err == nil:
		if idx, err = decodeIndex(data); err != nil {
			return err
		}
	case vfserrors.IsKind(err, vfserrors.KindNotFound):
	default:
		return err
	}

	if idx.BlockSize != 0 && idx.BlockSize != m.blockSize && len(idx.Files) > 0 {
		m.logger.WithFields(log.Fields{
			"configured": m.blockSize,
			"stored":     idx.BlockSize,
		}).Warn("keeping the block size the store was written with")
		m.blockSize = idx.BlockSize
	}

	for _, entry := range idx.Files {
		if _, dup := m.files[entry.Path]; dup || entry.Size < 0 {
			continue
		}
		f := newFile(m, entry.Path, entry.Flags)
		f.size = entry.Size
		m.files[entry.Path] = f
	}

	keys, err := m.store.List(ctx, blocksPrefix)
	if err != nil {
		return err
	}

	type fetch struct {
		f     *file
		block int64
		key   string
	}
	var fetches []fetch
	bs := int64(m.blockSize)
	for _, key := range keys {
		path, block, ok := parseBlockKey(key)
		if !ok {
			m.logger.WithField("key", key).Debug("ignoring unrecognised key")
			continue
		}
		f, ok := m.files[path]
		switch {
		case !ok || f.flags&m.opts.TransientFlags != 0:
			m.buryLocked(path, block)
		case block*bs >= f.size:
			f.stale[block] = true
		default:
			fetches = append(fetches, fetch{f: f, block: block, key: key})
		}
	}

	blocks := make([][]byte, len(fetches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadParallelism)
	for i, fe := range fetches {
		i, key := i, fe.key
		g.Go(func() error {
			data, err := m.store.Get(gctx, key)
			if err != nil {
				return err
			}
			blocks[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, fe := range fetches {
		b := make([]byte, bs)
		copy(b, blocks[i])
		if end := fe.f.size - fe.block*bs; end < bs {
			clear(b[end:])
		}
		fe.f.blocks[fe.block] = b
	}

	for path, f := range m.files {
		if f.flags&m.opts.TransientFlags == 0 {
			continue
		}
		delete(m.files, path)
		m.indexDirty = true
		m.logger.WithField("path", path).Debug("dropping transient file")
	}
	return nil
}

// buryLocked queues a block of a path that no longer exists for removal.
func (m *Manager) buryLocked(path string, block int64) {
	g, ok := m.graveyard[path]
	if !ok {
		g = make(map[int64]bool)
		m.graveyard[path] = g
	}
	g[block] = true
}

// BlockSize returns the block size in use, which is the stored one when it differs
// from the configured one.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

// Acquire resolves path to its cached file, creating an empty one when create is
// set. Every successful call takes a reference that Release gives back.
func (m *Manager) Acquire(path string, create bool, flags uint32) (storage.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, m.closedError("acquire")
	}
	if f, ok := m.files[path]; ok {
		f.refs++
		return f.handle, nil
	}
	if !create {
		return nil, vfserrors.New(vfserrors.KindNotFound, "no such file").
			WithComponent("relaxed").WithOperation("acquire").WithPath(path)
	}

	f := newFile(m, path, flags)
	if g, ok := m.graveyard[path]; ok {
		f.stale = g
		delete(m.graveyard, path)
	}
	f.refs = 1
	m.files[path] = f
	m.indexDirty = true

	m.logger.WithField("path", path).Debug("file created")
	return f.handle, nil
}

// Release gives back a reference taken by Acquire. Releasing the last reference of
// a file with uncommitted changes drains them, bounded by the drain timeout.
func (m *Manager) Release(h storage.Handle) error {
	fh, ok := h.(*File)
	if !ok || fh.m != m {
		return vfserrors.New(vfserrors.KindNotFound, "handle is not acquired").
			WithComponent("relaxed").WithOperation("release")
	}

	m.mu.Lock()
	f := fh.f
	if f.refs == 0 {
		m.mu.Unlock()
		return vfserrors.New(vfserrors.KindNotFound, "handle is not acquired").
			WithComponent("relaxed").WithOperation("release").WithPath(f.path)
	}
	f.refs--
	drain := f.refs == 0 && !f.deleted && !m.closed && (len(f.dirty) > 0 || m.indexDirty)
	m.mu.Unlock()

	if !drain {
		return nil
	}
	return m.drain(f.path)
}

func (m *Manager) drain(path string) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DrainTimeout)
	defer cancel()

	start := time.Now()
	if err := m.Commit(ctx); err != nil {
		m.logger.WithFields(log.Fields{"path": path, "err": err}).Warn("drain on close failed")
		return err
	}
	m.logger.WithFields(log.Fields{"path": path, "took": time.Since(start)}).Debug("drained on close")
	return nil
}

// Delete drops path from the table. Its blocks are removed by the next commit. An
// open file is emptied at once and keeps serving its handles from memory.
func (m *Manager) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return m.closedError("delete")
	}
	f, ok := m.files[path]
	if !ok {
		return vfserrors.New(vfserrors.KindNotFound, "no such file").
			WithComponent("relaxed").WithOperation("delete").WithPath(path)
	}

	for block := range f.blocks {
		m.buryLocked(path, block)
	}
	for block := range f.stale {
		m.buryLocked(path, block)
	}
	f.blocks = make(map[int64][]byte)
	f.dirty = make(map[int64]uint64)
	f.stale = make(map[int64]bool)
	f.size = 0
	f.deleted = true

	delete(m.files, path)
	m.indexDirty = true
	m.schedule()
	return nil
}

// Exists reports whether path is in the table.
func (m *Manager) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

// FileNames returns the sorted paths in the table.
func (m *Manager) FileNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.files))
	for path := range m.files {
		names = append(names, path)
	}
	sort.Strings(names)
	return names
}

// FileSize returns the cached size of path.
func (m *Manager) FileSize(path string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		return f.size, true
	}
	return 0, false
}

// Stats returns a snapshot for metrics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Files:          len(m.files),
		Commits:        m.commits,
		CommitFailures: m.failures,
		LastCommit:     m.lastCommit,
		Breaker:        m.breaker.State(),
	}
	for _, f := range m.files {
		if f.refs > 0 {
			st.Open++
		}
		st.DirtyBlocks += len(f.dirty)
		st.PendingRemoval += len(f.stale)
	}
	for _, g := range m.graveyard {
		st.PendingRemoval += len(g)
	}
	return st
}

// Close stops the committer and commits whatever is still dirty, bounded by ctx and
// the drain timeout. The store is left to its owner.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()

	ctx, cancel := context.WithTimeout(ctx, m.opts.DrainTimeout)
	defer cancel()
	err := m.commit(ctx)
	m.cancel()
	if err != nil {
		m.logger.WithField("err", err).Warn("final commit failed")
		return err
	}
	m.logger.Info("relaxed store closed")
	return nil
}

// Abandon stops the committer without draining, cancelling any commit in flight.
// Everything not yet committed is lost, as after an abrupt termination.
func (m *Manager) Abandon() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.stop()
	m.logger.Warn("relaxed store abandoned")
}

func (m *Manager) closedError(op string) error {
	return vfserrors.New(vfserrors.KindInvalidState, "relaxed store is closed").
		WithComponent("relaxed").WithOperation(op)
}
