package relaxed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/sqlitevfs/internal/circuit"
	"github.com/objectfs/sqlitevfs/internal/storage"
	"github.com/objectfs/sqlitevfs/internal/storage/objectstore"
	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

const testBlock = 512

var errStore = errors.New("store unavailable")

// flakyStore can fail or hold puts.
type flakyStore struct {
	objectstore.Store

	mu       sync.Mutex
	failPuts bool
	started  chan string
	gate     chan struct{}
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail, started, gate := s.failPuts, s.started, s.gate
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- key:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errStore
	}
	return s.Store.Put(ctx, key, value)
}

func (s *flakyStore) set(fn func(s *flakyStore)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func load(t *testing.T, store objectstore.Store, opts Options) *Manager {
	t.Helper()
	if opts.BlockSize == 0 {
		opts.BlockSize = testBlock
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	m, err := Load(context.Background(), store, opts)
	require.NoError(t, err)
	t.Cleanup(m.Abandon)
	return m
}

func create(t *testing.T, m *Manager, path string) storage.Handle {
	t.Helper()
	h, err := m.Acquire(path, true, 0)
	require.NoError(t, err)
	return h
}

func readAll(t *testing.T, h storage.Handle) []byte {
	t.Helper()
	size, err := h.Size()
	require.NoError(t, err)
	buf := make([]byte, size)
	n, err := h.ReadAt(buf, 0)
	if err != io.EOF {
		require.NoError(t, err)
	}
	return buf[:n]
}

func TestFile_ReadModifyWrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		offset int64
		length int
	}{
		{"inside one block", 10, 20},
		{"ends on boundary", 500, 12},
		{"crosses one boundary", 500, 30},
		{"spans three blocks", 100, 3 * testBlock},
		{"aligned full block", testBlock, testBlock},
		{"extends past EOF", 1530, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := load(t, objectstore.NewMemory(), Options{})
			h := create(t, m, "/db")

			base := bytes.Repeat([]byte{0xaa}, 3*testBlock)
			_, err := h.WriteAt(base, 0)
			require.NoError(t, err)

			data := bytes.Repeat([]byte{0x5c}, tt.length)
			n, err := h.WriteAt(data, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.length, n)

			want := make([]byte, max(int64(len(base)), tt.offset+int64(tt.length)))
			copy(want, base)
			copy(want[tt.offset:], data)
			assert.Equal(t, want, readAll(t, h))

			got := make([]byte, tt.length)
			_, err = h.ReadAt(got, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestFile_RandomWritesMatchModel(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})
	h := create(t, m, "/model.db")

	rng := rand.New(rand.NewSource(7))
	var model []byte
	for i := 0; i < 200; i++ {
		off := rng.Int63n(8 * testBlock)
		data := make([]byte, 1+rng.Intn(2*testBlock))
		rng.Read(data)

		_, err := h.WriteAt(data, off)
		require.NoError(t, err)

		if end := off + int64(len(data)); end > int64(len(model)) {
			model = append(model, make([]byte, end-int64(len(model)))...)
		}
		copy(model[off:], data)

		if i%50 == 49 {
			require.NoError(t, h.Truncate(int64(len(model))/2))
			model = model[:len(model)/2]
		}
	}
	assert.Equal(t, model, readAll(t, h))

	require.NoError(t, m.Release(h))
	require.NoError(t, m.Close(context.Background()))

	reloaded := load(t, store, Options{})
	h2, err := reloaded.Acquire("/model.db", false, 0)
	require.NoError(t, err)
	assert.Equal(t, model, readAll(t, h2))
}

func TestFile_GapReadsZero(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})
	h := create(t, m, "/sparse")

	_, err := h.WriteAt([]byte("tail"), 5000)
	require.NoError(t, err)

	size, err := h.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5004), size)

	gap := make([]byte, 5000)
	_, err = h.ReadAt(gap, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 5000), gap)

	// Short read at EOF returns what exists.
	buf := make([]byte, 10)
	n, err := h.ReadAt(buf, 5000)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)

	n, err = h.ReadAt(buf, 6000)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)
}

func TestFile_TruncateThenExtendReadsZero(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})
	h := create(t, m, "/t")

	_, err := h.WriteAt(bytes.Repeat([]byte{0xff}, 4*testBlock), 0)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background()))

	require.NoError(t, h.Truncate(100))

	// Growing past the removed blocks must not resurrect their old content.
	require.NoError(t, h.Truncate(3*testBlock))
	_, err = h.WriteAt([]byte{1}, 4*testBlock-1)
	require.NoError(t, err)

	want := make([]byte, 4*testBlock)
	copy(want, bytes.Repeat([]byte{0xff}, 100))
	want[len(want)-1] = 1
	assert.Equal(t, want, readAll(t, h))

	require.NoError(t, m.Commit(context.Background()))
	m.Abandon()

	reloaded := load(t, store, Options{})
	h2, err := reloaded.Acquire("/t", false, 0)
	require.NoError(t, err)
	assert.Equal(t, want, readAll(t, h2))
}

func TestFile_StaleBlocksRemoved(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})
	h := create(t, m, "/s")

	_, err := h.WriteAt(make([]byte, 4*testBlock), 0)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background()))

	keys, err := store.List(context.Background(), blockPrefix("/s"))
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	require.NoError(t, h.Truncate(testBlock))
	require.NoError(t, m.Commit(context.Background()))

	keys, err = store.List(context.Background(), blockPrefix("/s"))
	require.NoError(t, err)
	assert.Equal(t, []string{blockKey("/s", 0)}, keys)
	assert.Zero(t, m.Stats().PendingRemoval)
}

func TestManager_AcquireAndDelete(t *testing.T) {
	t.Parallel()

	m := load(t, objectstore.NewMemory(), Options{})

	_, err := m.Acquire("/a", false, 0)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindNotFound))

	h1 := create(t, m, "/a")
	h2, err := m.Acquire("/a", false, 0)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.True(t, m.Exists("/a"))

	_, err = h1.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	// Deleting an open file empties it at once.
	require.NoError(t, m.Delete("/a"))
	assert.False(t, m.Exists("/a"))
	size, err := h1.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	err = m.Delete("/a")
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindNotFound))

	h3 := create(t, m, "/a")
	assert.NotSame(t, h1, h3)
	assert.Empty(t, readAll(t, h3))

	require.NoError(t, m.Release(h1))
	require.NoError(t, m.Release(h2))
	err = m.Release(h1)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindNotFound))

	assert.Equal(t, []string{"/a"}, m.FileNames())
}

func TestManager_DeleteRemovesBlocksAfterRecreate(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})
	h := create(t, m, "/r")
	_, err := h.WriteAt(bytes.Repeat([]byte{7}, 3*testBlock), 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(h))

	require.NoError(t, m.Delete("/r"))
	h = create(t, m, "/r")
	_, err = h.WriteAt([]byte{9}, 2*testBlock)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background()))
	m.Abandon()

	reloaded := load(t, store, Options{})
	h2, err := reloaded.Acquire("/r", false, 0)
	require.NoError(t, err)
	want := make([]byte, 2*testBlock+1)
	want[2*testBlock] = 9
	assert.Equal(t, want, readAll(t, h2))
}

func TestManager_DrainOnLastClose(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})

	h := create(t, m, "/d")
	_, err := h.WriteAt([]byte("durable"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Flush())
	require.NoError(t, h.Close())

	assert.Zero(t, m.Stats().DirtyBlocks)
	m.Abandon()

	reloaded := load(t, store, Options{})
	h2, err := reloaded.Acquire("/d", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), readAll(t, h2))
}

func TestManager_AbandonLosesOnlyUncommitted(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{})

	other := create(t, m, "/other")
	_, err := other.WriteAt(bytes.Repeat([]byte{1}, 2*testBlock), 0)
	require.NoError(t, err)
	h := create(t, m, "/main")
	_, err = h.WriteAt(bytes.Repeat([]byte{2}, 2*testBlock), 0)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background()))

	_, err = h.WriteAt(bytes.Repeat([]byte{3}, testBlock), testBlock)
	require.NoError(t, err)
	_, err = h.WriteAt([]byte("extra"), 2*testBlock)
	require.NoError(t, err)
	m.Abandon()

	_, err = m.Acquire("/main", false, 0)
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindInvalidState))

	reloaded := load(t, store, Options{})
	h2, err := reloaded.Acquire("/main", false, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 2*testBlock), readAll(t, h2))

	o2, err := reloaded.Acquire("/other", false, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{1}, 2*testBlock), readAll(t, o2))
}

func TestManager_WriteDuringCommitStaysDirty(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: objectstore.NewMemory()}
	m := load(t, store, Options{})
	h := create(t, m, "/race")
	_, err := h.WriteAt([]byte("one"), 0)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background()))

	_, err = h.WriteAt([]byte("two"), 0)
	require.NoError(t, err)

	started := make(chan string, 1)
	gate := make(chan struct{})
	store.set(func(s *flakyStore) { s.started, s.gate = started, gate })

	done := make(chan error, 1)
	go func() { done <- m.Commit(context.Background()) }()
	<-started

	_, err = h.WriteAt([]byte("six"), 0)
	require.NoError(t, err)
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, m.Stats().DirtyBlocks)

	store.set(func(s *flakyStore) { s.started, s.gate = nil, nil })
	require.NoError(t, m.Commit(context.Background()))
	assert.Zero(t, m.Stats().DirtyBlocks)

	m.Abandon()
	reloaded := load(t, store, Options{})
	h2, err := reloaded.Acquire("/race", false, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("six"), readAll(t, h2))
}

func TestManager_BreakerGatesBackgroundCommits(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: objectstore.NewMemory(), failPuts: true}
	m := load(t, store, Options{Breaker: circuit.Config{FailureThreshold: 2, Cooldown: time.Hour}})

	h := create(t, m, "/b")
	_, err := h.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		m.backgroundCommit()
	}
	st := m.Stats()
	assert.Equal(t, uint64(2), st.CommitFailures)
	assert.Equal(t, circuit.StateOpen, st.Breaker)
	assert.Equal(t, 1, st.DirtyBlocks)

	// An explicit commit bypasses the breaker.
	store.set(func(s *flakyStore) { s.failPuts = false })
	require.NoError(t, m.Commit(context.Background()))
	assert.Zero(t, m.Stats().DirtyBlocks)
	assert.Equal(t, uint64(1), m.Stats().Commits)
}

func TestManager_FailedDrainReportsError(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: objectstore.NewMemory(), failPuts: true}
	m := load(t, store, Options{DrainTimeout: time.Second})

	h := create(t, m, "/f")
	_, err := h.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release(h), errStore)
	assert.Equal(t, 1, m.Stats().DirtyBlocks)
}

func TestLoad_TransientFilesDropped(t *testing.T) {
	t.Parallel()

	const transient = 0x8
	store := objectstore.NewMemory()
	m := load(t, store, Options{TransientFlags: transient})

	tmp, err := m.Acquire("/tmp-1", true, transient)
	require.NoError(t, err)
	_, err = tmp.WriteAt([]byte("scratch"), 0)
	require.NoError(t, err)
	keep := create(t, m, "/keep")
	_, err = keep.WriteAt([]byte("kept"), 0)
	require.NoError(t, err)
	require.NoError(t, m.Commit(context.Background()))
	m.Abandon()

	reloaded := load(t, store, Options{TransientFlags: transient})
	assert.Equal(t, []string{"/keep"}, reloaded.FileNames())

	require.NoError(t, reloaded.Commit(context.Background()))
	keys, err := store.List(context.Background(), blockPrefix("/tmp-1"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoad_KeepsStoredBlockSize(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	m := load(t, store, Options{BlockSize: 1024})
	h := create(t, m, "/bs")
	_, err := h.WriteAt(bytes.Repeat([]byte{4}, 3000), 0)
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))

	reloaded := load(t, store, Options{BlockSize: 4096})
	assert.Equal(t, 1024, reloaded.BlockSize())
	h2, err := reloaded.Acquire("/bs", false, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{4}, 3000), readAll(t, h2))
}

func TestLoad_CorruptIndex(t *testing.T) {
	t.Parallel()

	store := objectstore.NewMemory()
	require.NoError(t, store.Put(context.Background(), IndexKey, []byte("{not json")))

	_, err := Load(context.Background(), store, Options{})
	assert.True(t, vfserrors.IsKind(err, vfserrors.KindIO))
}

func TestBlockKey_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path  string
		block int64
	}{
		{"/db", 0},
		{"/dir/with spaces/x.db", 17},
		{"relative%name", 1 << 40},
	}
	for _, tt := range tests {
		path, block, ok := parseBlockKey(blockKey(tt.path, tt.block))
		require.True(t, ok, tt.path)
		assert.Equal(t, tt.path, path)
		assert.Equal(t, tt.block, block)
	}

	for _, key := range []string{"index", "blocks/x", "blocks/x/zz", "other/x/0000000000000000"} {
		_, _, ok := parseBlockKey(key)
		assert.False(t, ok, key)
	}
}
