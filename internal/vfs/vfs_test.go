package vfs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/sqlitevfs/internal/lock"
	"github.com/objectfs/sqlitevfs/internal/metrics"
	"github.com/objectfs/sqlitevfs/internal/pool"
	"github.com/objectfs/sqlitevfs/internal/relaxed"
	"github.com/objectfs/sqlitevfs/internal/storage/objectstore"
	"github.com/objectfs/sqlitevfs/internal/storage/opfs"
	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
	"github.com/objectfs/sqlitevfs/pkg/sqlite"
)

const (
	mainDB  = sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenMainDB
	journal = sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenMainJournal
)

func newPool(t *testing.T, opts pool.Options) *pool.Manager {
	t.Helper()
	ctx := context.Background()
	ns, err := opfs.Open(ctx, afero.NewMemMapFs(), "/ns", false)
	require.NoError(t, err)
	t.Cleanup(func() { ns.Close() })

	opts.TransientFlags = uint32(sqlite.OpenDeleteOnClose)
	m, err := pool.Load(ctx, ns, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func newRelaxed(t *testing.T) *relaxed.Manager {
	t.Helper()
	m, err := relaxed.Load(context.Background(), objectstore.NewMemory(), relaxed.Options{
		BlockSize:      512,
		FlushInterval:  time.Hour,
		TransientFlags: uint32(sqlite.OpenDeleteOnClose),
	})
	require.NoError(t, err)
	t.Cleanup(m.Abandon)
	return m
}

// backends runs a test against both storage backends.
func backends(t *testing.T) map[string]*VFS {
	return map[string]*VFS{
		"pool": New(Options{
			Name:            "opfs-sahpool",
			Backend:         newPool(t, pool.Options{InitialCapacity: 4}),
			Characteristics: sqlite.IOCapUndeletableWhenOpen | sqlite.IOCapPowersafeOverwrite,
		}),
		"relaxed": New(Options{
			Name:            "relaxed-idb",
			Backend:         newRelaxed(t),
			Locks:           lock.NewCoordinator(lock.PolicyCooperative, 5*time.Millisecond),
			Characteristics: sqlite.IOCapUndeletableWhenOpen,
		}),
	}
}

func openFile(t *testing.T, v *VFS, name string, flags sqlite.OpenFlag) *File {
	t.Helper()
	f, out, err := v.Open(name, flags)
	require.NoError(t, err)
	assert.Equal(t, flags, out)
	return f.(*File)
}

func reserve(t *testing.T, f *File) {
	t.Helper()
	require.NoError(t, f.Lock(sqlite.LockShared))
	require.NoError(t, f.Lock(sqlite.LockReserved))
}

func TestPool_RoundTripScenario(t *testing.T) {
	t.Parallel()

	m := newPool(t, pool.Options{InitialCapacity: 20, Reset: true})
	v := New(Options{Name: "opfs-sahpool", Backend: m})
	assert.Equal(t, 20, m.Capacity())

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	f := openFile(t, v, "a.db", mainDB)
	reserve(t, f)
	_, err := f.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync(sqlite.SyncNormal))
	require.NoError(t, f.Close())

	f = openFile(t, v, "a.db", sqlite.OpenReadWrite|sqlite.OpenMainDB)
	got := make([]byte, 100)
	n, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data, got)
	require.NoError(t, f.Close())
}

func TestFile_ReadWrite(t *testing.T) {
	t.Parallel()

	for name, v := range backends(t) {
		v := v
		t.Run(name, func(t *testing.T) {
			f := openFile(t, v, "/db", journal)
			defer f.Close()

			_, err := f.WriteAt([]byte("hello"), 0)
			require.NoError(t, err)
			_, err = f.WriteAt([]byte("world"), 1000)
			require.NoError(t, err)

			size, err := f.Size()
			require.NoError(t, err)
			assert.Equal(t, int64(1005), size)

			gap := make([]byte, 995)
			_, err = f.ReadAt(gap, 5)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 995), gap)

			// Past EOF the tail is zero-filled and reported as a short read.
			buf := bytes.Repeat([]byte{0xff}, 10)
			n, err := f.ReadAt(buf, 1000)
			assert.Equal(t, sqlite.IOErrShortRead, sqlite.Code(err))
			assert.Equal(t, 5, n)
			assert.Equal(t, append([]byte("world"), make([]byte, 5)...), buf)

			require.NoError(t, f.Truncate(3))
			buf = make([]byte, 3)
			_, err = f.ReadAt(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, []byte("hel"), buf)
		})
	}
}

func TestFile_MainDBWriteNeedsReserved(t *testing.T) {
	t.Parallel()

	for name, v := range backends(t) {
		v := v
		t.Run(name, func(t *testing.T) {
			f := openFile(t, v, "/main.db", mainDB)
			defer f.Close()

			// Reads are never gated.
			_, err := f.ReadAt(make([]byte, 100), 0)
			assert.Equal(t, sqlite.IOErrShortRead, sqlite.Code(err))

			_, err = f.WriteAt([]byte("x"), 0)
			assert.Equal(t, sqlite.Busy, sqlite.Code(err))
			assert.True(t, errors.Is(err, vfserrors.ErrBusy))
			assert.Equal(t, sqlite.Busy, sqlite.Code(f.Truncate(0)))

			reserve(t, f)
			_, err = f.WriteAt([]byte("x"), 0)
			assert.NoError(t, err)
		})
	}
}

func TestFile_LockProtocol(t *testing.T) {
	t.Parallel()

	for name, v := range backends(t) {
		v := v
		t.Run(name, func(t *testing.T) {
			writer := openFile(t, v, "/shared.db", mainDB)
			reader := openFile(t, v, "/shared.db", mainDB)
			defer writer.Close()
			defer reader.Close()

			require.NoError(t, writer.Lock(sqlite.LockShared))
			require.NoError(t, reader.Lock(sqlite.LockShared))
			require.NoError(t, writer.Lock(sqlite.LockReserved))

			held, err := reader.CheckReservedLock()
			require.NoError(t, err)
			assert.True(t, held)
			assert.Equal(t, sqlite.Busy, sqlite.Code(reader.Lock(sqlite.LockReserved)))

			assert.Equal(t, sqlite.Busy, sqlite.Code(writer.Lock(sqlite.LockExclusive)))
			assert.Equal(t, sqlite.LockPending, writer.LockLevel())

			require.NoError(t, reader.Unlock(sqlite.LockNone))
			require.NoError(t, writer.Lock(sqlite.LockExclusive))
			assert.Equal(t, sqlite.LockExclusive, writer.LockLevel())

			// New readers are kept out while the writer is exclusive.
			assert.Equal(t, sqlite.Busy, sqlite.Code(reader.Lock(sqlite.LockShared)))

			require.NoError(t, writer.Unlock(sqlite.LockShared))
			require.NoError(t, reader.Lock(sqlite.LockShared))
			assert.Equal(t, sqlite.IOErrUnlock, sqlite.Code(writer.Unlock(sqlite.LockReserved)))
		})
	}
}

func TestFile_CloseReleasesLocks(t *testing.T) {
	t.Parallel()

	v := backends(t)["pool"]
	a := openFile(t, v, "/l.db", mainDB)
	b := openFile(t, v, "/l.db", mainDB)
	defer b.Close()

	reserve(t, a)
	require.NoError(t, a.Close())

	held, err := b.CheckReservedLock()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestVFS_OpenErrors(t *testing.T) {
	t.Parallel()

	for name, v := range backends(t) {
		v := v
		t.Run(name, func(t *testing.T) {
			existing := openFile(t, v, "/exists.db", mainDB)
			defer existing.Close()

			tests := []struct {
				name  string
				path  string
				flags sqlite.OpenFlag
				want  sqlite.ResultCode
				kind  vfserrors.Kind
			}{
				{"missing without create", "/missing.db", sqlite.OpenReadWrite, sqlite.CantOpen, vfserrors.KindNotFound},
				{"exclusive create on existing", "/exists.db", mainDB | sqlite.OpenExclusive, sqlite.CantOpen, vfserrors.KindIO},
				{"wal", "/exists.db-wal", sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL, sqlite.CantOpen, vfserrors.KindUnsupported},
				{"path too long", "/" + strings.Repeat("x", sqlite.MaxPathname), mainDB, sqlite.CantOpen, vfserrors.KindResourceExhausted},
			}
			for _, tt := range tests {
				_, _, err := v.Open(tt.path, tt.flags)
				assert.Equal(t, tt.want, sqlite.Code(err), tt.name)
				assert.True(t, vfserrors.IsKind(err, tt.kind), "%s: %v", tt.name, err)
			}
		})
	}
}

func TestVFS_TempFileDeletedOnClose(t *testing.T) {
	t.Parallel()

	m := newPool(t, pool.Options{InitialCapacity: 2})
	v := New(Options{Name: "opfs-sahpool", Backend: m})

	f, flags, err := v.Open("", sqlite.OpenReadWrite|sqlite.OpenTempJournal)
	require.NoError(t, err)
	assert.True(t, flags.Has(sqlite.OpenDeleteOnClose))
	_, err = f.WriteAt([]byte("scratch"), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.FileCount())

	tmp := f.(*File).Path()
	ok, err := v.Access(tmp, sqlite.AccessExists)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.Close())
	assert.Zero(t, m.FileCount())
	ok, err = v.Access(tmp, sqlite.AccessExists)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVFS_DeleteAndAccess(t *testing.T) {
	t.Parallel()

	for name, v := range backends(t) {
		v := v
		t.Run(name, func(t *testing.T) {
			err := v.Delete("/nope", false)
			assert.Equal(t, sqlite.IOErrDeleteNoEnt, sqlite.Code(err))

			f := openFile(t, v, "/j", journal)
			_, err = f.WriteAt([]byte("journal"), 0)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			ok, err := v.Access("j", sqlite.AccessReadWrite)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, v.Delete("/j", true))
			ok, err = v.Access("/j", sqlite.AccessExists)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVFS_PoolExhaustion(t *testing.T) {
	t.Parallel()

	m := newPool(t, pool.Options{InitialCapacity: 1, MaxCapacity: 1})
	v := New(Options{Name: "opfs-sahpool", Backend: m})

	f := openFile(t, v, "/one.db", mainDB)
	defer f.Close()

	_, _, err := v.Open("/two.db", mainDB)
	assert.Equal(t, sqlite.CantOpen, sqlite.Code(err))
	assert.True(t, errors.Is(err, vfserrors.ErrResourceExhausted))

	// The bound file is untouched.
	reserve(t, f)
	_, err = f.WriteAt([]byte("still mine"), 0)
	assert.NoError(t, err)
}

func TestVFS_ClosedCallsAreMisuse(t *testing.T) {
	t.Parallel()

	v := backends(t)["relaxed"]
	f := openFile(t, v, "/c.db", journal)
	require.NoError(t, f.Close())

	assert.Equal(t, sqlite.Misuse, sqlite.Code(f.Close()))
	_, err := f.ReadAt(make([]byte, 1), 0)
	assert.Equal(t, sqlite.Misuse, sqlite.Code(err))
	assert.Equal(t, sqlite.Misuse, sqlite.Code(f.Lock(sqlite.LockShared)))

	open := openFile(t, v, "/open.db", journal)
	require.NoError(t, v.Close())
	assert.Zero(t, v.OpenFiles())
	assert.Equal(t, sqlite.Misuse, sqlite.Code(open.Sync(sqlite.SyncFull)))

	_, _, err = v.Open("/c.db", journal)
	assert.Equal(t, sqlite.Misuse, sqlite.Code(err))
	_, err = v.Access("/c.db", sqlite.AccessExists)
	assert.Equal(t, sqlite.Misuse, sqlite.Code(err))
}

func TestVFS_FullPathname(t *testing.T) {
	t.Parallel()

	v := New(Options{Name: "x", Backend: newRelaxed(t)})

	tests := []struct {
		in   string
		want string
		code sqlite.ResultCode
	}{
		{"a.db", "/a.db", sqlite.OK},
		{"/dir/../b.db", "/b.db", sqlite.OK},
		{"//c//d.db", "/c/d.db", sqlite.OK},
		{"", "/", sqlite.OK},
		{strings.Repeat("y", sqlite.MaxPathname+1), "", sqlite.CantOpenFullPath},
	}
	for _, tt := range tests {
		got, err := v.FullPathname(tt.in)
		assert.Equal(t, tt.code, sqlite.Code(err), tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFile_FileControlAndCharacteristics(t *testing.T) {
	t.Parallel()

	v := backends(t)["pool"]
	f := openFile(t, v, "/fc.db", mainDB)
	defer f.Close()

	assert.NoError(t, f.FileControl(sqlite.FcntlSizeHint, 1<<20))
	assert.Equal(t, sqlite.NotFound, sqlite.Code(f.FileControl(sqlite.FcntlPragma, 0)))
	assert.Equal(t, sqlite.DefaultSectorSize, f.SectorSize())
	assert.Equal(t, sqlite.IOCapUndeletableWhenOpen|sqlite.IOCapPowersafeOverwrite, f.DeviceCharacteristics())
}

func TestVFS_RecordsMetrics(t *testing.T) {
	t.Parallel()

	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	v := New(Options{Name: "m", Backend: newRelaxed(t), Metrics: collector})

	f := openFile(t, v, "/m.db", journal)
	_, err = f.WriteAt([]byte("12345"), 0)
	require.NoError(t, err)
	_, err = f.ReadAt(make([]byte, 10), 0)
	require.Error(t, err)
	require.NoError(t, f.Close())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap["m.open"].Count)
	assert.Equal(t, int64(5), snap["m.write"].TotalSize)
	assert.Equal(t, int64(1), snap["m.read"].Errors)
	assert.Equal(t, int64(1), snap["m.close"].Count)
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	kindErr := func(k vfserrors.Kind) error { return vfserrors.New(k, "x") }

	tests := []struct {
		op   string
		err  error
		want sqlite.ResultCode
	}{
		{opOpen, kindErr(vfserrors.KindBusy), sqlite.Busy},
		{opOpen, kindErr(vfserrors.KindResourceExhausted), sqlite.CantOpen},
		{opRead, kindErr(vfserrors.KindIO), sqlite.IOErrRead},
		{opWrite, kindErr(vfserrors.KindResourceExhausted), sqlite.Full},
		{opWrite, errors.New("disk on fire"), sqlite.IOErrWrite},
		{opTruncate, kindErr(vfserrors.KindIO), sqlite.IOErrTruncate},
		{opSync, kindErr(vfserrors.KindIO), sqlite.IOErrFsync},
		{opSize, kindErr(vfserrors.KindIO), sqlite.IOErrFstat},
		{opLock, kindErr(vfserrors.KindUnsupported), sqlite.Busy},
		{opLock, kindErr(vfserrors.KindIO), sqlite.IOErrLock},
		{opUnlock, kindErr(vfserrors.KindUnsupported), sqlite.IOErrUnlock},
		{opCheckReserved, kindErr(vfserrors.KindIO), sqlite.IOErrCheckReservedLock},
		{opDelete, kindErr(vfserrors.KindNotFound), sqlite.IOErrDeleteNoEnt},
		{opDelete, kindErr(vfserrors.KindIO), sqlite.IOErrDelete},
		{opAccess, kindErr(vfserrors.KindIO), sqlite.IOErrAccess},
		{opClose, kindErr(vfserrors.KindIO), sqlite.IOErrClose},
		{opFileControl, kindErr(vfserrors.KindUnsupported), sqlite.NotFound},
		{opClose, kindErr(vfserrors.KindInvalidState), sqlite.Misuse},
		{"unknown", kindErr(vfserrors.KindIO), sqlite.Error},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, translate(tt.op, tt.err), "%s %v", tt.op, tt.err)
	}
}
