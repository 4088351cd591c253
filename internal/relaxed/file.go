package relaxed

import (
	"io"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// file is the cached state of one path. All fields are guarded by Manager.mu.
//
// Every block the store holds for a file below its size is in blocks. Bytes past
// size inside the last block are always zero.
type file struct {
	path  string
	flags uint32
	size  int64

	blocks map[int64][]byte
	// dirty maps a block to the version of its latest write.
	dirty map[int64]uint64
	// stale holds blocks the store may still have past size.
	stale map[int64]bool

	refs    int
	deleted bool
	handle  *File
}

func newFile(m *Manager, path string, flags uint32) *file {
	f := &file{
		path:   path,
		flags:  flags,
		blocks: make(map[int64][]byte),
		dirty:  make(map[int64]uint64),
		stale:  make(map[int64]bool),
	}
	f.handle = &File{m: m, f: f}
	return f
}

// File is the storage handle of a relaxed file. Reads and writes are served from
// memory; Flush only schedules a background commit.
type File struct {
	m *Manager
	f *file
}

// Path returns the path the handle was opened for.
func (h *File) Path() string {
	return h.f.path
}

// ReadAt copies from the cache. Blocks never written read as zero.
func (h *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, h.invalid("read", "negative offset")
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	f := h.f
	if off >= f.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > f.size-off {
		n = int(f.size - off)
	}

	bs := int64(m.blockSize)
	for done := 0; done < n; {
		pos := off + int64(done)
		block, within := pos/bs, int(pos%bs)
		chunk := min(int(bs)-within, n-done)
		if b, ok := f.blocks[block]; ok {
			copy(p[done:done+chunk], b[within:])
		} else {
			clear(p[done : done+chunk])
		}
		done += chunk
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt updates the cached blocks covering p, reading the untouched parts of a
// partially covered block from the cache, and marks them dirty.
func (h *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, h.invalid("write", "negative offset")
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	f := h.f
	end := off + int64(len(p))
	if end > f.size {
		m.extendLocked(f, end)
	}

	bs := int64(m.blockSize)
	for done := 0; done < len(p); {
		pos := off + int64(done)
		block, within := pos/bs, int(pos%bs)
		chunk := min(int(bs)-within, len(p)-done)
		b, ok := f.blocks[block]
		if !ok {
			b = make([]byte, bs)
			f.blocks[block] = b
		}
		copy(b[within:], p[done:done+chunk])
		m.markDirtyLocked(f, block)
		done += chunk
	}

	if end > f.size {
		f.size = end
		m.indexDirty = true
	}
	return len(p), nil
}

// Truncate shrinks or extends the file. Shrinking zeroes the tail of the new last
// block and queues the blocks past it for removal.
func (h *File) Truncate(size int64) error {
	if size < 0 {
		return h.invalid("truncate", "negative size")
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()

	f := h.f
	switch {
	case size < f.size:
		bs := int64(m.blockSize)
		keep := (size + bs - 1) / bs
		for block := range f.blocks {
			if block >= keep {
				delete(f.blocks, block)
				delete(f.dirty, block)
				f.stale[block] = true
			}
		}
		if within := size % bs; within != 0 {
			if b, ok := f.blocks[size/bs]; ok {
				clear(b[within:])
				m.markDirtyLocked(f, size/bs)
			}
		}
	case size > f.size:
		m.extendLocked(f, size)
	default:
		return nil
	}

	f.size = size
	m.indexDirty = true
	return nil
}

// Flush schedules a background commit and returns without waiting for it.
func (h *File) Flush() error {
	h.m.schedule()
	return nil
}

// Size returns the cached size.
func (h *File) Size() (int64, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.f.size, nil
}

// Close gives the reference back to the manager.
func (h *File) Close() error {
	return h.m.Release(h)
}

func (h *File) invalid(op, msg string) error {
	return vfserrors.New(vfserrors.KindIO, msg).
		WithComponent("relaxed").WithOperation(op).WithPath(h.f.path)
}

// extendLocked makes sure blocks that are about to fall inside the file again are
// written as zeros instead of exposing what the store still holds for them.
func (m *Manager) extendLocked(f *file, size int64) {
	bs := int64(m.blockSize)
	for block := range f.stale {
		if block*bs < size {
			f.blocks[block] = make([]byte, bs)
			m.markDirtyLocked(f, block)
		}
	}
}

func (m *Manager) markDirtyLocked(f *file, block int64) {
	m.version++
	f.dirty[block] = m.version
	delete(f.stale, block)
}
