package pool

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

// DatabaseHeader is the magic string every database image starts with.
const DatabaseHeader = "SQLite format 3\x00"

// AddCapacity opens n more slots and returns the new capacity.
func (m *Manager) AddCapacity(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return m.Capacity(), nil
	}
	if err := m.grow(ctx, n); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return len(m.slots), nil
}

// ReduceCapacity removes up to n free slots and returns how many were removed.
// Bound slots are never removed.
func (m *Manager) ReduceCapacity(ctx context.Context, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("reduce-capacity"); err != nil {
		return 0, err
	}

	removed := 0
	kept := m.slots[:0]
	var dropped []*slot
	for i := len(m.slots) - 1; i >= 0; i-- {
		s := m.slots[i]
		if removed < n && s.free() && len(m.slots)-removed > 1 {
			dropped = append(dropped, s)
			removed++
		}
	}

	isDropped := make(map[*slot]bool, len(dropped))
	for _, s := range dropped {
		isDropped[s] = true
	}
	for _, s := range m.slots {
		if !isDropped[s] {
			s.index = len(kept)
			kept = append(kept, s)
		}
	}
	m.slots = kept

	for _, s := range dropped {
		delete(m.byHandle, s.handle)
		s.handle.Close()
		if err := m.ns.Remove(ctx, s.file); err != nil {
			m.logger.WithFields(log.Fields{"file": s.file, "err": err}).Warn("failed to remove slot file")
		}
	}

	if err := m.persistLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Wipe truncates every slot and clears every binding. It fails with Busy while any
// file is open.
func (m *Manager) Wipe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("wipe"); err != nil {
		return err
	}
	for _, s := range m.slots {
		if s.refs > 0 {
			return vfserrors.New(vfserrors.KindBusy, "file is open").
				WithComponent("pool").WithOperation("wipe").WithPath(s.path)
		}
	}

	for _, s := range m.slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.handle.Truncate(0); err != nil {
			return err
		}
		s.path, s.flags, s.doomed = "", 0, false
	}
	m.byPath = make(map[string]*slot)

	return m.persistLocked()
}

// Export returns the full contents of path.
func (m *Manager) Export(path string) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.byPath[path]
	m.mu.Unlock()
	if !ok {
		return nil, vfserrors.New(vfserrors.KindNotFound, "no such file").
			WithComponent("pool").WithOperation("export").WithPath(path)
	}

	size, err := s.handle.Size()
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	n, err := s.handle.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return data[:n], nil
}

// Import replaces path with a database image. The image must start with the
// database header and its length must be a multiple of the page size it declares.
func (m *Manager) Import(path string, data []byte, flags uint32) error {
	if err := validateImage(data); err != nil {
		return vfserrors.New(vfserrors.KindUnsupported, err.Error()).
			WithComponent("pool").WithOperation("import").WithPath(path)
	}

	image := append([]byte(nil), data...)
	// WAL mode cannot be served; reopen the image in rollback-journal mode.
	if image[18] == 2 && image[19] == 2 {
		image[18], image[19] = 1, 1
	}

	// Held across the write: path cannot be opened while it is replaced.
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen("import"); err != nil {
		return err
	}
	if s, ok := m.byPath[path]; ok && s.refs > 0 {
		return vfserrors.New(vfserrors.KindBusy, "file is open").
			WithComponent("pool").WithOperation("import").WithPath(path)
	}

	s, err := m.acquireLocked(path, true, flags)
	if err != nil {
		return err
	}
	defer func() { s.refs-- }()

	if err := s.handle.Truncate(0); err != nil {
		return err
	}
	if _, err := s.handle.WriteAt(image, 0); err != nil {
		return err
	}
	return s.handle.Flush()
}

func validateImage(data []byte) error {
	if len(data) < 100 || !bytes.Equal(data[:16], []byte(DatabaseHeader)) {
		return errInvalidImage("missing database header")
	}
	pageSize := int(binary.BigEndian.Uint16(data[16:18]))
	if pageSize == 1 {
		pageSize = 65536
	}
	if pageSize < 512 || pageSize&(pageSize-1) != 0 {
		return errInvalidImage("invalid page size")
	}
	if len(data)%pageSize != 0 {
		return errInvalidImage("image length is not a multiple of the page size")
	}
	return nil
}

type errInvalidImage string

func (e errInvalidImage) Error() string {
	return "not a database image: " + string(e)
}
