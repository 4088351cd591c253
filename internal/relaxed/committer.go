package relaxed

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/sqlitevfs/internal/circuit"
)

type pendingBlock struct {
	f       *file
	block   int64
	version uint64
	data    []byte
}

type pendingRemoval struct {
	path  string
	block int64
}

// batch is what one commit writes: blocks first, then the index, then removals.
type batch struct {
	blocks   []pendingBlock
	index    []byte
	removals []pendingRemoval
}

func (b *batch) empty() bool {
	return len(b.blocks) == 0 && b.index == nil && len(b.removals) == 0
}

// commitLoop runs background commits on every tick and whenever Flush asks for one.
func (m *Manager) commitLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.flushCh:
			m.backgroundCommit()
		case <-ticker.C:
			m.backgroundCommit()
		}
	}
}

func (m *Manager) backgroundCommit() {
	if !m.pending() {
		return
	}
	err := m.breaker.Execute(m.ctx, m.commit)
	switch {
	case err == nil:
	case err == circuit.ErrOpen:
		m.logger.Debug("background commit skipped, breaker open")
	case m.ctx.Err() != nil:
	default:
		m.logger.WithField("err", err).Warn("background commit failed")
	}
}

// schedule asks the committer for a commit without waiting for it.
func (m *Manager) schedule() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

func (m *Manager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.done
}

func (m *Manager) pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.indexDirty || len(m.graveyard) > 0 {
		return true
	}
	for _, f := range m.files {
		if len(f.dirty) > 0 || len(f.stale) > 0 {
			return true
		}
	}
	return false
}

// Commit writes every dirty block, the index and pending removals to the store,
// bypassing the breaker. It waits for the store.
func (m *Manager) Commit(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return m.closedError("commit")
	}
	return m.commit(ctx)
}

func (m *Manager) commit(ctx context.Context) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	b, err := m.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		for _, pb := range b.blocks {
			m.buffers.Put(pb.data)
		}
	}()
	if b.empty() {
		return nil
	}

	start := time.Now()
	err = m.write(ctx, b)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
		if b.index != nil {
			m.indexDirty = true
		}
		return err
	}
	m.applyLocked(b)
	m.commits++
	m.lastCommit = time.Now()

	m.logger.WithFields(log.Fields{
		"blocks":   len(b.blocks),
		"index":    b.index != nil,
		"removals": len(b.removals),
		"took":     time.Since(start),
	}).Debug("commit done")
	return nil
}

// snapshotLocked copies the dirty state so the store can be written without
// holding the cache lock.
func (m *Manager) snapshotLocked() (*batch, error) {
	b := &batch{}
	for path, f := range m.files {
		for block, version := range f.dirty {
			data := m.buffers.Get(m.blockSize)
			copy(data, f.blocks[block])
			b.blocks = append(b.blocks, pendingBlock{f: f, block: block, version: version, data: data})
		}
		for block := range f.stale {
			b.removals = append(b.removals, pendingRemoval{path: path, block: block})
		}
	}
	for path, g := range m.graveyard {
		for block := range g {
			b.removals = append(b.removals, pendingRemoval{path: path, block: block})
		}
	}

	if m.indexDirty {
		entries := make([]indexEntry, 0, len(m.files))
		for path, f := range m.files {
			entries = append(entries, indexEntry{Path: path, Size: f.size, Flags: f.flags})
		}
		data, err := encodeIndex(m.blockSize, entries)
		if err != nil {
			return b, err
		}
		b.index = data
		m.indexDirty = false
	}
	return b, nil
}

func (m *Manager) write(ctx context.Context, b *batch) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commitParallelism)
	for _, pb := range b.blocks {
		key, data := blockKey(pb.f.path, pb.block), pb.data
		g.Go(func() error {
			return m.store.Put(gctx, key, data)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if b.index != nil {
		if err := m.store.Put(ctx, IndexKey, b.index); err != nil {
			return err
		}
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(commitParallelism)
	for _, r := range b.removals {
		key := blockKey(r.path, r.block)
		g.Go(func() error {
			return m.store.Delete(gctx, key)
		})
	}
	return g.Wait()
}

// applyLocked marks committed blocks clean unless they were written again while the
// commit was in flight.
func (m *Manager) applyLocked(b *batch) {
	for _, pb := range b.blocks {
		if pb.f.dirty[pb.block] == pb.version {
			delete(pb.f.dirty, pb.block)
		}
	}
	for _, r := range b.removals {
		if g, ok := m.graveyard[r.path]; ok {
			delete(g, r.block)
			if len(g) == 0 {
				delete(m.graveyard, r.path)
			}
		}
		if f, ok := m.files[r.path]; ok {
			delete(f.stale, r.block)
		}
	}
}
