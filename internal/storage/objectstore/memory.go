package objectstore

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// Memory is an in-process Store ordered by key.
type Memory struct {
	mu   sync.RWMutex
	keys *btree.Map[string, []byte]
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{keys: btree.NewMap[string, []byte](0)}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.keys.Get(key)
	if !ok {
		return nil, notFound("memory-store", key)
	}
	return append([]byte(nil), value...), nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys.Set(key, append([]byte(nil), value...))
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys.Delete(key)
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	m.keys.Ascend(prefix, func(key string, _ []byte) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys.Len()
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
