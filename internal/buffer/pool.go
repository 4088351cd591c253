// Package buffer pools the block-sized byte slices the relaxed backend copies dirty
// blocks into while a commit is in flight.
package buffer

import (
	"sync"
)

// MinBlockSize and MaxBlockSize bound the block sizes the pool has buckets for.
const (
	MinBlockSize = 512
	MaxBlockSize = 1 << 20
)

// BytePool provides object pooling for byte slices to reduce GC pressure
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// NewBytePool creates a pool with one bucket per power of two between MinBlockSize
// and MaxBlockSize.
func NewBytePool() *BytePool {
	p := &BytePool{pools: make(map[int]*sync.Pool)}
	for size := MinBlockSize; size <= MaxBlockSize; size <<= 1 {
		size := size
		p.sizes = append(p.sizes, size)
		p.pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}
	return p
}

// Get retrieves a byte slice of length size. Sizes above MaxBlockSize are
// allocated directly.
func (p *BytePool) Get(size int) []byte {
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a byte slice to the pool for reuse. Slices that did not come from a
// bucket are left to the GC.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}
	pool, ok := p.pools[cap(buf)]
	if !ok {
		return
	}
	buf = buf[:cap(buf)]
	for i := range buf {
		buf[i] = 0
	}
	// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}
	pool.Put(buf)
}

// PoolStats describes the bucket layout.
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	TotalPools    int   `json:"total_pools"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
}

// GetStats returns the bucket layout of the pool
func (p *BytePool) GetStats() PoolStats {
	stats := PoolStats{
		PoolSizes:  append([]int(nil), p.sizes...),
		TotalPools: len(p.pools),
	}
	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}
	return stats
}
