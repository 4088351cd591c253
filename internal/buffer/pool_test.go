package buffer

import (
	"testing"
)

func TestBytePool_Get(t *testing.T) {
	t.Parallel()

	p := NewBytePool()

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"minimum block", 512, 512},
		{"default block", 4096, 4096},
		{"between buckets", 5000, 8192},
		{"below minimum", 10, 512},
		{"maximum block", MaxBlockSize, MaxBlockSize},
		{"oversized", MaxBlockSize + 1, MaxBlockSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.size)
			if len(buf) != tt.size {
				t.Errorf("len = %d, want %d", len(buf), tt.size)
			}
			if cap(buf) != tt.wantCap {
				t.Errorf("cap = %d, want %d", cap(buf), tt.wantCap)
			}
			p.Put(buf)
		})
	}
}

func TestBytePool_PutClears(t *testing.T) {
	t.Parallel()

	p := NewBytePool()
	buf := p.Get(4096)
	for i := range buf {
		buf[i] = 0xff
	}
	p.Put(buf)

	// sync.Pool may or may not hand the same slice back; either way it is zeroed.
	again := p.Get(4096)
	for i, b := range again {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
}

func TestBytePool_GetStats(t *testing.T) {
	t.Parallel()

	stats := NewBytePool().GetStats()
	if stats.MinBufferSize != MinBlockSize || stats.MaxBufferSize != MaxBlockSize {
		t.Errorf("bounds = [%d, %d], want [%d, %d]",
			stats.MinBufferSize, stats.MaxBufferSize, MinBlockSize, MaxBlockSize)
	}
	if stats.TotalPools != 12 {
		t.Errorf("TotalPools = %d, want 12", stats.TotalPools)
	}
}
