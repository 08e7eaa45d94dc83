package dataloader

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Pool recycles the float32 backing arrays of batch tensors. Every role in a
// batch has a fixed element count, so buffers are pooled by exact size.
type Pool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks usage of one buffer size.
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewPool creates an empty buffer pool.
func NewPool() *Pool {
	return &Pool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size elements.
func (p *Pool) Get(size int) []float32 {
	p.mu.Lock()
	pool, ok := p.pools[size]
	if !ok {
		pool = &sync.Pool{}
		p.pools[size] = pool
		p.stats[size] = &PoolStats{}
	}
	stats := p.stats[size]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	p.mu.Unlock()

	if buf, ok := pool.Get().(*[]float32); ok {
		return *buf
	}

	p.mu.Lock()
	stats.Misses++
	p.mu.Unlock()
	return make([]float32, size)
}

// Put hands buf back. Buffers of a size never requested are dropped.
func (p *Pool) Put(buf []float32) {
	if len(buf) == 0 {
		return
	}

	p.mu.Lock()
	pool, ok := p.pools[len(buf)]
	if !ok {
		p.mu.Unlock()
		return
	}
	stats := p.stats[len(buf)]
	stats.Puts++
	stats.InUse--
	p.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
	pool.Put(&buf)
}

// Stats returns a snapshot of per-size statistics.
func (p *Pool) Stats() map[int]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]PoolStats, len(p.stats))
	for size, s := range p.stats {
		out[size] = *s
	}
	return out
}

// String summarizes hit rates per buffer size.
func (p *Pool) String() string {
	stats := p.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("batch pool:")
	for _, size := range sizes {
		s := stats[size]
		hitRate := float64(0)
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&sb, " [%d: gets=%d in_use=%d max=%d hit=%.1f%%]", size, s.Gets, s.InUse, s.MaxInUse, hitRate)
	}
	return sb.String()
}
