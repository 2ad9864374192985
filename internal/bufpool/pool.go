// Package bufpool implements the Buffer Pool: a sharded, power-of-two
// bucketed byte-slice pool. It generalizes the teacher's single-size
// sync.Pool (pkg/source/slice_pool.go) to the range of buffer sizes the
// engine actually needs, from a 1 KiB chunk-frame header read up to a
// 16 MiB high end for oversized payloads.
package bufpool

import "sync"

const (
	minClass = 1 << 10 // 1 KiB
	maxClass = 1 << 24 // 16 MiB
	numClasses = 15    // log2(maxClass/minClass) + 1

	// softCap bounds how many buffers a single bucket holds onto; beyond
	// this, Release discards the buffer instead of pooling it, so a burst
	// of oversized requests doesn't pin arbitrary memory.
	softCap = 64
)

// Pool is a sharded, power-of-two bucketed buffer pool. The zero value is
// ready to use.
type Pool struct {
	buckets [numClasses]bucket
	once    sync.Once
}

type bucket struct {
	mu    sync.Mutex
	free  [][]byte
	size  int64
	count int
}

func classSize(idx int) int64 {
	return minClass << uint(idx)
}

// classIndex returns the index of the smallest bucket whose class size is
// >= size. Callers must first verify size <= maxClass.
func classIndex(size int64) int {
	idx := 0
	for classSize(idx) < size {
		idx++
	}
	return idx
}

func (p *Pool) init() {
	p.once.Do(func() {
		for i := range p.buckets {
			p.buckets[i].size = classSize(i)
		}
	})
}

// Acquire returns a buffer of at least size bytes. Its contents are not
// zeroed; callers must treat it as uninitialized.
func (p *Pool) Acquire(size int64) []byte {
	p.init()

	if size <= 0 {
		size = 1
	}

	if size > maxClass {
		// Larger than our biggest bucket: allocate directly, don't pool it.
		return make([]byte, size)
	}

	idx := classIndex(size)
	b := &p.buckets[idx]

	b.mu.Lock()
	n := len(b.free)
	if n > 0 {
		buf := b.free[n-1]
		b.free = b.free[:n-1]
		b.count--
		b.mu.Unlock()
		return buf[:size]
	}
	b.mu.Unlock()

	return make([]byte, b.size)[:size]
}

// Release returns buf to its size class's bucket, unless the bucket is
// already at its soft cap or buf's capacity doesn't exactly match one of
// the pool's classes, in which case buf is discarded and left for the
// garbage collector.
func (p *Pool) Release(buf []byte) {
	p.init()

	capacity := int64(cap(buf))
	if capacity < minClass || capacity > maxClass || capacity&(capacity-1) != 0 {
		return
	}

	idx := classIndex(capacity)
	if classSize(idx) != capacity {
		return
	}

	b := &p.buckets[idx]

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= softCap {
		return
	}

	b.free = append(b.free, buf[:cap(buf)])
	b.count++
}
