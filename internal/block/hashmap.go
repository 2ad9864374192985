package block

import "sync"

// DirtyPages tracks which mmap pages have been written since the last
// flush. Resource reports the count as a diagnostic; a flush still forces
// the whole mapping and then clears the set. Backed by a map rather than a
// bitset because dirty sets are typically sparse and short-lived between
// flushes.
type DirtyPages struct {
	mu       sync.RWMutex
	data     map[uint32]struct{}
	pageSize int64
}

// NewDirtyPages returns a dirty-page tracker at pageSize granularity.
func NewDirtyPages(pageSize int64) *DirtyPages {
	return &DirtyPages{
		pageSize: pageSize,
		data:     make(map[uint32]struct{}),
	}
}

// Mark records the page containing byte offset off as dirty.
func (d *DirtyPages) Mark(off int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.data[uint32(off/d.pageSize)] = struct{}{}
}

// MarkRange marks every page touching [off, off+length) as dirty.
func (d *DirtyPages) MarkRange(off, length int64) {
	if length <= 0 {
		return
	}

	first := off / d.pageSize
	last := (off + length - 1) / d.pageSize

	d.mu.Lock()
	defer d.mu.Unlock()

	for p := first; p <= last; p++ {
		d.data[uint32(p)] = struct{}{}
	}
}

// IsDirty reports whether the page containing off has been marked since
// the last Clear.
func (d *DirtyPages) IsDirty(off int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.data[uint32(off/d.pageSize)]
	return ok
}

// Len reports how many distinct pages are currently marked dirty.
func (d *DirtyPages) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.data)
}

// Clear empties the dirty set, called after a successful flush.
func (d *DirtyPages) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.data = make(map[uint32]struct{})
}
