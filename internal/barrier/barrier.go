// Package barrier implements the Flush Barrier: the reader/writer lock
// specialized to the region file's durability contract.
// The critical race it closes is a reader observing stale mmap bytes
// while a writer is mid-append; sequencing flush-under-exclusive-lock
// eliminates torn reads without requiring every reader to re-stat or
// re-mmap on each call.
package barrier

import "sync"

// Flusher is anything that can force its buffered bytes to stable
// storage; satisfied by the mmap wrapper in internal/region.
type Flusher interface {
	Flush() error
}

// Barrier is a reader/writer lock with an explicit force-on-release
// contract for the write side. The zero value is ready to use.
type Barrier struct {
	mu sync.RWMutex
}

// BeforeRead acquires shared (read) mode.
func (b *Barrier) BeforeRead() {
	b.mu.RLock()
}

// AfterRead releases shared mode. The direct-buffer-invalidation option
// allows for is not needed here: this engine always copies out of the mmap
// into pool buffers before returning to callers, so there is no outstanding
// direct view to invalidate.
func (b *Barrier) AfterRead() {
	b.mu.RUnlock()
}

// BeforeFlush acquires exclusive (write) mode.
func (b *Barrier) BeforeFlush() {
	b.mu.Lock()
}

// AfterFlush forces f (if non-nil) to disk before releasing exclusive mode,
// so any reader that acquires the barrier afterward observes the flushed
// bytes.
func (b *Barrier) AfterFlush(f Flusher) error {
	defer b.mu.Unlock()

	if f == nil {
		return nil
	}
	return f.Flush()
}

// Force acquires exclusive mode, forces f, and releases. Used during
// shutdown's force_all sweep and by the Region Writer's smart fsync
// policy when forcing outside of a just-completed append.
func (b *Barrier) Force(f Flusher) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f == nil {
		return nil
	}
	return f.Flush()
}
