// Package region implements the Shared Region Resource, Region Reader,
// and Region Writer: the per-file ownership, random-access read path, and
// append-oriented write path.
//
// Grounded on the teacher's mmapped-file wrapper (pkg/cache/mmap.go,
// pkg/cache/cache.go) and its reference-counted overlay pattern
// (pkg/overlay/overlay.go), generalized from a flat block device to a
// region file's header-addressed chunk slots.
package region

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/barrier"
	"github.com/lrfstore/lrf/internal/block"
	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/header"
	"github.com/lrfstore/lrf/internal/lrferr"
)

// Resource is the Shared Region Resource: the single point of ownership
// for one region file's handle, optional mmap, cached header, and Flush
// Barrier. It is uniquely keyed by absolute path in a Registry and is
// reference-counted across its holders (readers, writers, the prefetch
// engine).
type Resource struct {
	path        string
	mmapEnabled bool
	logger      *zap.Logger

	file *os.File

	mmapMu   sync.Mutex // guards mm/mmapSize remap, separate from I/O
	mm       mmap.MMap
	mmapSize int64

	barrier barrier.Barrier

	headerMu      sync.RWMutex
	hdr           *header.Header
	headerVersion uint64

	// dirty tracks which pages have been written since the last Flush, so
	// Manager.Shutdown can log how much unflushed data a region is carrying
	// before it forces the Flush Barrier. The smart force policy only
	// forces on size/time thresholds, leaving a window this counter makes
	// observable.
	dirty *block.DirtyPages

	refcount int32 // atomic

	registry *Registry
}

func openOrCreate(path string, globalCompression codec.Kind) (*os.File, *header.Header, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening region file %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat region file %s: %w", path, err)
	}

	if info.Size() == 0 {
		hdr := header.New(globalCompression)
		if _, err := f.WriteAt(hdr.Serialize(), 0); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("initializing region header %s: %w", path, err)
		}
		return f, hdr, nil
	}

	if info.Size() < header.Len {
		f.Close()
		return nil, nil, lrferr.InvalidFormat{Reason: "file shorter than header region"}
	}

	buf := make([]byte, header.Len)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading region header %s: %w", path, err)
	}

	hdr, err := header.Parse(buf)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	return f, hdr, nil
}

// open creates the Resource for path, initializing a fresh header if the
// file is new. Called only from Registry.Acquire while holding the
// registry lock.
func open(path string, mmapEnabled bool, globalCompression codec.Kind, logger *zap.Logger) (*Resource, error) {
	f, hdr, err := openOrCreate(path, globalCompression)
	if err != nil {
		return nil, err
	}

	r := &Resource{
		path:        path,
		mmapEnabled: mmapEnabled,
		logger:      logger,
		file:        f,
		hdr:         hdr,
		dirty:       block.NewDirtyPages(block.PageSize),
	}

	if mmapEnabled {
		if err := r.remapLocked(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return r, nil
}

// remapLocked (re)creates the mapping to cover the file's current size.
// Callers must hold mmapMu.
func (r *Resource) remapLocked() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat region file %s: %w", r.path, err)
	}

	size := info.Size()
	if size == 0 {
		return nil
	}

	if r.mm != nil {
		if err := r.mm.Unmap(); err != nil {
			return fmt.Errorf("unmapping region file %s: %w", r.path, err)
		}
	}

	mm, err := mmap.Map(r.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mapping region file %s: %w", r.path, err)
	}

	r.mm = mm
	r.mmapSize = size
	return nil
}

// MappedBuffer returns the current mmap slice, remapping first if the file
// has grown past the existing mapping's extent. ok is false when mmap is
// disabled or unavailable, in which case the caller falls back to
// positional channel reads.
func (r *Resource) MappedBuffer(requiredSize int64) (buf mmap.MMap, ok bool) {
	if !r.mmapEnabled {
		return nil, false
	}

	r.mmapMu.Lock()
	defer r.mmapMu.Unlock()

	if requiredSize > r.mmapSize {
		if err := r.remapLocked(); err != nil {
			if r.logger != nil {
				r.logger.Warn("mmap remap failed, falling back to channel I/O",
					zap.String("region", r.path), zap.Error(err))
			}
			return nil, false
		}
	}

	if requiredSize > r.mmapSize {
		return nil, false
	}

	return r.mm, true
}

// Flush implements barrier.Flusher by forcing the mmap (if any) to disk.
func (r *Resource) Flush() error {
	r.mmapMu.Lock()
	defer r.mmapMu.Unlock()

	if r.mm == nil {
		return nil
	}
	if err := r.mm.Flush(); err != nil {
		return err
	}
	r.dirty.Clear()
	return nil
}

// Barrier returns the resource's Flush Barrier.
func (r *Resource) Barrier() *barrier.Barrier { return &r.barrier }

// File returns the underlying file handle for positional channel I/O,
// narrowed to the Device surface the Region Reader/Writer actually use.
func (r *Resource) File() block.Device { return r.file }

// MarkDirty records [off, off+length) as written since the last Flush.
func (r *Resource) MarkDirty(off, length int64) {
	r.dirty.MarkRange(off, length)
}

// DirtyPageCount reports how many pages are currently dirty, for
// Manager.Shutdown's pre-force diagnostic logging.
func (r *Resource) DirtyPageCount() int {
	return r.dirty.Len()
}

// Path returns the resource's key path.
func (r *Resource) Path() string { return r.path }

// Header returns the live, in-memory cached header. The returned pointer
// is the resource's single shared instance; callers must treat it as
// read-only unless they hold headerMu for writing (only the Region
// Writer does, via MutateHeader).
func (r *Resource) Header() *header.Header {
	r.headerMu.RLock()
	defer r.headerMu.RUnlock()
	return r.hdr
}

// MutateHeader runs fn with exclusive access to the header and bumps the
// version token, implementing invalidate_header's publish side: once fn
// returns, every subsequent Header call observes the mutation, same-process
// readers included.
func (r *Resource) MutateHeader(fn func(*header.Header)) {
	r.headerMu.Lock()
	fn(r.hdr)
	atomic.AddUint64(&r.headerVersion, 1)
	r.headerMu.Unlock()
}

// HeaderVersion returns the current version token, advanced once per
// MutateHeader call.
func (r *Resource) HeaderVersion() uint64 {
	return atomic.LoadUint64(&r.headerVersion)
}

// ReloadHeaderFromDisk re-parses the header region from disk, used when a
// holder needs to cross-check its in-memory cache against the file (e.g.
// after the Migrator replaces a file out from under a long-lived
// Resource, which this engine otherwise never does mid-lifetime).
func (r *Resource) ReloadHeaderFromDisk() error {
	buf := make([]byte, header.Len)
	if _, err := r.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("reloading header %s: %w", r.path, err)
	}

	hdr, err := header.Parse(buf)
	if err != nil {
		return err
	}

	r.headerMu.Lock()
	r.hdr = hdr
	atomic.AddUint64(&r.headerVersion, 1)
	r.headerMu.Unlock()

	return nil
}

// addRef increments the reference count; called only by Registry.
func (r *Resource) addRef() {
	atomic.AddInt32(&r.refcount, 1)
}

// RefCount reports the resource's current reference count, exposed for
// tests verifying the refcount invariant.
func (r *Resource) RefCount() int32 {
	return atomic.LoadInt32(&r.refcount)
}

// Close decrements the reference count and releases the Resource back to
// its Registry; on reaching zero it unmaps and closes the file.
func (r *Resource) Close() error {
	return r.registry.release(r)
}

// teardown unmaps and closes the file. Called by Registry once the
// reference count has reached zero. Unmapping explicitly before close
// matters on platforms that would otherwise hold a lock on the mapped
// file past process exit.
func (r *Resource) teardown() error {
	r.mmapMu.Lock()
	var unmapErr error
	if r.mm != nil {
		unmapErr = r.mm.Unmap()
		r.mm = nil
	}
	r.mmapMu.Unlock()

	closeErr := r.file.Close()

	if unmapErr != nil || closeErr != nil {
		return fmt.Errorf("closing region resource %s: unmap=%v close=%v", r.path, unmapErr, closeErr)
	}
	return nil
}
