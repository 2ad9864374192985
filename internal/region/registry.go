package region

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/codec"
)

// Registry is the Storage Manager's keyed-by-absolute-path lookup table of
// Shared Region Resources. It holds a weak (lookup-only) reference to each
// resource: inserting into the map does not itself keep a resource alive (
// "cyclic references" design note) — the resource's own reference count,
// driven by Acquire/Close, governs its lifetime. The registry only ever
// forgets an entry once that count reaches zero.
type Registry struct {
	mu                sync.Mutex
	resources         map[string]*Resource
	mmapEnabled       bool
	globalCompression codec.Kind
	logger            *zap.Logger
}

// NewRegistry returns an empty registry. mmapEnabled mirrors mmap_enabled
// option; globalCompression is the default recorded into a freshly created
// region file's header.
func NewRegistry(mmapEnabled bool, globalCompression codec.Kind, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		resources:         make(map[string]*Resource),
		mmapEnabled:       mmapEnabled,
		globalCompression: globalCompression,
		logger:            logger,
	}
}

// Acquire returns a reference-counted handle to the Resource for path,
// creating it (and the backing region file, if absent) on first
// acquisition.
func (reg *Registry) Acquire(path string) (*Resource, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.resources[path]; ok {
		r.addRef()
		return r, nil
	}

	r, err := open(path, reg.mmapEnabled, reg.globalCompression, reg.logger)
	if err != nil {
		return nil, err
	}

	r.registry = reg
	r.addRef()
	reg.resources[path] = r

	return r, nil
}

// release decrements r's reference count and tears it down at zero,
// removing it from the registry. Called by Resource.Close.
func (reg *Registry) release(r *Resource) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	remaining := r.refcount - 1
	if remaining < 0 {
		r.refcount = 0
		return nil
	}
	r.refcount = remaining

	if remaining > 0 {
		return nil
	}

	delete(reg.resources, r.path)
	return r.teardown()
}

// ForceAll forces every currently registered resource's mmap under its own
// Flush Barrier's exclusive mode, the force_all half of the Storage
// Manager's shutdown sequence.
func (reg *Registry) ForceAll() error {
	reg.mu.Lock()
	snapshot := make([]*Resource, 0, len(reg.resources))
	for _, r := range reg.resources {
		snapshot = append(snapshot, r)
	}
	reg.mu.Unlock()

	var firstErr error
	for _, r := range snapshot {
		if err := r.Barrier().Force(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports how many resources are currently registered, for tests and
// diagnostics.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.resources)
}

// DirtyPageTotal sums DirtyPageCount across every currently registered
// resource, for the Storage Manager's pre-shutdown diagnostic log.
func (reg *Registry) DirtyPageTotal() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	total := 0
	for _, r := range reg.resources {
		total += r.DirtyPageCount()
	}
	return total
}
