// Package worldindex implements the turbo_index sidecar: a best-effort,
// flat memory-mapped file of one byte per chunk slot, opened lazily per
// region directory and updated off the Batch Writer's post-flush hook.
// Its absence or staleness never blocks a read or write.
package worldindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/header"
	"github.com/lrfstore/lrf/internal/region"
)

const fileName = "turbo_index"

// Entry packs a chunk's best-effort world-gen summary into one byte:
// generated:1 | height:4 | biome:3.
type Entry byte

// NewEntry packs generated, a 0-15 height band, and a 0-7 biome code into
// one byte. Out-of-range height/biome values are masked to their low 4
// and 3 bits rather than rejected: this sidecar is advisory, never
// authoritative.
func NewEntry(generated bool, height, biome int) Entry {
	height &= 0x0F
	biome &= 0x07

	var b byte
	if generated {
		b |= 0x80
	}
	b |= byte(height) << 3
	b |= byte(biome)
	return Entry(b)
}

func (e Entry) Generated() bool { return e&0x80 != 0 }
func (e Entry) Height() int     { return int(e>>3) & 0x0F }
func (e Entry) Biome() int      { return int(e) & 0x07 }

// Index is the mmap'd per-region-directory sidecar, sized to 1024 entries
// (one per chunk slot) regardless of how many regions share the
// directory: a flat, directory-scoped file rather than per-region, with a
// single file handle per directory. Entries are keyed by local slot index
// only, so every region in the directory shares the same 1024 bytes.
type Index struct {
	mu   sync.Mutex
	file *os.File
	mm   mmap.MMap
}

// Open lazily creates or opens dir/turbo_index, sized for header.SlotCount
// entries.
func Open(dir string) (*Index, error) {
	path := filepath.Join(dir, fileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening turbo_index: %w", err)
	}

	if err := f.Truncate(header.SlotCount); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing turbo_index: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping turbo_index: %w", err)
	}

	return &Index{file: f, mm: mm}, nil
}

// Set records e for the chunk at local slot index i.
func (idx *Index) Set(i int, e Entry) error {
	if i < 0 || i >= header.SlotCount {
		return fmt.Errorf("slot index %d out of range", i)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.mm[i] = byte(e)
	return nil
}

// Get returns the recorded entry for local slot index i, or the zero
// Entry if out of range.
func (idx *Index) Get(i int) Entry {
	if i < 0 || i >= header.SlotCount {
		return 0
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return Entry(idx.mm[i])
}

// Close unmaps and closes the backing file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	unmapErr := idx.mm.Unmap()
	closeErr := idx.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// Manager keeps one lazily opened Index per region directory, so every
// Batch Writer post-flush hook across every region file in a world shares
// a single sidecar.
type Manager struct {
	mu      sync.Mutex
	byDir   map[string]*Index
	logger  *zap.Logger
}

// NewManager returns a Manager logging open/write failures through
// logger and otherwise swallowing them, per this component's best-effort
// contract.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{byDir: make(map[string]*Index), logger: logger}
}

func (m *Manager) indexFor(dir string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.byDir[dir]; ok {
		return idx, nil
	}

	idx, err := Open(dir)
	if err != nil {
		return nil, err
	}
	m.byDir[dir] = idx
	return idx, nil
}

// OnPostFlush is a batch.PostFlushFunc: it best-effort records that each
// written chunk's region slot is generated, swallowing any failure. Only
// the generated bit is known at this layer; height/biome are left at
// their zero value until a caller with that world knowledge calls Set
// directly.
func (m *Manager) OnPostFlush(regionPath string, written []region.WrittenChunk) {
	dir := filepath.Dir(regionPath)
	idx, err := m.indexFor(dir)
	if err != nil {
		m.logger.Debug("turbo_index unavailable", zap.String("dir", dir), zap.Error(err))
		return
	}

	for _, w := range written {
		i := header.ChunkIndex(w.CX, w.CZ)
		if err := idx.Set(i, NewEntry(true, 0, 0)); err != nil {
			m.logger.Debug("turbo_index write failed", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// CloseAll closes every opened Index, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for dir, idx := range m.byDir {
		if err := idx.Close(); err != nil {
			m.logger.Warn("closing turbo_index failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	m.byDir = make(map[string]*Index)
}
