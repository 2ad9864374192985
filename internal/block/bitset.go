package block

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// SectorBitmap tracks which sectors of a region file are occupied, at a
// fixed sector size. The Region Header keeps it up to date as slots are
// assigned; AllocateSlot does not read it when choosing where a frame
// goes.
type SectorBitmap struct {
	bits       bitset.BitSet
	mu         sync.RWMutex
	sectorSize int64
}

// NewSectorBitmap returns a bitmap tracking occupancy at sectorSize-byte
// granularity.
func NewSectorBitmap(sectorSize int64) *SectorBitmap {
	return &SectorBitmap{sectorSize: sectorSize}
}

// Mark records the sector containing byte offset off as occupied.
func (b *SectorBitmap) Mark(off int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bits.Set(uint(off / b.sectorSize))
}

// MarkRange marks every sector touching the half-open byte range
// [off, off+length).
func (b *SectorBitmap) MarkRange(off, length int64) {
	if length <= 0 {
		return
	}

	first := off / b.sectorSize
	last := (off + length - 1) / b.sectorSize

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := first; s <= last; s++ {
		b.bits.Set(uint(s))
	}
}

// ClearRange marks every sector touching [off, off+length) as free.
func (b *SectorBitmap) ClearRange(off, length int64) {
	if length <= 0 {
		return
	}

	first := off / b.sectorSize
	last := (off + length - 1) / b.sectorSize

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := first; s <= last; s++ {
		b.bits.Clear(uint(s))
	}
}

// IsMarked reports whether the sector containing off is occupied.
func (b *SectorBitmap) IsMarked(off int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.bits.Test(uint(off / b.sectorSize))
}

