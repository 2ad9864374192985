// Package header implements the Region Header: the fixed-length, bit-exact
// slot table at the front of every region file.
// Grounded on the location/timestamp table parsing in other_examples'
// discopanel world-region.go, generalized to this format's wider slot
// entries and append-only/in-place allocator.
package header

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/lrfstore/lrf/internal/block"
	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/lrferr"
)

const (
	// RegionSize is the chunk grid's side length; a region holds
	// RegionSize*RegionSize chunk slots.
	RegionSize = 32
	// SlotCount is the total number of chunk slots per region.
	SlotCount = RegionSize * RegionSize

	magicString = "LRF1"
	version     = 1

	preambleLen  = 24
	slotEntryLen = 8
	tableLen     = SlotCount * slotEntryLen

	// Len is the fixed size of the on-disk header region. A literal 24-byte
	// preamble plus a full 1024-entry, 8-byte slot table needs 8216 bytes,
	// which doesn't fit a nominal "8 KiB" header; rounding up to the next
	// 4 KiB boundary instead matches how the grounding reference for this
	// framing sizes its own header region.
	Len = 12288

	// ChunkAlignment is the byte alignment every chunk frame's start offset
	// must satisfy.
	ChunkAlignment = 4096
)

// ChunkIndex returns the local slot index for chunk coordinate (cx, cz)
// within a region: i = (cz mod 32) * 32 + (cx mod 32).
func ChunkIndex(cx, cz int) int {
	lx := ((cx % RegionSize) + RegionSize) % RegionSize
	lz := ((cz % RegionSize) + RegionSize) % RegionSize
	return lz*RegionSize + lx
}

// Slot is one entry of the header's slot table.
type Slot struct {
	OffsetDivSector uint32 // byte offset / block.SectorUnit
	SizeBytes       uint32
	Flags           uint8
	MTimeMod        uint8 // epoch seconds mod 256, coarse hint only
}

// Empty reports whether the slot is unoccupied (the sentinel value).
func (s Slot) Empty() bool {
	return s.OffsetDivSector == 0 && s.SizeBytes == 0
}

// Offset returns the slot's byte offset in the region file.
func (s Slot) Offset() int64 {
	return int64(s.OffsetDivSector) * block.SectorUnit
}

// Header is the parsed form of a region file's fixed header region.
type Header struct {
	Version            uint8
	GlobalCompression  codec.Kind
	ChunkCount         uint32
	Slots              [SlotCount]Slot

	bitmap *block.SectorBitmap
}

// New returns an empty header for a freshly created region file.
func New(globalCompression codec.Kind) *Header {
	return &Header{
		Version:           version,
		GlobalCompression: globalCompression,
		bitmap:            block.NewSectorBitmap(block.SectorUnit),
	}
}

// Parse decodes a Len-byte header region read from disk.
func Parse(buf []byte) (*Header, error) {
	if len(buf) < Len {
		return nil, lrferr.InvalidFormat{Reason: "truncated header"}
	}

	if string(buf[0:4]) != magicString {
		return nil, lrferr.InvalidFormat{Reason: "bad magic"}
	}

	ver := buf[4]
	if ver != version {
		return nil, lrferr.InvalidFormat{Reason: "unsupported version"}
	}

	h := &Header{
		Version:           ver,
		GlobalCompression: codec.Kind(binary.LittleEndian.Uint32(buf[20:24])),
		ChunkCount:        binary.LittleEndian.Uint32(buf[16:20]),
		bitmap:            block.NewSectorBitmap(block.SectorUnit),
	}

	table := buf[preambleLen : preambleLen+tableLen]
	for i := 0; i < SlotCount; i++ {
		e := table[i*slotEntryLen : (i+1)*slotEntryLen]

		packed := uint32(e[0]) | uint32(e[1])<<8 | uint32(e[2])<<16
		sizePacked := uint32(e[3]) | uint32(e[4])<<8 | uint32(e[5])<<16

		slot := Slot{
			OffsetDivSector: packed,
			SizeBytes:       sizePacked,
			Flags:           e[6],
			MTimeMod:        e[7],
		}
		h.Slots[i] = slot

		if !slot.Empty() {
			h.bitmap.MarkRange(slot.Offset(), int64(slot.SizeBytes))
		}
	}

	return h, nil
}

// Serialize produces the exact Len-byte on-disk representation, including a
// tail CRC32 over the preceding bytes.
func (h *Header) Serialize() []byte {
	buf := make([]byte, Len)

	copy(buf[0:4], magicString)
	buf[4] = h.Version
	binary.LittleEndian.PutUint32(buf[16:20], h.ChunkCount)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.GlobalCompression))

	table := buf[preambleLen : preambleLen+tableLen]
	for i, slot := range h.Slots {
		e := table[i*slotEntryLen : (i+1)*slotEntryLen]

		e[0] = byte(slot.OffsetDivSector)
		e[1] = byte(slot.OffsetDivSector >> 8)
		e[2] = byte(slot.OffsetDivSector >> 16)
		e[3] = byte(slot.SizeBytes)
		e[4] = byte(slot.SizeBytes >> 8)
		e[5] = byte(slot.SizeBytes >> 16)
		e[6] = slot.Flags
		e[7] = slot.MTimeMod
	}

	crc := crc32.ChecksumIEEE(buf[:Len-4])
	binary.LittleEndian.PutUint32(buf[Len-4:Len], crc)

	return buf
}

// HasChunk reports whether the slot for (cx, cz) is occupied.
func (h *Header) HasChunk(cx, cz int) bool {
	return !h.Slots[ChunkIndex(cx, cz)].Empty()
}

// SlotOffset returns the byte offset of chunk (cx, cz)'s frame, or
// ok=false if the slot is empty.
func (h *Header) SlotOffset(cx, cz int) (offset int64, ok bool) {
	s := h.Slots[ChunkIndex(cx, cz)]
	if s.Empty() {
		return 0, false
	}
	return s.Offset(), true
}

// SlotSize returns the recorded frame size of chunk (cx, cz), or
// ok=false if the slot is empty.
func (h *Header) SlotSize(cx, cz int) (size uint32, ok bool) {
	s := h.Slots[ChunkIndex(cx, cz)]
	if s.Empty() {
		return 0, false
	}
	return s.SizeBytes, true
}

// EndOffset returns the byte offset immediately past the furthest
// occupied slot, or Len if the region holds no chunks yet.
func (h *Header) EndOffset() int64 {
	end := int64(Len)
	for _, s := range h.Slots {
		if s.Empty() {
			continue
		}
		e := s.Offset() + int64(s.SizeBytes)
		if e > end {
			end = e
		}
	}
	return end
}

// alignUp rounds off up to the next multiple of ChunkAlignment.
func alignUp(off int64) int64 {
	rem := off % ChunkAlignment
	if rem == 0 {
		return off
	}
	return off + (ChunkAlignment - rem)
}

// AllocateSlot chooses the offset for a new frame of frameSize bytes at
// (cx, cz): in-place reuse when the existing slot is large enough,
// otherwise the next 4 KiB-aligned offset at or past the current file end
// (append-only).
func (h *Header) AllocateSlot(cx, cz int, frameSize int64) (offset int64, reuse bool) {
	idx := ChunkIndex(cx, cz)
	existing := h.Slots[idx]

	if !existing.Empty() && int64(existing.SizeBytes) >= frameSize {
		return existing.Offset(), true
	}

	return alignUp(h.EndOffset()), false
}

// CommitSlot records a just-written frame's placement in the header's
// in-memory slot table. mtimeEpochSeconds is a coarse, non-authoritative
// hint stored alongside the slot; the frame's own tail timestamp remains
// authoritative everywhere else.
func (h *Header) CommitSlot(cx, cz int, offset, frameSize int64, mtimeEpochSeconds int64) {
	idx := ChunkIndex(cx, cz)
	prev := h.Slots[idx]
	if !prev.Empty() {
		h.bitmap.ClearRange(prev.Offset(), int64(prev.SizeBytes))
	}

	h.Slots[idx] = Slot{
		OffsetDivSector: uint32(offset / block.SectorUnit),
		SizeBytes:       uint32(frameSize),
		MTimeMod:        uint8(mtimeEpochSeconds % 256),
	}

	h.bitmap.MarkRange(offset, frameSize)
	h.recount()
}

func (h *Header) recount() {
	var n uint32
	for _, s := range h.Slots {
		if !s.Empty() {
			n++
		}
	}
	h.ChunkCount = n
}
