package migrate

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/lrfstore/lrf/internal/lrferr"
)

// The legacy format the Migrator converts from is the classic 4 KiB-
// sector region layout: an 8192-byte header holding a
// 1024-entry big-endian location table followed by a 1024-entry
// timestamp table, then sector-aligned chunk payloads each prefixed by a
// 4-byte length and 1-byte compression tag.
const (
	legacySectorSize   = 4096
	legacyHeaderSize   = 8192
	legacyRegionDim    = 32
	legacySlotCount    = legacyRegionDim * legacyRegionDim

	legacyCompressionGzip = 1
	legacyCompressionZlib = 2
	legacyCompressionNone = 3
)

// legacyRegion is a read-only view over one legacy region file, open just
// long enough for a single conversion pass.
type legacyRegion struct {
	file      *os.File
	locations [legacySlotCount]uint32
}

func openLegacyRegion(path string) (*legacyRegion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening legacy region %s: %w", path, err)
	}

	r := &legacyRegion{file: f}
	header := make([]byte, legacyHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, lrferr.InvalidFormat{Reason: fmt.Sprintf("truncated legacy header in %s: %v", path, err)}
	}

	for i := 0; i < legacySlotCount; i++ {
		r.locations[i] = binary.BigEndian.Uint32(header[i*4 : i*4+4])
	}

	return r, nil
}

func (r *legacyRegion) close() error { return r.file.Close() }

// hasChunk reports whether local slot index i has a present location entry.
func (r *legacyRegion) hasChunk(i int) bool {
	return r.locations[i] != 0
}

// readChunk returns slot i's decompressed payload.
func (r *legacyRegion) readChunk(i int) ([]byte, error) {
	loc := r.locations[i]
	offset := int64(loc>>8) * legacySectorSize
	sectors := int(loc & 0xFF)
	if offset < legacyHeaderSize || sectors == 0 {
		return nil, lrferr.InvalidFormat{Reason: fmt.Sprintf("invalid legacy slot %d location", i)}
	}

	head := make([]byte, 5)
	if _, err := r.file.ReadAt(head, offset); err != nil {
		return nil, fmt.Errorf("reading legacy chunk header at slot %d: %w", i, err)
	}

	length := binary.BigEndian.Uint32(head[0:4])
	if length == 0 || int64(length) > int64(sectors)*legacySectorSize {
		return nil, lrferr.FrameMalformed{Reason: fmt.Sprintf("legacy slot %d declares implausible length %d", i, length)}
	}
	tag := head[4]

	compressed := make([]byte, length-1)
	if _, err := r.file.ReadAt(compressed, offset+5); err != nil {
		return nil, fmt.Errorf("reading legacy chunk payload at slot %d: %w", i, err)
	}

	switch tag {
	case legacyCompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, lrferr.DecompressFailed{Algorithm: "legacy-gzip", Err: err}
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, lrferr.DecompressFailed{Algorithm: "legacy-gzip", Err: err}
		}
		return out, nil
	case legacyCompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, lrferr.DecompressFailed{Algorithm: "legacy-zlib", Err: err}
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, lrferr.DecompressFailed{Algorithm: "legacy-zlib", Err: err}
		}
		return out, nil
	case legacyCompressionNone:
		return compressed, nil
	default:
		return nil, lrferr.Unsupported{Reason: fmt.Sprintf("unknown legacy compression tag %d", tag)}
	}
}
