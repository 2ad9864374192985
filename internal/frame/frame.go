// Package frame implements the Chunk Frame: the per-slot payload layout —
// length, compression type, compressed payload, and a trailing
// millisecond timestamp.
package frame

import (
	"encoding/binary"

	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/lrferr"
)

// Overhead is the number of frame bytes that aren't compressed payload:
// the 4-byte length field, the 1-byte compression type, and the 8-byte
// trailing timestamp.
const Overhead = 4 + 1 + 8

// MinLength is the floor of Decode's first length check: the length field
// plus the compression-type byte. Decode also rejects any length below
// Overhead, so the smallest frame it accepts is one with a zero-length
// payload.
const MinLength = 5

// Frame is a decoded chunk frame.
type Frame struct {
	CompressionType codec.Kind
	Compressed      []byte
	TimestampMS     int64
}

// Encode serializes a frame, returning the complete on-disk bytes
// (length field included).
func Encode(compressed []byte, kind codec.Kind, timestampMS int64) []byte {
	total := Overhead + len(compressed)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(kind)
	copy(buf[5:5+len(compressed)], compressed)
	binary.LittleEndian.PutUint64(buf[5+len(compressed):], uint64(timestampMS))

	return buf
}

// Decode parses a frame from raw bytes read at a slot's offset. raw may
// be longer than the frame itself (e.g. a whole slot-sized buffer); only
// the first `length` bytes (per the embedded length field) are consumed.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 4 {
		return Frame{}, lrferr.FrameMalformed{Reason: "buffer shorter than length field"}
	}

	length := binary.LittleEndian.Uint32(raw[0:4])
	if length < MinLength {
		return Frame{}, lrferr.FrameMalformed{Reason: "declared length below minimum"}
	}
	if int(length) > len(raw) {
		return Frame{}, lrferr.FrameMalformed{Reason: "declared length exceeds available bytes"}
	}
	if int(length) < Overhead {
		// Declared length clears MinLength but is too small to hold the
		// compression-type byte and trailing timestamp: malformed rather
		// than a legal zero-length payload.
		return Frame{}, lrferr.FrameMalformed{Reason: "declared length too small for frame overhead"}
	}

	ctype := codec.Kind(raw[4])
	payloadEnd := length - 8
	compressed := raw[5:payloadEnd]
	timestampMS := int64(binary.LittleEndian.Uint64(raw[payloadEnd:length]))

	return Frame{
		CompressionType: ctype,
		Compressed:      compressed,
		TimestampMS:     timestampMS,
	}, nil
}

// DecodeLegacyPayloadTimestamp parses a decompressed payload in the legacy
// layout: the timestamp appended to the raw payload before compression,
// rather than to the frame's tail. The Migrator uses this to strip a
// plausible trailing timestamp from such payloads; the frame-tail layout
// remains authoritative for everything written going forward.
func DecodeLegacyPayloadTimestamp(decompressedPayload []byte) (payload []byte, timestampMS int64, ok bool) {
	if len(decompressedPayload) < 8 {
		return decompressedPayload, 0, false
	}

	split := len(decompressedPayload) - 8
	ts := int64(binary.LittleEndian.Uint64(decompressedPayload[split:]))

	// A plausible millisecond epoch timestamp for this format's era:
	// roughly 2000-01-01 through 2100-01-01. Anything outside that range
	// is almost certainly payload bytes, not a legacy timestamp.
	const minMS = 946684800000
	const maxMS = 4102444800000
	if ts < minMS || ts > maxMS {
		return decompressedPayload, 0, false
	}

	return decompressedPayload[:split], ts, true
}
