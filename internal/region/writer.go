package region

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/lrfstore/lrf/internal/barrier"
	"github.com/lrfstore/lrf/internal/block"
	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/frame"
	"github.com/lrfstore/lrf/internal/header"
	"github.com/lrfstore/lrf/internal/lrferr"
)

// forceInterval bounds how long writes may ride the OS page cache before
// a time-based force is due.
const forceInterval = 2 * time.Second

// ChunkWrite is one pending append, as handed to the Region Writer by the
// Batch Writer after compression.
type ChunkWrite struct {
	CX, CZ int
	// Payload is the already-compressed bytes plus the codec's chosen kind;
	// the Region Writer only frames and places them, it does not compress
	// (that happens upstream, concurrently, on the compression pool).
	Payload   []byte
	Algorithm codec.Kind
}

// WrittenChunk reports where a chunk landed, for the Integrity
// Validator's checksum bookkeeping and cache-invalidation hooks.
type WrittenChunk struct {
	CX, CZ      int
	Offset      int64
	FrameLength int64
	TimestampMS int64
	// Frame is the exact encoded bytes placed on disk for this chunk, carried
	// along for the Integrity Validator's checksum without requiring a read-
	// back.
	Frame []byte
}

// Writer is the Region Writer: the append-oriented, sector-aligned writer.
// One Writer is normally paired with one Resource and invoked from the
// Batch Writer's single-threaded-per-region write stage, so it does not
// itself need to serialize concurrent callers beyond what the Flush
// Barrier already provides.
type Writer struct {
	res *Resource

	lastForceNano int64 // atomic, unix nanoseconds

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewWriter returns a Writer bound to res.
func NewWriter(res *Resource) *Writer {
	return &Writer{
		res: res,
		Now: time.Now,
	}
}

// AppendChunk writes a single chunk frame, equivalent to calling
// AppendBatch with a one-element batch and a threshold that always
// forces.
func (w *Writer) AppendChunk(cx, cz int, compressed []byte, algorithm codec.Kind) (WrittenChunk, error) {
	written, err := w.AppendBatch([]ChunkWrite{{CX: cx, CZ: cz, Payload: compressed, Algorithm: algorithm}}, 1)
	if err != nil {
		return WrittenChunk{}, err
	}
	return written[0], nil
}

// AppendBatch appends every write in the batch sequentially under one Flush
// Barrier acquisition: enter the barrier, append frames sequentially,
// smart-force, leave the barrier. batchSizeThreshold is the Batch
// Writer's configured batch_size, used for the force-if-half-full policy.
func (w *Writer) AppendBatch(writes []ChunkWrite, batchSizeThreshold int) ([]WrittenChunk, error) {
	if len(writes) == 0 {
		return nil, nil
	}

	w.res.Barrier().BeforeFlush()

	results := make([]WrittenChunk, 0, len(writes))
	nowMS := w.Now().UnixMilli()
	nowSec := nowMS / 1000

	var writeErr error
	w.res.MutateHeader(func(hdr *header.Header) {
		for _, cw := range writes {
			frameBytes := frame.Encode(cw.Payload, cw.Algorithm, nowMS)
			frameLen := int64(len(frameBytes))

			priorEnd := hdr.EndOffset()
			offset, reuse := hdr.AllocateSlot(cw.CX, cw.CZ, frameLen)

			if !reuse && offset > priorEnd {
				if err := w.zeroPad(priorEnd, offset-priorEnd); err != nil {
					writeErr = fmt.Errorf("zero-padding gap before chunk (%d,%d): %w", cw.CX, cw.CZ, err)
					return
				}
			}

			if _, err := w.res.File().WriteAt(frameBytes, offset); err != nil {
				writeErr = lrferr.IOError{Op: "write frame", Err: fmt.Errorf("chunk (%d,%d): %w", cw.CX, cw.CZ, err)}
				return
			}
			w.res.MarkDirty(offset, frameLen)

			hdr.CommitSlot(cw.CX, cw.CZ, offset, frameLen, nowSec)

			results = append(results, WrittenChunk{
				CX:          cw.CX,
				CZ:          cw.CZ,
				Offset:      offset,
				FrameLength: frameLen,
				TimestampMS: nowMS,
				Frame:       frameBytes,
			})
		}

		if writeErr == nil {
			if _, err := w.res.File().WriteAt(hdr.Serialize(), 0); err != nil {
				writeErr = lrferr.IOError{Op: "write header", Err: err}
			} else {
				w.res.MarkDirty(0, header.Len)
			}
		}
	})

	if writeErr != nil {
		w.res.Barrier().AfterFlush(nil)
		return nil, writeErr
	}

	force := w.shouldForce(len(writes), batchSizeThreshold)

	var flusher barrier.Flusher
	if force {
		flusher = w.res
	}

	if err := w.res.Barrier().AfterFlush(flusher); err != nil {
		return results, lrferr.IOError{Op: "force", Err: err}
	}

	if force {
		atomic.StoreInt64(&w.lastForceNano, w.Now().UnixNano())
	}

	return results, nil
}

func (w *Writer) shouldForce(batchLen, threshold int) bool {
	last := atomic.LoadInt64(&w.lastForceNano)
	if last == 0 {
		return true
	}

	elapsed := w.Now().Sub(time.Unix(0, last))
	if elapsed > forceInterval {
		return true
	}

	if threshold > 0 && batchLen*2 >= threshold {
		return true
	}

	return false
}

// zeroPad explicitly writes length zero bytes starting at offset, rather
// than relying on a bare seek-past-end to produce zeros: notes some
// platforms leave random bytes in a seek-extended gap, which would corrupt
// an unrelated reader's view of a neighboring slot. When the underlying file
// is a regular *os.File on a filesystem that reports extents, a gap freshly
// extended past EOF is already a hole, so the explicit write is skipped.
func (w *Writer) zeroPad(offset, length int64) error {
	if f, ok := w.res.File().(*os.File); ok && alreadyHole(f, offset, length) {
		return nil
	}

	const chunkSize = 1 << 20 // 1 MiB per write, bounds peak allocation

	zeros := make([]byte, chunkSize)
	remaining := length
	at := offset

	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}

		if _, err := w.res.File().WriteAt(zeros[:n], at); err != nil {
			return fmt.Errorf("zero-padding at %d: %w", at, err)
		}

		at += n
		remaining -= n
	}

	w.res.MarkDirty(offset, length)
	return nil
}

// alreadyHole reports whether [offset, offset+length) is already unmapped
// on disk, per SEEK_DATA semantics: no data found at or after offset, or
// the next data found starts at or past the gap's end. Any error (ENXIO
// aside) is treated as "unknown" and falls back to the explicit zero-fill.
func alreadyHole(f *os.File, offset, length int64) bool {
	sf := block.NewSparseFileChecker(f)
	start, err := sf.FirstMarked(offset)
	if err != nil {
		return errors.Is(err, io.EOF)
	}
	return start >= offset+length
}
