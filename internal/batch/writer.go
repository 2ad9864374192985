// Package batch implements the Batch Writer and Batch Reader: the
// asynchronous pipelines that sit between foreground callers and the Region
// Writer/Reader, batching compression and writes across the Storage
// Manager's shared executor pools.
package batch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/intent"
	"github.com/lrfstore/lrf/internal/region"
)

// Completion is the opaque awaitable handle every queue_* operation
// returns, modeling a completion signal over a thread-pool-and-channel
// executor rather than futures.
type Completion struct {
	ch chan error
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan error, 1)}
}

func (c *Completion) complete(err error) {
	c.ch <- err
	close(c.ch)
}

// Wait blocks until the operation completes, returning its error (nil on
// success).
func (c *Completion) Wait() error {
	return <-c.ch
}

// WaitTimeout waits up to d for completion. ok is false on timeout, in
// which case the caller may retry or surrender.
func (c *Completion) WaitTimeout(d time.Duration) (ok bool, err error) {
	select {
	case err = <-c.ch:
		return true, err
	case <-time.After(d):
		return false, nil
	}
}

type pendingWrite struct {
	cx, cz  int
	payload []byte
	done    *Completion
}

type regionBatch struct {
	mu       sync.Mutex
	pending  []pendingWrite
	timer    *time.Timer
	inFlight map[intent.Point][]byte
}

// PostFlushFunc is invoked after a batch's frames are durably placed, with
// the chunks just written — used by the Integrity Validator to record
// checksums and by cache layers to invalidate.
type PostFlushFunc func(regionPath string, written []region.WrittenChunk)

// Writer is the Batch Writer.
type Writer struct {
	resources *region.Registry
	cdc       *codec.Codec
	algorithm codec.Kind

	batchSize      int
	autoFlushDelay time.Duration

	compressExec func(func())
	writeExec    func(func())
	postFlush    PostFlushFunc
	logger       *zap.Logger

	mu      sync.Mutex
	batches map[string]*regionBatch
}

// NewWriter returns a Batch Writer. compressExec and writeExec submit
// work to the Storage Manager's compress and write pools respectively;
// passing nil for either runs that stage inline on a fresh goroutine.
func NewWriter(
	resources *region.Registry,
	cdc *codec.Codec,
	algorithm codec.Kind,
	batchSize int,
	autoFlushDelay time.Duration,
	compressExec, writeExec func(func()),
	postFlush PostFlushFunc,
	logger *zap.Logger,
) *Writer {
	if compressExec == nil {
		compressExec = func(f func()) { go f() }
	}
	if writeExec == nil {
		writeExec = func(f func()) { go f() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Writer{
		resources:      resources,
		cdc:            cdc,
		algorithm:      algorithm,
		batchSize:      batchSize,
		autoFlushDelay: autoFlushDelay,
		compressExec:   compressExec,
		writeExec:      writeExec,
		postFlush:      postFlush,
		logger:         logger,
		batches:        make(map[string]*regionBatch),
	}
}

func (w *Writer) batchFor(regionPath string) *regionBatch {
	w.mu.Lock()
	defer w.mu.Unlock()

	rb, ok := w.batches[regionPath]
	if !ok {
		rb = &regionBatch{inFlight: make(map[intent.Point][]byte)}
		w.batches[regionPath] = rb
	}
	return rb
}

// Save enqueues (cx, cz, payload) for regionPath, flushing immediately once
// the pending list reaches batchSize, else scheduling a flush after
// autoFlushDelay.
func (w *Writer) Save(regionPath string, cx, cz int, payload []byte) *Completion {
	rb := w.batchFor(regionPath)
	done := newCompletion()

	rb.mu.Lock()
	rb.pending = append(rb.pending, pendingWrite{cx: cx, cz: cz, payload: payload, done: done})
	rb.inFlight[intent.Point{CX: cx, CZ: cz}] = payload

	flushNow := len(rb.pending) >= w.batchSize
	if flushNow && rb.timer != nil {
		rb.timer.Stop()
		rb.timer = nil
	}
	if !flushNow && rb.timer == nil {
		rb.timer = time.AfterFunc(w.autoFlushDelay, func() { w.flush(regionPath, rb) })
	}
	rb.mu.Unlock()

	if flushNow {
		go w.flush(regionPath, rb)
	}

	return done
}

// HasPending reports whether (cx, cz) has a write queued or in flight for
// regionPath (region.has_pending).
func (w *Writer) HasPending(regionPath string, cx, cz int) bool {
	rb := w.batchFor(regionPath)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	_, ok := rb.inFlight[intent.Point{CX: cx, CZ: cz}]
	return ok
}

// GetPending returns the queued-but-not-yet-durable payload for (cx, cz) if
// any, implementing read-your-writes (region.get_pending).
func (w *Writer) GetPending(regionPath string, cx, cz int) ([]byte, bool) {
	rb := w.batchFor(regionPath)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	data, ok := rb.inFlight[intent.Point{CX: cx, CZ: cz}]
	return data, ok
}

func (w *Writer) flush(regionPath string, rb *regionBatch) {
	rb.mu.Lock()
	if rb.timer != nil {
		rb.timer.Stop()
		rb.timer = nil
	}
	snapshot := rb.pending
	rb.pending = nil
	rb.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	w.compressExec(func() { w.runCompressStage(regionPath, rb, snapshot) })
}

func (w *Writer) runCompressStage(regionPath string, rb *regionBatch, snapshot []pendingWrite) {
	compressed := make([]region.ChunkWrite, len(snapshot))
	errs := make([]error, len(snapshot))

	var wg sync.WaitGroup
	for i, pw := range snapshot {
		wg.Add(1)
		i, pw := i, pw
		w.compressExec(func() {
			defer wg.Done()
			out, kind, err := w.cdc.PreferredCompress(pw.payload, w.algorithm)
			if err != nil {
				errs[i] = fmt.Errorf("compressing chunk (%d,%d): %w", pw.cx, pw.cz, err)
				return
			}
			compressed[i] = region.ChunkWrite{CX: pw.cx, CZ: pw.cz, Payload: out, Algorithm: kind}
		})
	}
	wg.Wait()

	w.writeExec(func() { w.runWriteStage(regionPath, rb, snapshot, compressed, errs) })
}

func (w *Writer) runWriteStage(regionPath string, rb *regionBatch, snapshot []pendingWrite, compressed []region.ChunkWrite, compressErrs []error) {
	defer func() {
		rb.mu.Lock()
		for _, pw := range snapshot {
			delete(rb.inFlight, intent.Point{CX: pw.cx, CZ: pw.cz})
		}
		rb.mu.Unlock()
	}()

	writes := make([]region.ChunkWrite, 0, len(snapshot))
	idxByOrder := make([]int, 0, len(snapshot))
	for i, c := range compressed {
		if compressErrs[i] != nil {
			continue
		}
		writes = append(writes, c)
		idxByOrder = append(idxByOrder, i)
	}

	if len(writes) == 0 {
		for i, pw := range snapshot {
			pw.done.complete(compressErrs[i])
		}
		return
	}

	res, err := w.resources.Acquire(regionPath)
	if err != nil {
		for i, pw := range snapshot {
			if compressErrs[i] != nil {
				pw.done.complete(compressErrs[i])
			} else {
				pw.done.complete(fmt.Errorf("acquiring region %s: %w", regionPath, err))
			}
		}
		return
	}
	defer res.Close()

	wr := region.NewWriter(res)
	written, writeErr := wr.AppendBatch(writes, w.batchSize)

	// Write errors fate-share across every caller whose chunk was part of
	// this physical batch write: the same append operation was attempted
	// for all of them.
	if writeErr != nil {
		for i, pw := range snapshot {
			if compressErrs[i] != nil {
				pw.done.complete(compressErrs[i])
			} else {
				pw.done.complete(fmt.Errorf("writing batch to %s: %w", regionPath, writeErr))
			}
		}
		w.logger.Error("batch write failed", zap.String("region", regionPath), zap.Error(writeErr))
		return
	}

	for j, i := range idxByOrder {
		_ = written[j]
		snapshot[i].done.complete(nil)
	}
	for i, e := range compressErrs {
		if e != nil {
			snapshot[i].done.complete(e)
		}
	}

	if w.postFlush != nil {
		w.postFlush(regionPath, written)
	}
}
