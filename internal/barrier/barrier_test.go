package barrier

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFlusher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFlusher) Flush() error {
	f.calls.Add(1)
	return f.err
}

func TestAfterFlushForcesGivenFlusher(t *testing.T) {
	var b Barrier
	f := &countingFlusher{}

	b.BeforeFlush()
	err := b.AfterFlush(f)

	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestAfterFlushSkipsNilFlusher(t *testing.T) {
	var b Barrier
	b.BeforeFlush()
	assert.NoError(t, b.AfterFlush(nil))
}

func TestAfterFlushPropagatesFlushError(t *testing.T) {
	var b Barrier
	f := &countingFlusher{err: assert.AnError}

	b.BeforeFlush()
	err := b.AfterFlush(f)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestMultipleReadersConcurrent(t *testing.T) {
	var b Barrier
	var wg sync.WaitGroup
	var active atomic.Int32
	var maxActive atomic.Int32

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.BeforeRead()
			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			b.AfterRead()
		}()
	}
	wg.Wait()

	assert.Greater(t, maxActive.Load(), int32(1), "expected multiple readers to hold the barrier concurrently")
}

func TestWriterExcludesReaders(t *testing.T) {
	var b Barrier
	var order []string
	var mu sync.Mutex

	b.BeforeFlush()

	done := make(chan struct{})
	go func() {
		b.BeforeRead()
		mu.Lock()
		order = append(order, "read")
		mu.Unlock()
		b.AfterRead()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, "flush")
	mu.Unlock()
	require.NoError(t, b.AfterFlush(nil))

	<-done

	assert.Equal(t, []string{"flush", "read"}, order)
}

func TestForceSerializesAgainstReaders(t *testing.T) {
	var b Barrier
	f := &countingFlusher{}

	b.BeforeRead()
	released := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.AfterRead()
		close(released)
	}()

	require.NoError(t, b.Force(f))
	<-released
	assert.Equal(t, int32(1), f.calls.Load())
}
