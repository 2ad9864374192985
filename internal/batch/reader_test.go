package batch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrfstore/lrf/internal/bufpool"
	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/region"
)

func seedChunk(t *testing.T, reg *region.Registry, path string, cx, cz int, payload []byte) {
	t.Helper()
	res, err := reg.Acquire(path)
	require.NoError(t, err)
	defer res.Close()

	w := region.NewWriter(res)
	_, err = w.AppendChunk(cx, cz, payload, codec.None)
	require.NoError(t, err)
}

func TestLoadReadsBackWrittenChunk(t *testing.T) {
	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	path := filepath.Join(dir, "r.0.0.lrf")
	payload := []byte("loaded payload")
	seedChunk(t, reg, path, 1, 1, payload)

	r := NewReader(reg, &bufpool.Pool{}, codec.New(6), 4)
	out, err := r.Load(context.Background(), path, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
	assert.Equal(t, int64(1), r.DecompressedCount())
}

func TestLoadMissingChunkReturnsNil(t *testing.T) {
	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	path := filepath.Join(dir, "r.0.0.lrf")
	seedChunk(t, reg, path, 0, 0, []byte("present"))

	r := NewReader(reg, &bufpool.Pool{}, codec.New(6), 4)
	out, err := r.Load(context.Background(), path, 9, 9)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestLoadDeduplicatesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	path := filepath.Join(dir, "r.0.0.lrf")
	payload := []byte("deduped payload")
	seedChunk(t, reg, path, 2, 2, payload)

	r := NewReader(reg, &bufpool.Pool{}, codec.New(6), 8)

	const n = 16
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Load(context.Background(), path, 2, 2)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()

	for _, out := range results {
		assert.Equal(t, payload, out)
	}
}

func TestSetValidatorInvokedOnLoad(t *testing.T) {
	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	path := filepath.Join(dir, "r.0.0.lrf")
	seedChunk(t, reg, path, 3, 3, []byte("validated"))

	r := NewReader(reg, &bufpool.Pool{}, codec.New(6), 4)

	var sawPath string
	r.SetValidator(func(regionPath string, cx, cz int, raw []byte) error {
		sawPath = regionPath
		return nil
	})

	_, err := r.Load(context.Background(), path, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, path, sawPath)
}

func TestLoadAdmissionTimesOutUnderSaturation(t *testing.T) {
	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	path := filepath.Join(dir, "r.0.0.lrf")
	seedChunk(t, reg, path, 0, 0, []byte("x"))

	r := NewReader(reg, &bufpool.Pool{}, codec.New(6), 1)

	// Hold the single admission slot directly so a subsequent Load blocks
	// until the caller's 20ms deadline, shorter than queueTimeout, expires.
	require.NoError(t, r.sem.Acquire(context.Background(), 1))
	defer r.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Load(ctx, path, 5, 5)
	assert.Error(t, err)
}
