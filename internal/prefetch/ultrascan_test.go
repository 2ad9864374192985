package prefetch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/region"
)

func TestTryUltraScanSkippedWhenDisabled(t *testing.T) {
	e := newTestEngine(t, func(cx, cz int) ([]byte, error) { return nil, nil })

	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	res, err := reg.Acquire(filepath.Join(dir, "r.0.0.lrf"))
	require.NoError(t, err)
	defer res.Close()

	e.TryUltraScan(res, func() bool { return false })
	assert.True(t, e.lastUltraScan.IsZero())
}

func TestTryUltraScanRateLimited(t *testing.T) {
	e := newTestEngine(t, func(cx, cz int) ([]byte, error) { return nil, nil })

	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	path := filepath.Join(dir, "r.0.0.lrf")
	res, err := reg.Acquire(path)
	require.NoError(t, err)
	defer res.Close()

	w := region.NewWriter(res)
	_, err = w.AppendChunk(0, 0, []byte("warm me"), codec.None)
	require.NoError(t, err)

	e.TryUltraScan(res, func() bool { return true })
	first := e.lastUltraScan
	require.False(t, first.IsZero())

	e.TryUltraScan(res, func() bool { return true })
	assert.Equal(t, first, e.lastUltraScan, "a second call within the rate-limit window must not reset the timer")
}

func TestTryUltraScanNoOpOnEmptyRegion(t *testing.T) {
	e := newTestEngine(t, func(cx, cz int) ([]byte, error) { return nil, nil })

	dir := t.TempDir()
	reg := region.NewRegistry(false, codec.Fast, nil)
	res, err := reg.Acquire(filepath.Join(dir, "r.0.0.lrf"))
	require.NoError(t, err)
	defer res.Close()

	e.TryUltraScan(res, func() bool { return true })
	// Rate-limit timestamp is still recorded even when there's nothing to
	// scan, since the gate check happens before the offsets are gathered.
	assert.False(t, e.lastUltraScan.IsZero())
}
