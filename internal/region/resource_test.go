package region

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrfstore/lrf/internal/codec"
	"github.com/lrfstore/lrf/internal/header"
)

func TestOpenInitializesFreshHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.lrf")

	r, err := open(path, false, codec.HighRatio, nil)
	require.NoError(t, err)
	defer r.teardown()

	assert.Equal(t, codec.HighRatio, r.Header().GlobalCompression)
	assert.Equal(t, uint32(0), r.Header().ChunkCount)
}

func TestOpenParsesExistingHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.lrf")

	first, err := open(path, false, codec.Fast, nil)
	require.NoError(t, err)
	first.MutateHeader(func(h *header.Header) {})
	require.NoError(t, first.teardown())

	second, err := open(path, false, codec.HighRatio, nil)
	require.NoError(t, err)
	defer second.teardown()

	// The on-disk header's recorded compression wins over the kind passed
	// to a later open of the same file.
	assert.Equal(t, codec.Fast, second.Header().GlobalCompression)
}

func TestMutateHeaderBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.lrf")

	r, err := open(path, false, codec.None, nil)
	require.NoError(t, err)
	defer r.teardown()

	before := r.HeaderVersion()
	r.MutateHeader(func(h *header.Header) {})
	assert.Equal(t, before+1, r.HeaderVersion())
}

func TestMappedBufferDisabledReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.lrf")

	r, err := open(path, false, codec.None, nil)
	require.NoError(t, err)
	defer r.teardown()

	_, ok := r.MappedBuffer(1)
	assert.False(t, ok)
}

func TestMappedBufferGrowsOnDemand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.0.0.lrf")

	r, err := open(path, true, codec.None, nil)
	require.NoError(t, err)
	defer r.teardown()

	initialSize := r.mmapSize

	const grow = 1 << 16
	_, err = r.File().WriteAt(make([]byte, grow), initialSize)
	require.NoError(t, err)

	buf, ok := r.MappedBuffer(initialSize + grow)
	require.True(t, ok)
	assert.GreaterOrEqual(t, int64(len(buf)), initialSize+grow)
}
