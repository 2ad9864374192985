package worldindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrfstore/lrf/internal/header"
	"github.com/lrfstore/lrf/internal/region"
)

func TestEntryPacksAndUnpacksFields(t *testing.T) {
	e := NewEntry(true, 12, 5)
	assert.True(t, e.Generated())
	assert.Equal(t, 12, e.Height())
	assert.Equal(t, 5, e.Biome())

	e2 := NewEntry(false, 0, 0)
	assert.False(t, e2.Generated())
}

func TestEntryMasksOutOfRangeFields(t *testing.T) {
	e := NewEntry(true, 31, 15)
	assert.Equal(t, 31&0x0F, e.Height())
	assert.Equal(t, 15&0x07, e.Biome())
}

func TestOpenSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Set(5, NewEntry(true, 3, 2)))

	got := idx.Get(5)
	assert.True(t, got.Generated())
	assert.Equal(t, 3, got.Height())
	assert.Equal(t, 2, got.Biome())

	assert.Equal(t, Entry(0), idx.Get(6))
}

func TestSetGetOutOfRangeIsSafe(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	assert.Error(t, idx.Set(-1, NewEntry(true, 0, 0)))
	assert.Error(t, idx.Set(header.SlotCount, NewEntry(true, 0, 0)))
	assert.Equal(t, Entry(0), idx.Get(-1))
	assert.Equal(t, Entry(0), idx.Get(header.SlotCount))
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	idx, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Set(100, NewEntry(true, 7, 1)))
	require.NoError(t, idx.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got := reopened.Get(100)
	assert.True(t, got.Generated())
	assert.Equal(t, 7, got.Height())
	assert.Equal(t, 1, got.Biome())
}

func TestManagerOnPostFlushRecordsGeneratedBit(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(nil)
	defer m.CloseAll()

	regionPath := filepath.Join(dir, "r.0.0.lrf")
	m.OnPostFlush(regionPath, []region.WrittenChunk{
		{CX: 1, CZ: 2},
		{CX: 0, CZ: 0},
	})

	idx, err := m.indexFor(dir)
	require.NoError(t, err)

	assert.True(t, idx.Get(header.ChunkIndex(1, 2)).Generated())
	assert.True(t, idx.Get(header.ChunkIndex(0, 0)).Generated())
}

func TestManagerSharesOneIndexPerDirectory(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(nil)
	defer m.CloseAll()

	a, err := m.indexFor(dir)
	require.NoError(t, err)
	b, err := m.indexFor(dir)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestCloseAllClosesEveryIndex(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	m := NewManager(nil)

	_, err := m.indexFor(dir1)
	require.NoError(t, err)
	_, err = m.indexFor(dir2)
	require.NoError(t, err)

	m.CloseAll()
	assert.Empty(t, m.byDir)
}
