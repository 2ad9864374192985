package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrfstore/lrf/internal/codec"
)

func TestChunkIndex(t *testing.T) {
	cases := []struct {
		cx, cz, want int
	}{
		{0, 0, 0},
		{31, 0, 31},
		{0, 1, 32},
		{31, 31, 1023},
		{32, 0, 0},  // wraps to local (0,0)
		{-1, 0, 31}, // negative coords wrap positively
		{-1, -1, 1023},
	}

	for _, c := range cases {
		got := ChunkIndex(c.cx, c.cz)
		assert.Equalf(t, c.want, got, "ChunkIndex(%d, %d)", c.cx, c.cz)
	}
}

func TestHeaderSerializeParseRoundTrip(t *testing.T) {
	h := New(codec.Fast)
	h.CommitSlot(5, 7, Len, 4096, 1700000000)
	h.CommitSlot(31, 31, Len+4096, 512, 1700000001)

	buf := h.Serialize()
	require.Len(t, buf, Len)

	parsed, err := Parse(buf)
	require.NoError(t, err)

	assert.Equal(t, h.GlobalCompression, parsed.GlobalCompression)
	assert.Equal(t, h.ChunkCount, parsed.ChunkCount)
	assert.True(t, parsed.HasChunk(5, 7))
	assert.True(t, parsed.HasChunk(31, 31))
	assert.False(t, parsed.HasChunk(1, 1))

	offset, ok := parsed.SlotOffset(5, 7)
	require.True(t, ok)
	assert.Equal(t, int64(Len), offset)
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := make([]byte, Len)
	copy(buf, "NOPE")
	_, err := Parse(buf)
	assert.Error(t, err)
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := Parse(make([]byte, Len-1))
	assert.Error(t, err)
}

func TestAllocateSlotAppendsThenReuses(t *testing.T) {
	h := New(codec.None)

	offset, reuse := h.AllocateSlot(0, 0, 100)
	assert.False(t, reuse)
	assert.Equal(t, int64(Len), offset)

	h.CommitSlot(0, 0, offset, 4096, 1)
	assert.Equal(t, int64(Len+4096), h.EndOffset())

	// New chunk appends past the occupied slot.
	next, reuse := h.AllocateSlot(1, 0, 100)
	assert.False(t, reuse)
	assert.Equal(t, int64(Len+4096), next)

	// Rewriting (0,0) with a smaller frame reuses its existing slot.
	reused, reuse := h.AllocateSlot(0, 0, 2048)
	assert.True(t, reuse)
	assert.Equal(t, offset, reused)

	// A larger frame than the existing slot cannot reuse it.
	_, reuse = h.AllocateSlot(0, 0, 8192)
	assert.False(t, reuse)
}

func TestEndOffsetEmptyHeader(t *testing.T) {
	h := New(codec.None)
	assert.Equal(t, int64(Len), h.EndOffset())
}
