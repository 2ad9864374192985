package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := New(6)
	data := []byte(strings.Repeat("hello region storage ", 64))

	for _, kind := range []Kind{None, Fast, HighRatio, AltFast} {
		t.Run(kind.String(), func(t *testing.T) {
			compressed, err := c.Compress(data, kind)
			require.NoError(t, err)

			out, err := c.Decompress(compressed, kind)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, out))
		})
	}
}

func TestPreferredCompressFallsBackToNoneForIncompressibleData(t *testing.T) {
	c := New(6)

	// Tiny, high-entropy-looking input: compressed output won't beat it.
	data := []byte{0x01}

	out, kind, err := c.PreferredCompress(data, Fast)
	require.NoError(t, err)
	assert.Equal(t, None, kind)
	assert.Equal(t, data, out)
}

func TestPreferredCompressPrefersSmallerOutput(t *testing.T) {
	c := New(6)
	data := bytes.Repeat([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 256)

	out, kind, err := c.PreferredCompress(data, HighRatio)
	require.NoError(t, err)
	assert.Equal(t, HighRatio, kind)
	assert.Less(t, len(out), len(data))
}

func TestDecompressWithFallbackRecoversFromMislabeling(t *testing.T) {
	c := New(6)
	data := []byte(strings.Repeat("legacy mislabeled data ", 32))

	compressed, err := c.Compress(data, HighRatio)
	require.NoError(t, err)

	// Tagged as Fast but actually HighRatio-encoded: the primary decode
	// fails, the fallback recovers it.
	out, err := c.DecompressWithFallback(compressed, Fast, HighRatio)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDetectKind(t *testing.T) {
	c := New(6)
	data := []byte(strings.Repeat("detect me ", 32))

	fast, err := c.Compress(data, Fast)
	require.NoError(t, err)
	kind, ok := DetectKind(fast)
	require.True(t, ok)
	assert.Equal(t, Fast, kind)

	hr, err := c.Compress(data, HighRatio)
	require.NoError(t, err)
	kind, ok = DetectKind(hr)
	require.True(t, ok)
	assert.Equal(t, HighRatio, kind)

	_, ok = DetectKind([]byte("plain bytes"))
	assert.False(t, ok)
}

func TestCompressRejectsUnknownKind(t *testing.T) {
	c := New(6)
	_, err := c.Compress([]byte("x"), Kind(99))
	assert.Error(t, err)
}
