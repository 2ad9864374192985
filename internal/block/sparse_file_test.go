package block

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseFileFirstMarkedFindsWrittenData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(1<<20)) // 1 MiB sparse file, no data written
	_, err = f.WriteAt([]byte("data"), 1<<16)
	require.NoError(t, err)

	sf := NewSparseFileChecker(f)
	start, err := sf.FirstMarked(0)
	if err != nil {
		// Not every filesystem backing a test's TempDir reports extents
		// (e.g. some overlay/tmpfs configurations); skip rather than fail
		// on an environment that can't exercise SEEK_DATA.
		t.Skipf("SEEK_DATA unsupported on this filesystem: %v", err)
	}
	assert.LessOrEqual(t, start, int64(1<<16))
}

func TestSparseFileFirstMarkedReturnsEOFPastLastData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(1<<20))
	_, err = f.WriteAt([]byte("data"), 100)
	require.NoError(t, err)

	sf := NewSparseFileChecker(f)
	_, err = sf.FirstMarked(1 << 19)
	if err == nil {
		t.Skip("filesystem reports the whole truncated tail as data, can't exercise the hole path")
	}
	assert.ErrorIs(t, err, io.EOF)
}
